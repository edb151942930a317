// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package unrecognised routes payloads no decoder claimed to a single
// canonical stream or datagram context per parent.
package unrecognised

import (
	"github.com/mbeema/flowstate/pkg/ctxtree"
	"github.com/mbeema/flowstate/pkg/flow"
)

// Manager receives unrecognised payloads. Errors are returned to the
// caller of ProcessStream/ProcessDatagram unchanged.
type Manager interface {
	UnrecognisedStream(c *ctxtree.Node, data []byte) error
	UnrecognisedDatagram(c *ctxtree.Node, data []byte) error
}

// ProcessStream hands data to mgr under the canonical unrecognised stream
// context of parent.
func ProcessStream(mgr Manager, parent *ctxtree.Node, data []byte) error {
	return process(parent, ctxtree.KindUnrecognisedStream, data, mgr.UnrecognisedStream)
}

// ProcessDatagram hands data to mgr under the canonical unrecognised
// datagram context of parent.
func ProcessDatagram(mgr Manager, parent *ctxtree.Node, data []byte) error {
	return process(parent, ctxtree.KindUnrecognisedDatagram, data, mgr.UnrecognisedDatagram)
}

func process(parent *ctxtree.Node, kind ctxtree.Kind, data []byte, fn func(*ctxtree.Node, []byte) error) error {
	c, err := acquire(parent, kind)
	if err != nil {
		return err
	}
	defer c.Unlock()

	c.Touch()
	return fn(c, data)
}

// acquire finds or creates the child and returns it locked. A child reaped
// between lookup and locking is skipped and a fresh one created.
func acquire(parent *ctxtree.Node, kind ctxtree.Kind) (*ctxtree.Node, error) {
	key := flow.UnrecognisedKey()
	for {
		c, err := parent.GetOrCreate(kind, key)
		if err != nil {
			return nil, err
		}
		c.Lock()
		if !c.Detached() {
			return c, nil
		}
		c.Unlock()
	}
}
