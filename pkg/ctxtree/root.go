// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ctxtree

import "github.com/mbeema/flowstate/pkg/flow"

type rootState struct {
	liid    string
	trigger flow.Address
}

// Root is the top of a context tree. It records why the traffic below it
// is being acquired. Its lifetime belongs to the engine that created it.
type Root struct {
	*Node
}

// AsRoot returns the root view of n if n is a root context.
func (n *Node) AsRoot() (*Root, bool) {
	if n.kind != KindRoot {
		return nil, false
	}
	return &Root{Node: n}, true
}

// LIID returns the acquisition id.
func (r *Root) LIID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root.liid
}

// SetLIID replaces the acquisition id.
func (r *Root) SetLIID(liid string) {
	r.mu.Lock()
	r.root.liid = liid
	r.mu.Unlock()
}

// TriggerAddress returns the address that caused acquisition, and false if
// none has been set.
func (r *Root) TriggerAddress() (flow.Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root.trigger, !r.root.trigger.IsZero()
}

// SetTriggerAddress records the acquisition trigger. An address whose
// length does not match its family is ignored and the previous value kept;
// the return value reports whether it was accepted.
func (r *Root) SetTriggerAddress(family flow.Family, raw []byte) bool {
	addr, ok := flow.NormalizeIP(family, raw)
	if !ok {
		return false
	}
	r.mu.Lock()
	r.root.trigger = addr
	r.mu.Unlock()
	return true
}
