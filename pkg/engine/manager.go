// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"sync/atomic"

	"github.com/mbeema/flowstate/pkg/ctxtree"
	"github.com/mbeema/flowstate/pkg/unrecognised"
	"go.uber.org/zap"
)

// LogManager is the default unrecognised.Manager. It records each payload
// at Debug and keeps running totals.
type LogManager struct {
	logger *zap.Logger

	streams   atomic.Int64
	datagrams atomic.Int64
	bytes     atomic.Int64
}

var _ unrecognised.Manager = (*LogManager)(nil)

// NewLogManager creates a LogManager.
func NewLogManager(logger *zap.Logger) *LogManager {
	return &LogManager{logger: logger}
}

// UnrecognisedStream implements unrecognised.Manager.
func (m *LogManager) UnrecognisedStream(c *ctxtree.Node, data []byte) error {
	m.streams.Add(1)
	m.bytes.Add(int64(len(data)))
	m.log("unrecognised stream", c, data)
	return nil
}

// UnrecognisedDatagram implements unrecognised.Manager.
func (m *LogManager) UnrecognisedDatagram(c *ctxtree.Node, data []byte) error {
	m.datagrams.Add(1)
	m.bytes.Add(int64(len(data)))
	m.log("unrecognised datagram", c, data)
	return nil
}

func (m *LogManager) log(msg string, c *ctxtree.Node, data []byte) {
	if ce := m.logger.Check(zap.DebugLevel, msg); ce != nil {
		fields := []zap.Field{
			zap.Stringer("context", c),
			zap.Int("bytes", len(data)),
		}
		if p := c.Parent(); p != nil {
			fields = append(fields, zap.Stringer("parent", p), zap.Stringer("key", p.Key()))
		}
		if r := c.Root(); r != nil {
			fields = append(fields, zap.String("liid", r.LIID()))
		}
		ce.Write(fields...)
	}
}

// Totals returns the stream calls, datagram calls and payload bytes seen.
func (m *LogManager) Totals() (streams, datagrams, bytes int64) {
	return m.streams.Load(), m.datagrams.Load(), m.bytes.Load()
}
