// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"context"
	"sync"

	"github.com/google/gopacket"
	"go.uber.org/zap"
)

// Capturer is the interface for packet sources.
type Capturer interface {
	Start(ctx context.Context) error
	Stop() error
	OnPacket(fn func(gopacket.Packet))
	// Done is closed once the source is exhausted or stopped.
	Done() <-chan struct{}
}

// Config holds capture configuration.
type Config struct {
	File   string
	Format string // "auto", "pcap" or "pcapng"
	Logger *zap.Logger
}

// baseCapturer provides common functionality.
type baseCapturer struct {
	cfg       *Config
	logger    *zap.Logger
	mu        sync.RWMutex
	callbacks []func(gopacket.Packet)
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

func newBase(cfg *Config) baseCapturer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return baseCapturer{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (c *baseCapturer) OnPacket(fn func(gopacket.Packet)) {
	c.mu.Lock()
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

func (c *baseCapturer) Done() <-chan struct{} {
	return c.done
}

func (c *baseCapturer) emit(pkt gopacket.Packet) {
	c.mu.RLock()
	cbs := c.callbacks
	c.mu.RUnlock()

	for _, cb := range cbs {
		cb(pkt)
	}
}

func (c *baseCapturer) signalStop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// New creates a capturer reading the configured capture file.
func New(cfg *Config) Capturer {
	return newFileCapturer(cfg)
}
