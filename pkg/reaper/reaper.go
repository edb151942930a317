// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reaper

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultTTL is the idle time after which a context is reaped.
const DefaultTTL = 10 * time.Second

// DefaultInterval is how often the sweep loop looks for idle entries.
const DefaultInterval = time.Second

// Reapable is anything that can detach itself once idle.
type Reapable interface {
	Reap()
}

// Watcher is the contract the context tree relies on.
type Watcher interface {
	// Register starts an idle episode for r. A ttl <= 0 opts out.
	Register(r Reapable, ttl time.Duration)
	// Touch resets the idle timer of a registered r.
	Touch(r Reapable)
	// Cancel forgets r without reaping it.
	Cancel(r Reapable)
}

type entry struct {
	ttl      time.Duration
	lastSeen time.Time
	// reaping is set by Sweep when the entry is found idle and cleared by
	// Touch. Sweep only reaps entries still marked.
	reaping bool
}

// Reaper is the in-process Watcher. Idle entries are found by a periodic
// sweep; each entry is removed before its Reap is invoked, so Reap runs at
// most once per registration. A Touch that lands after an entry was found
// idle but before it is reaped keeps it alive.
type Reaper struct {
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[Reapable]*entry

	reaped atomic.Int64

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// WithInterval sets the sweep interval used by Start.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// New creates a reaper. It does nothing until Start is called or Sweep is
// driven by the caller.
func New(logger *zap.Logger, opts ...Option) *Reaper {
	r := &Reaper{
		logger:   logger,
		interval: DefaultInterval,
		now:      time.Now,
		entries:  make(map[Reapable]*entry),
		stopCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register implements Watcher. Registering an already known r restarts its
// episode with the new ttl.
func (r *Reaper) Register(x Reapable, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := r.now()
	r.mu.Lock()
	r.entries[x] = &entry{ttl: ttl, lastSeen: now}
	r.mu.Unlock()
}

// Touch implements Watcher.
func (r *Reaper) Touch(x Reapable) {
	now := r.now()
	r.mu.Lock()
	if e, ok := r.entries[x]; ok {
		e.lastSeen = now
		e.reaping = false
	}
	r.mu.Unlock()
}

// Cancel implements Watcher.
func (r *Reaper) Cancel(x Reapable) {
	r.mu.Lock()
	delete(r.entries, x)
	r.mu.Unlock()
}

// Len returns the number of entries being watched.
func (r *Reaper) Len() int {
	r.mu.Lock()
	n := len(r.entries)
	r.mu.Unlock()
	return n
}

// Reaped returns how many entries have been reaped since creation.
func (r *Reaper) Reaped() int64 {
	return r.reaped.Load()
}

// Sweep reaps every entry idle for longer than its ttl and returns how many
// were reaped. Idle entries are marked first and reaped oldest first; an
// entry touched, cancelled or registered again after being marked is
// skipped. Reap is called without the reaper lock held, so it may call back
// into the reaper.
func (r *Reaper) Sweep() int {
	now := r.now()

	type idleEntry struct {
		x    Reapable
		e    *entry
		seen time.Time
	}
	var idle []idleEntry
	r.mu.Lock()
	for x, e := range r.entries {
		if now.Sub(e.lastSeen) > e.ttl {
			e.reaping = true
			idle = append(idle, idleEntry{x, e, e.lastSeen})
		}
	}
	r.mu.Unlock()

	sort.Slice(idle, func(i, j int) bool {
		return idle[i].seen.Before(idle[j].seen)
	})

	n := 0
	for _, it := range idle {
		if !r.claim(it.x, it.e) {
			continue
		}
		it.x.Reap()
		n++
	}
	r.reaped.Add(int64(n))
	return n
}

// claim removes x if e is still its entry and still marked for reaping.
func (r *Reaper) claim(x Reapable, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[x]; !ok || cur != e || !e.reaping {
		return false
	}
	delete(r.entries, x)
	return true
}

// Start runs the sweep loop until ctx is done or Stop is called.
func (r *Reaper) Start(ctx context.Context) error {
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("reaper started", zap.Duration("interval", r.interval))
	return nil
}

// Stop ends the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("reaped idle contexts",
					zap.Int("reaped", n),
					zap.Int("watched", r.Len()),
				)
			}
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		}
	}
}
