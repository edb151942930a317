// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ctxtree

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/flowstate/pkg/flow"
	"github.com/mbeema/flowstate/pkg/reaper"
	"go.uber.org/zap"
)

// ID is the diagnostic identifier of a context. It plays no part in lookup
// or equality.
type ID uint64

// Handle is a weak reference to a context: an index into the registry slab
// plus the generation the slot had when the handle was taken. A handle to a
// released context resolves to nil. The zero Handle never resolves.
type Handle struct {
	index uint32 // slot index + 1
	gen   uint32
}

// IsZero reports whether h refers to nothing.
func (h Handle) IsZero() bool {
	return h.index == 0
}

type slot struct {
	gen  uint32
	node *Node
}

// Observer receives lifecycle notifications, typically for metrics. Calls
// are made without any context lock held.
type Observer interface {
	ContextCreated(k Kind)
	ContextReaped(k Kind)
	ContextReleased(k Kind)
}

// Options configures a Registry.
type Options struct {
	// Watcher is told about every attached non-root context. Nil disables
	// idle reaping.
	Watcher reaper.Watcher
	// DefaultTTL applies to kinds without an explicit TTL. Zero means
	// reaper.DefaultTTL.
	DefaultTTL time.Duration
	// TTL overrides the idle time per kind.
	TTL      map[Kind]time.Duration
	Logger   *zap.Logger
	Observer Observer
}

// Registry allocates context ids, owns the slab backing weak parent handles
// and keeps the live context count.
//
// Lock order: a context's structure lock may be held while taking the
// registry lock; the registry lock is never held while taking a context
// lock.
type Registry struct {
	logger   *zap.Logger
	watcher  reaper.Watcher
	observer Observer

	nextID atomic.Uint64

	mu    sync.Mutex
	slots []slot
	free  []uint32
	live  int

	ttlMu      sync.RWMutex
	defaultTTL time.Duration
	ttl        map[Kind]time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	def := opts.DefaultTTL
	if def <= 0 {
		def = reaper.DefaultTTL
	}
	r := &Registry{
		logger:     logger,
		watcher:    opts.Watcher,
		observer:   opts.Observer,
		defaultTTL: def,
		ttl:        make(map[Kind]time.Duration, len(opts.TTL)),
	}
	for k, d := range opts.TTL {
		r.ttl[k] = d
	}
	return r
}

// Live returns the number of contexts currently in the tree, roots
// included.
func (r *Registry) Live() int {
	r.mu.Lock()
	n := r.live
	r.mu.Unlock()
	return n
}

// TTL returns the idle time for a kind. Roots always return 0.
func (r *Registry) TTL(k Kind) time.Duration {
	if k == KindRoot {
		return 0
	}
	r.ttlMu.RLock()
	defer r.ttlMu.RUnlock()
	if d, ok := r.ttl[k]; ok {
		return d
	}
	return r.defaultTTL
}

// SetTTL overrides the idle time for a kind. It applies to contexts
// attached afterwards.
func (r *Registry) SetTTL(k Kind, d time.Duration) {
	r.ttlMu.Lock()
	r.ttl[k] = d
	r.ttlMu.Unlock()
}

// SetDefaultTTL changes the fallback idle time.
func (r *Registry) SetDefaultTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	r.ttlMu.Lock()
	r.defaultTTL = d
	r.ttlMu.Unlock()
}

// NewNode constructs a detached-from-tree context of the given kind. It is
// not counted as live until it is attached with AddChild.
func (r *Registry) NewNode(k Kind) *Node {
	return &Node{
		id:   ID(r.nextID.Add(1)),
		kind: k,
		reg:  r,
	}
}

// NewRoot creates the root context for an acquisition id. Roots are live
// from creation and are never handed to the watcher.
func (r *Registry) NewRoot(liid string) *Root {
	n := r.NewNode(KindRoot)
	n.key = flow.RootKey()
	n.root = &rootState{liid: liid}
	n.attached.Store(true)
	r.attach(n)
	if r.observer != nil {
		r.observer.ContextCreated(KindRoot)
	}
	r.logger.Debug("root context created", zap.Uint64("id", uint64(n.id)), zap.String("liid", liid))
	return &Root{Node: n}
}

// Retire tears down a root and everything below it.
func (r *Registry) Retire(root *Root) {
	if root == nil {
		return
	}
	r.release(root.Node)
	r.logger.Debug("root context retired", zap.Uint64("id", uint64(root.id)), zap.String("liid", root.LIID()))
}

// attach gives n a slot and counts it as live.
func (r *Registry) attach(n *Node) {
	r.mu.Lock()
	var idx uint32
	if l := len(r.free); l > 0 {
		idx = r.free[l-1]
		r.free = r.free[:l-1]
	} else {
		r.slots = append(r.slots, slot{})
		idx = uint32(len(r.slots) - 1)
	}
	s := &r.slots[idx]
	s.node = n
	n.self = Handle{index: idx + 1, gen: s.gen}
	r.live++
	r.mu.Unlock()
}

// resolve returns the context h refers to, or nil if it has been released.
func (r *Registry) resolve(h Handle) *Node {
	if h.IsZero() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := h.index - 1
	if int(idx) >= len(r.slots) {
		return nil
	}
	s := r.slots[idx]
	if s.gen != h.gen {
		return nil
	}
	return s.node
}

// freeSlot invalidates every handle to n. It reports false if n had already
// been freed.
func (r *Registry) freeSlot(n *Node) bool {
	h := n.self
	if h.IsZero() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := h.index - 1
	s := &r.slots[idx]
	if s.gen != h.gen || s.node != n {
		return false
	}
	s.gen++
	s.node = nil
	r.free = append(r.free, idx)
	r.live--
	return true
}

// release detaches n and its whole subtree, top-down. Before a context is
// detached release waits for the holder of its state lock, if any, so work
// in flight on any descendant completes first. Only one lock is held at a
// time. Children maps are cleared once every context below n has been
// detached. Safe to call more than once and concurrently for overlapping
// subtrees.
func (r *Registry) release(n *Node) {
	var done []*Node
	stack := []*Node{n}
	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		x.state.Lock()
		x.detached.Store(true)
		x.state.Unlock()

		x.mu.Lock()
		if x.released {
			x.mu.Unlock()
			continue
		}
		x.released = true
		for _, k := range x.children {
			stack = append(stack, k)
		}
		x.mu.Unlock()
		done = append(done, x)

		if !r.freeSlot(x) {
			continue
		}
		if r.watcher != nil && x.kind != KindRoot {
			r.watcher.Cancel(x)
		}
		if r.observer != nil {
			r.observer.ContextReleased(x.kind)
		}
	}

	for _, x := range done {
		x.mu.Lock()
		x.children = nil
		x.mu.Unlock()
	}
}
