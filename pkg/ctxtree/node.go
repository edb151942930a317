// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ctxtree

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mbeema/flowstate/pkg/flow"
	"go.uber.org/zap"
)

// childKey indexes a parent's children. Two contexts of different kinds may
// share a flow key under the same parent.
type childKey struct {
	kind Kind
	key  flow.Key
}

// Node is a context: the accumulated decoding state of one flow at one
// layer.
//
// Two locks guard a Node. mu protects the tree structure (children, the
// released flag, variant fields) and is only ever held briefly by this
// package. state is the per-flow lock handed out through Lock/Unlock to
// decoders and manager callbacks, which may hold it across arbitrary work,
// including lookups on this same node.
type Node struct {
	id   ID
	kind Kind
	reg  *Registry

	// Written once when the node is attached, read-only afterwards.
	key    flow.Key
	parent Handle
	self   Handle

	attached atomic.Bool
	detached atomic.Bool

	state sync.Mutex

	mu       sync.Mutex
	children map[childKey]*Node
	released bool
	root     *rootState
}

// ID returns the diagnostic identifier.
func (n *Node) ID() ID { return n.id }

// Kind returns the context variant.
func (n *Node) Kind() Kind { return n.kind }

// Key returns the flow key this context is registered under in its parent.
func (n *Node) Key() flow.Key { return n.key }

// Detached reports whether the context has been reaped or released. A
// detached context must not be used for further work.
func (n *Node) Detached() bool { return n.detached.Load() }

// Lock takes the per-flow state lock.
func (n *Node) Lock() { n.state.Lock() }

// Unlock releases the per-flow state lock.
func (n *Node) Unlock() { n.state.Unlock() }

// TryLock takes the per-flow state lock if it is free.
func (n *Node) TryLock() bool { return n.state.TryLock() }

// Parent returns the parent context, or nil for roots and for contexts
// whose parent has already been released.
func (n *Node) Parent() *Node {
	return n.reg.resolve(n.parent)
}

// Root walks up to the root context. It returns nil if any ancestor has
// been released.
func (n *Node) Root() *Root {
	for x := n; x != nil; x = x.Parent() {
		if x.kind == KindRoot {
			return &Root{Node: x}
		}
	}
	return nil
}

// Touch marks activity, resetting the idle timer.
func (n *Node) Touch() {
	if n.kind == KindRoot || n.reg.watcher == nil {
		return
	}
	n.reg.watcher.Touch(n)
}

// GetChild returns the live child of the given kind under key, or nil.
// It never creates.
func (n *Node) GetChild(kind Kind, key flow.Key) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := n.children[childKey{kind, key}]
	if c == nil || c.detached.Load() {
		return nil
	}
	return c
}

// AddChild attaches child under key. It fails with ErrDuplicateChild if a
// live child of the same kind already sits under key, leaving that mapping
// untouched.
func (n *Node) AddChild(key flow.Key, child *Node) error {
	if child == nil || child.reg != n.reg || child.kind == KindRoot {
		return ErrInvalidChild
	}
	n.mu.Lock()
	err := n.insertLocked(key, child)
	n.mu.Unlock()
	if err != nil {
		return err
	}
	n.created(child)
	return nil
}

// GetOrCreate returns the live child of the given kind under key, creating
// and attaching it if there is none. Concurrent callers for the same kind
// and key all get the same context.
func (n *Node) GetOrCreate(kind Kind, key flow.Key) (*Node, error) {
	if kind == KindRoot {
		return nil, ErrInvalidChild
	}
	n.mu.Lock()
	if c := n.children[childKey{kind, key}]; c != nil && !c.detached.Load() {
		n.mu.Unlock()
		return c, nil
	}
	child := n.reg.NewNode(kind)
	err := n.insertLocked(key, child)
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}
	n.created(child)
	return child, nil
}

// insertLocked must be called with n.mu held.
func (n *Node) insertLocked(key flow.Key, child *Node) error {
	if n.released || n.detached.Load() {
		return fmt.Errorf("add %s under context %d: %w", child.kind, n.id, ErrDetached)
	}
	ck := childKey{child.kind, key}
	if cur := n.children[ck]; cur != nil && !cur.detached.Load() {
		return fmt.Errorf("add %s %s under context %d: %w", child.kind, key, n.id, ErrDuplicateChild)
	}
	if !child.attached.CompareAndSwap(false, true) {
		return ErrInvalidChild
	}
	child.key = key
	child.parent = n.self
	n.reg.attach(child)
	if n.children == nil {
		n.children = make(map[childKey]*Node)
	}
	n.children[ck] = child
	if w := n.reg.watcher; w != nil {
		w.Register(child, n.reg.TTL(child.kind))
	}
	return nil
}

func (n *Node) created(child *Node) {
	if o := n.reg.observer; o != nil {
		o.ContextCreated(child.kind)
	}
	n.reg.logger.Debug("context created",
		zap.Uint64("id", uint64(child.id)),
		zap.Stringer("kind", child.kind),
		zap.Uint64("parent", uint64(n.id)),
		zap.Stringer("key", child.key),
	)
}

// Reap detaches the context from its parent and releases its subtree. It
// waits for any holder of the state lock of this context, and then of each
// context below it, so in-flight work completes before removal. If the
// parent is already gone the subtree is being torn down from above and Reap
// does nothing. Calling Reap again is a no-op. Roots are never reaped.
//
// Reap must not be called while holding the state lock of this context or
// of any context below it.
func (n *Node) Reap() {
	if n.kind == KindRoot || !n.attached.Load() {
		return
	}

	n.state.Lock()
	first := n.detached.CompareAndSwap(false, true)
	n.state.Unlock()
	if !first {
		return
	}

	p := n.reg.resolve(n.parent)
	if p == nil {
		return
	}

	ck := childKey{n.kind, n.key}
	p.mu.Lock()
	if p.children[ck] == n {
		delete(p.children, ck)
	}
	p.mu.Unlock()

	if o := n.reg.observer; o != nil {
		o.ContextReaped(n.kind)
	}
	n.reg.release(n)
	n.reg.logger.Debug("context reaped",
		zap.Uint64("id", uint64(n.id)),
		zap.Stringer("kind", n.kind),
		zap.Uint64("parent", uint64(p.id)),
	)
}

// Children returns a snapshot of the live children ordered by kind and key.
func (n *Node) Children() []*Node {
	n.mu.Lock()
	out := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		if !c.detached.Load() {
			out = append(out, c)
		}
	}
	n.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].kind != out[j].kind {
			return out[i].kind < out[j].kind
		}
		return out[i].key.Compare(out[j].key) < 0
	})
	return out
}

// Walk calls fn for n and every live descendant, depth first. Each context
// is locked only while its children are copied.
func (n *Node) Walk(fn func(depth int, c *Node)) {
	var visit func(int, *Node)
	visit = func(depth int, c *Node) {
		fn(depth, c)
		for _, k := range c.Children() {
			visit(depth+1, k)
		}
	}
	visit(0, n)
}

func (n *Node) String() string {
	return fmt.Sprintf("%s#%d", n.kind, n.id)
}
