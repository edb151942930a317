// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

/*
Package ctxtree holds the per-flow context tree.

Every acquisition has a Root. Below it, decoders create one context per flow
per layer, keyed by the flow key of that layer and the context kind. Parents
own their children through the children map; children refer back to their
parent through a Handle, a generation-checked index into the Registry slab,
so a child whose parent has been released simply resolves to no parent.

Non-root contexts are registered with a reaper.Watcher when attached. When
idle for longer than the TTL of their kind the watcher calls Reap, which
removes the context from its parent and releases the subtree below it.

Locking rules:

  - A goroutine holds at most one context structure lock at a time.
  - The registry and watcher locks may be taken under a structure lock, never
    the other way round.
  - Reap takes the reaped context's state lock, drops it, then takes the
    parent's structure lock.
  - Releasing a subtree takes and drops the state lock of every context in
    it, top-down, before detaching that context. A context is never removed
    from its parent's children while its state lock is held.
*/
package ctxtree
