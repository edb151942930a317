// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ctxtree

import "errors"

var (
	// ErrDuplicateChild is returned by AddChild when a live child of the
	// same kind is already mapped under the key. Recover with GetChild.
	ErrDuplicateChild = errors.New("context already exists")

	// ErrDetached is returned when adding under a context that has been
	// reaped or retired.
	ErrDetached = errors.New("context detached")

	// ErrInvalidChild is returned for children that cannot be attached:
	// roots, nodes from another registry, or nodes that already have a
	// parent.
	ErrInvalidChild = errors.New("invalid child context")
)
