// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package flow

import (
	"fmt"

	"github.com/google/gopacket"
)

// Key identifies a flow at one layer. It is comparable and safe to use as
// a map key.
type Key struct {
	Src Address
	Dst Address
}

// NewKey builds a key from two addresses.
func NewKey(src, dst Address) Key {
	return Key{Src: src, Dst: dst}
}

// FromFlow converts a gopacket flow observed on the given layer.
func FromFlow(layer Layer, f gopacket.Flow) Key {
	src, dst := f.Endpoints()
	return Key{Src: NewAddress(layer, src), Dst: NewAddress(layer, dst)}
}

// UnrecognisedKey is the canonical key for traffic no decoder claimed.
func UnrecognisedKey() Key {
	a := Empty(LayerTransport, EndpointUnrecognised)
	return Key{Src: a, Dst: a}
}

// RootKey is the key carried by root contexts.
func RootKey() Key {
	a := Empty(LayerRoot, EndpointRoot)
	return Key{Src: a, Dst: a}
}

// Reverse swaps source and destination.
func (k Key) Reverse() Key {
	return Key{Src: k.Dst, Dst: k.Src}
}

// Canonical returns the orientation of k that sorts first, so both
// directions of a conversation map to the same key.
func (k Key) Canonical() Key {
	if r := k.Reverse(); r.Compare(k) < 0 {
		return r
	}
	return k
}

// Compare orders keys by source, then destination.
func (k Key) Compare(o Key) int {
	if c := k.Src.Compare(o.Src); c != 0 {
		return c
	}
	return k.Dst.Compare(o.Dst)
}

// Layer returns the layer of the source address.
func (k Key) Layer() Layer {
	return k.Src.Layer
}

func (k Key) String() string {
	return fmt.Sprintf("%s->%s", k.Src, k.Dst)
}
