// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package flow

import (
	"bytes"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Layer is the protocol layer an address belongs to.
type Layer int

const (
	LayerRoot Layer = iota
	LayerNetwork
	LayerTransport
	LayerApplication
)

func (l Layer) String() string {
	switch l {
	case LayerRoot:
		return "root"
	case LayerNetwork:
		return "network"
	case LayerTransport:
		return "transport"
	case LayerApplication:
		return "application"
	default:
		return "unknown"
	}
}

// Endpoint types owned by this package. Numbers sit above the gopacket
// builtin range.
var (
	EndpointRoot = gopacket.RegisterEndpointType(1100, gopacket.EndpointTypeMetadata{
		Name:      "Root",
		Formatter: func([]byte) string { return "root" },
	})
	EndpointUnrecognised = gopacket.RegisterEndpointType(1101, gopacket.EndpointTypeMetadata{
		Name:      "Unrecognised",
		Formatter: func([]byte) string { return "unrecognised" },
	})
)

// Address is one side of a flow at a given layer. The zero value is the
// unset address.
type Address struct {
	Layer    Layer
	Endpoint gopacket.Endpoint
}

// NewAddress tags an endpoint with the layer it was observed on.
func NewAddress(layer Layer, ep gopacket.Endpoint) Address {
	return Address{Layer: layer, Endpoint: ep}
}

// Empty returns an address with no raw bytes.
func Empty(layer Layer, typ gopacket.EndpointType) Address {
	return Address{Layer: layer, Endpoint: gopacket.NewEndpoint(typ, nil)}
}

// IsZero reports whether the address was never assigned.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Type returns the endpoint type, which carries the protocol family.
func (a Address) Type() gopacket.EndpointType {
	return a.Endpoint.EndpointType()
}

// Raw returns the address bytes.
func (a Address) Raw() []byte {
	return a.Endpoint.Raw()
}

// Compare orders addresses by layer, endpoint type and raw bytes.
func (a Address) Compare(b Address) int {
	switch {
	case a.Layer < b.Layer:
		return -1
	case a.Layer > b.Layer:
		return 1
	}
	at, bt := a.Type(), b.Type()
	switch {
	case at < bt:
		return -1
	case at > bt:
		return 1
	}
	return bytes.Compare(a.Raw(), b.Raw())
}

func (a Address) String() string {
	if a.IsZero() {
		return "<unset>"
	}
	return fmt.Sprintf("%s/%s", a.Layer, a.Endpoint)
}

// Family is the address family tag used by acquisition triggers.
type Family int

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// ParseFamily maps a config string to a Family.
func ParseFamily(s string) (Family, error) {
	switch s {
	case "ipv4", "ip4", "4":
		return FamilyIPv4, nil
	case "ipv6", "ip6", "6":
		return FamilyIPv6, nil
	}
	return 0, fmt.Errorf("unknown address family %q", s)
}

// NormalizeIP builds a network-layer address from a family-tagged raw
// address. It returns false when the length does not match the family.
func NormalizeIP(family Family, raw []byte) (Address, bool) {
	switch family {
	case FamilyIPv4:
		if len(raw) != 4 {
			return Address{}, false
		}
		return NewAddress(LayerNetwork, gopacket.NewEndpoint(layers.EndpointIPv4, raw)), true
	case FamilyIPv6:
		if len(raw) != 16 {
			return Address{}, false
		}
		return NewAddress(LayerNetwork, gopacket.NewEndpoint(layers.EndpointIPv6, raw)), true
	}
	return Address{}, false
}
