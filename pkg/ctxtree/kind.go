// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ctxtree

import "fmt"

// Kind discriminates the context variants.
type Kind uint8

const (
	KindRoot Kind = iota
	KindUnrecognisedStream
	KindUnrecognisedDatagram
	KindIP4
	KindIP6
	KindTCP
	KindUDP

	numKinds
)

var kindNames = [numKinds]string{
	KindRoot:                 "root",
	KindUnrecognisedStream:   "unrecognised_stream",
	KindUnrecognisedDatagram: "unrecognised_datagram",
	KindIP4:                  "ip4",
	KindIP6:                  "ip6",
	KindTCP:                  "tcp",
	KindUDP:                  "udp",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown context kind %q", s)
}

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	ks := make([]Kind, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		ks = append(ks, k)
	}
	return ks
}
