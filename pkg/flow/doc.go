// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package flow defines the layered addresses and flow keys that index the
// context tree. Addresses are gopacket endpoints tagged with the protocol
// layer they were seen on, so a TCP port pair and an IPv4 pair never compare
// equal even when their bytes do.
package flow
