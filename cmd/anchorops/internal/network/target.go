// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package network reconciles the blockchain node's peer configuration
// against the network registry and writes the node's own identity back into
// its registry-facing configuration.
package network

import (
	"fmt"
	"sort"
	"strings"
)

// Target is one of the fixed named blockchain networks.
type Target int

const (
	targetUnknown Target = iota
	Mainnet
	Testnet
	Devnet
)

// Endpoints are the fixed registry coordinates of a Target.
type Endpoints struct {
	// RegistryURL receives the node's status reports.
	RegistryURL string

	// RegistrySecret authenticates status reports for this network.
	RegistrySecret string

	// DiscoveryURL answers the ready handshake with the peer list.
	DiscoveryURL string
}

var targetNames = map[Target]string{
	Mainnet: "mainnet",
	Testnet: "testnet",
	Devnet:  "devnet",
}

var endpoints = map[Target]Endpoints{
	Mainnet: {
		RegistryURL:    "wss://stats.trustanchor.network/api",
		RegistrySecret: "ta-mainnet-7f3c91d2",
		DiscoveryURL:   "wss://peers.trustanchor.network/mainnet",
	},
	Testnet: {
		RegistryURL:    "wss://stats-testnet.trustanchor.network/api",
		RegistrySecret: "ta-testnet-4b8e06a5",
		DiscoveryURL:   "wss://peers.trustanchor.network/testnet",
	},
	Devnet: {
		RegistryURL:    "wss://stats-devnet.trustanchor.network/api",
		RegistrySecret: "ta-devnet-c21d5f90",
		DiscoveryURL:   "wss://peers.trustanchor.network/devnet",
	},
}

// InvalidTargetError is returned for a network name outside the fixed set.
type InvalidTargetError struct {
	Value string
}

// Error implements the error interface.
func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid network target %q (valid: %s)", e.Value, strings.Join(TargetNames(), ", "))
}

// ParseTarget resolves a network name. Unknown names are rejected; there is
// no default.
func ParseTarget(s string) (Target, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for t, n := range targetNames {
		if n == name {
			return t, nil
		}
	}
	return targetUnknown, &InvalidTargetError{Value: s}
}

// TargetNames lists the valid names, sorted.
func TargetNames() []string {
	names := make([]string, 0, len(targetNames))
	for _, n := range targetNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// String returns the network name.
func (t Target) String() string {
	if n, ok := targetNames[t]; ok {
		return n
	}
	return "unknown"
}

// Valid reports whether t is one of the fixed networks.
func (t Target) Valid() bool {
	_, ok := endpoints[t]
	return ok
}

// Endpoints returns the fixed coordinates for t.
func (t Target) Endpoints() (Endpoints, error) {
	ep, ok := endpoints[t]
	if !ok {
		return Endpoints{}, &InvalidTargetError{Value: t.String()}
	}
	return ep, nil
}

// UnmarshalText lets Target be decoded from config files.
func (t *Target) UnmarshalText(text []byte) error {
	parsed, err := ParseTarget(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalText renders the network name.
func (t Target) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, &InvalidTargetError{Value: t.String()}
	}
	return []byte(t.String()), nil
}
