// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/envfile"
)

// PeerStore is the node's static peer list file, a JSON array of enode URLs.
type PeerStore struct {
	Path string
}

// Load reads the stored peer list. A missing file yields an empty list.
func (s PeerStore) Load() ([]string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var peers []string
	if err := json.Unmarshal(data, &peers); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPeerList, s.Path, err)
	}
	return peers, nil
}

// Persist replaces the stored list atomically and returns the written bytes.
//
// The list is validated first; an invalid or empty list leaves the existing
// file untouched. Readers see either the old or the new file, never a
// partial one.
func (s PeerStore) Persist(peers []string) ([]byte, error) {
	valid, err := ValidatePeerList(peers)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(valid, "", "  ")
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	if err := envfile.WriteAtomic(s.Path, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing peer list %s: %w", s.Path, err)
	}
	return data, nil
}
