// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// TierEnvVar overrides tier detection when set.
const TierEnvVar = "ANCHOROPS_TIER"

// DefaultProductionHostPattern matches hostnames such as "prod-1" or
// "prd.example".
const DefaultProductionHostPattern = `^(prod|prd)[-.0-9]`

// TierSignals are the inputs to DetectTier.
type TierSignals struct {
	// StateDir holds the "production" or "development" marker file.
	StateDir string

	// HostPattern overrides DefaultProductionHostPattern.
	HostPattern string

	// Getenv and Hostname are injectable for tests.
	Getenv   func(string) string
	Hostname func() (string, error)
}

// TierDecision is the detected tier and the signal that decided it.
type TierDecision struct {
	Tier   Tier
	Source string
}

// DetectTier decides the tier once for a run.
//
// # Description
//
// Precedence: ANCHOROPS_TIER, then a marker file in StateDir
// ("production" wins over "development" when both exist), then the hostname
// pattern, then development. An invalid ANCHOROPS_TIER value is an error
// rather than a silent fallback.
//
// # Outputs
//
//   - TierDecision: Tier and human-readable source
//   - error: Invalid env value or bad host pattern
func DetectTier(sig TierSignals) (TierDecision, error) {
	getenv := sig.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	hostname := sig.Hostname
	if hostname == nil {
		hostname = os.Hostname
	}

	if v := getenv(TierEnvVar); v != "" {
		tier, err := ParseTier(v)
		if err != nil {
			return TierDecision{}, fmt.Errorf("%s: %w", TierEnvVar, err)
		}
		return TierDecision{Tier: tier, Source: "environment variable " + TierEnvVar}, nil
	}

	if sig.StateDir != "" {
		for _, tier := range []Tier{TierProduction, TierDevelopment} {
			marker := filepath.Join(sig.StateDir, string(tier))
			if _, err := os.Stat(marker); err == nil {
				return TierDecision{Tier: tier, Source: "marker file " + marker}, nil
			}
		}
	}

	pattern := sig.HostPattern
	if pattern == "" {
		pattern = DefaultProductionHostPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return TierDecision{}, fmt.Errorf("invalid production host pattern %q: %w", pattern, err)
	}
	if host, err := hostname(); err == nil && re.MatchString(host) {
		return TierDecision{Tier: TierProduction, Source: "hostname " + host}, nil
	}

	return TierDecision{Tier: TierDevelopment, Source: "default"}, nil
}
