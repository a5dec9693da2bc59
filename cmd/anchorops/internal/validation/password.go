// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation holds the read-only predicates and probes that gate
// provisioning: credential strength, certificate domain eligibility, host
// probes (ports, disk, DNS, internet) and the aggregate preflight check.
//
// Nothing in this package mutates state. Probes fail open: when a probe
// cannot determine an answer it reports "available" or "reachable" and the
// caller surfaces a warning instead of a hard failure.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrEmptyPassword is returned for an empty password.
	ErrEmptyPassword = errors.New("password is empty")

	// ErrDeniedPassword is returned for a password on the deny-list.
	ErrDeniedPassword = errors.New("password is a known weak value")

	// ErrPasswordTooShort is returned when a password is below the minimum
	// length.
	ErrPasswordTooShort = errors.New("password is too short")

	// ErrWeakCredential is returned by ValidateCredentialForTier when the
	// tier policy rejects a credential.
	ErrWeakCredential = errors.New("credential rejected for tier")
)

// =============================================================================
// Tier
// =============================================================================

// Tier is the deployment environment class.
type Tier string

const (
	// TierDevelopment warns on weak credentials.
	TierDevelopment Tier = "development"

	// TierProduction rejects weak credentials.
	TierProduction Tier = "production"
)

// ParseTier converts a string to a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "development", "dev":
		return TierDevelopment, nil
	case "production", "prod":
		return TierProduction, nil
	default:
		return "", fmt.Errorf("unknown tier %q (want development or production)", s)
	}
}

const (
	// ProductionMinPasswordLength is the hard floor in production.
	ProductionMinPasswordLength = 20

	// DevelopmentMinPasswordLength is the advisory floor in development.
	DevelopmentMinPasswordLength = 12
)

// deniedPasswords is compared case-insensitively against the whole value.
var deniedPasswords = map[string]struct{}{
	"password":      {},
	"password1":     {},
	"password123":   {},
	"passw0rd":      {},
	"123456":        {},
	"12345678":      {},
	"123456789":     {},
	"qwerty":        {},
	"letmein":       {},
	"welcome":       {},
	"admin":         {},
	"administrator": {},
	"root":          {},
	"toor":          {},
	"secret":        {},
	"changeme":      {},
	"default":       {},
	"test":          {},
	"mysql":         {},
	"mariadb":       {},
	"redis":         {},
	"laravel":       {},
	"trustanchor":   {},
	"anchor":        {},
}

// IsDeniedPassword reports whether password is on the deny-list.
func IsDeniedPassword(password string) bool {
	_, denied := deniedPasswords[strings.ToLower(password)]
	return denied
}

// ValidatePasswordStrength checks a password against the deny-list and a
// minimum length.
//
// # Description
//
// Hard failures: empty, deny-listed (regardless of length), shorter than
// minLength. Missing a digit or a letter is reported as a warning only.
//
// # Inputs
//
//   - password: Candidate value
//   - minLength: Minimum accepted length in characters
//
// # Outputs
//
//   - []string: Non-fatal warnings
//   - error: ErrEmptyPassword, ErrDeniedPassword or ErrPasswordTooShort
func ValidatePasswordStrength(password string, minLength int) ([]string, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	if IsDeniedPassword(password) {
		return nil, ErrDeniedPassword
	}
	if n := len([]rune(password)); n < minLength {
		return nil, fmt.Errorf("%w: %d characters, need at least %d", ErrPasswordTooShort, n, minLength)
	}

	var hasDigit, hasLetter bool
	for _, r := range password {
		switch {
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsLetter(r):
			hasLetter = true
		}
	}
	var warnings []string
	if !hasDigit {
		warnings = append(warnings, "password contains no digits")
	}
	if !hasLetter {
		warnings = append(warnings, "password contains no letters")
	}
	return warnings, nil
}

// ValidateCredentialForTier applies the tier policy to a password.
//
// # Description
//
// Development accepts weak passwords and returns the weakness as warnings.
// An empty password is rejected in every tier. Production rejects anything
// ValidatePasswordStrength rejects at ProductionMinPasswordLength.
//
// # Outputs
//
//   - []string: Warnings (including downgraded failures in development)
//   - error: Wraps ErrWeakCredential and the underlying reason
//
// # Examples
//
//	_, err := ValidateCredentialForTier("trustanchor", TierProduction)
//	// errors.Is(err, ErrWeakCredential) && errors.Is(err, ErrDeniedPassword)
func ValidateCredentialForTier(password string, tier Tier) ([]string, error) {
	if password == "" {
		return nil, fmt.Errorf("%w: %w", ErrWeakCredential, ErrEmptyPassword)
	}

	if tier == TierProduction {
		warnings, err := ValidatePasswordStrength(password, ProductionMinPasswordLength)
		if err != nil {
			return nil, fmt.Errorf("%w (%s): %w", ErrWeakCredential, tier, err)
		}
		return warnings, nil
	}

	warnings, err := ValidatePasswordStrength(password, DevelopmentMinPasswordLength)
	if err != nil {
		warnings = append(warnings, err.Error())
	}
	return warnings, nil
}
