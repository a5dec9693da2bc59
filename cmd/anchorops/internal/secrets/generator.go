// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets generates random secrets and keeps shared secrets
// synchronized across the env files that consume them.
package secrets

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrNoEntropy is returned when every entropy source failed.
	ErrNoEntropy = errors.New("no entropy source available")

	// ErrInvalidLength is returned for a non-positive secret length.
	ErrInvalidLength = errors.New("invalid secret length")

	// ErrSecretTooShort is returned when a resolved shared secret is below
	// MinSharedSecretLength.
	ErrSecretTooShort = errors.New("shared secret too short")
)

// alphabet is the token character set. 62 symbols, sampled without modulo
// bias.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// acceptBelow is the largest multiple of len(alphabet) that fits in a byte.
const acceptBelow = 256 - 256%len(alphabet)

// minMlockKB is the RLIMIT_MEMLOCK floor below which locked buffers are not
// attempted.
const minMlockKB = 64

// SourceKind names where a secret's entropy came from.
type SourceKind string

const (
	SourceStrong SourceKind = "strong"
	SourceWeak   SourceKind = "weak"
)

// Source fills a buffer with random bytes.
type Source interface {
	Kind() SourceKind
	Name() string
	Fill(p []byte) error
}

// cryptoSource uses crypto/rand (getrandom(2) on Linux).
type cryptoSource struct{}

func (cryptoSource) Kind() SourceKind { return SourceStrong }
func (cryptoSource) Name() string     { return "crypto/rand" }
func (cryptoSource) Fill(p []byte) error {
	_, err := io.ReadFull(rand.Reader, p)
	return err
}

// deviceSource reads a character device such as /dev/urandom directly.
type deviceSource struct {
	path string
}

func (d deviceSource) Kind() SourceKind { return SourceWeak }
func (d deviceSource) Name() string     { return d.path }
func (d deviceSource) Fill(p []byte) error {
	f, err := os.Open(d.path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.ReadFull(f, p)
	return err
}

// Secret is a generated token.
type Secret struct {
	Value  string
	Length int
	Source SourceKind
}

// Generator produces secrets from a layered list of sources.
//
// # Thread Safety
//
// Safe for concurrent use.
type Generator struct {
	sources []Source
	logger  *slog.Logger
	locked  func() bool
}

// NewGenerator tries crypto/rand, then /dev/urandom, then fails.
func NewGenerator(logger *slog.Logger) *Generator {
	return NewGeneratorWithSources(logger, cryptoSource{}, deviceSource{path: "/dev/urandom"})
}

// NewGeneratorWithSources uses the given sources in order.
func NewGeneratorWithSources(logger *slog.Logger, sources ...Source) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{sources: sources, logger: logger, locked: mlockAvailable}
}

// Generate returns an alphanumeric token of exactly length characters.
//
// # Description
//
// Raw bytes are drawn into a memguard locked buffer when the mlock limit
// allows, and wiped after rendering. Each source is tried in order; a
// source that fails mid-generation is abandoned and the next one starts
// from scratch. When all sources fail it returns ErrNoEntropy and never a
// placeholder.
//
// # Outputs
//
//   - Secret: Value, Length and the SourceKind that produced it
//   - error: ErrInvalidLength or ErrNoEntropy
func (g *Generator) Generate(length int) (Secret, error) {
	if length <= 0 {
		return Secret{}, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}

	var errs []error
	for _, src := range g.sources {
		value, err := g.render(src, length)
		if err != nil {
			g.logger.Warn("entropy source failed", "source", src.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		if src.Kind() != SourceStrong {
			g.logger.Warn("secret generated from fallback entropy source", "source", src.Name())
		}
		return Secret{Value: value, Length: length, Source: src.Kind()}, nil
	}
	return Secret{}, fmt.Errorf("%w: %w", ErrNoEntropy, errors.Join(errs...))
}

// render draws bytes from src and maps them onto the alphabet by rejection
// sampling.
func (g *Generator) render(src Source, length int) (string, error) {
	chunk := length * 2
	raw, release := g.scratch(chunk)
	defer release()

	out := make([]byte, 0, length)
	for len(out) < length {
		if err := src.Fill(raw); err != nil {
			return "", err
		}
		for _, b := range raw {
			if int(b) >= acceptBelow {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// scratch returns a buffer for raw entropy and a function that wipes it.
func (g *Generator) scratch(n int) ([]byte, func()) {
	if g.locked != nil && g.locked() {
		buf := memguard.NewBuffer(n)
		if buf != nil && buf.Size() == n {
			return buf.Bytes(), buf.Destroy
		}
	}
	raw := make([]byte, n)
	return raw, func() {
		for i := range raw {
			raw[i] = 0
		}
	}
}

var (
	mlockOnce sync.Once
	mlockOK   bool
)

// mlockAvailable reports whether RLIMIT_MEMLOCK allows locked buffers.
func mlockAvailable() bool {
	mlockOnce.Do(func() {
		var rlimit unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
			return
		}
		mlockOK = rlimit.Cur == unix.RLIM_INFINITY || rlimit.Cur/1024 >= minMlockKB
	})
	return mlockOK
}
