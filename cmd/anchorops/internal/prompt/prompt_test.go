// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompt

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

// -----------------------------------------------------------------------------
// InteractivePrompter Tests
// -----------------------------------------------------------------------------

func TestInteractivePrompter_Confirm(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"lowercase y", "y\n", true},
		{"uppercase YES", "YES\n", true},
		{"with spaces", "  y  \n", true},
		{"no", "n\n", false},
		{"empty input", "\n", false},
		{"EOF", "", false},
		{"garbage", "sure\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewInteractivePrompterWithIO(strings.NewReader(tt.input), &bytes.Buffer{})
			got, err := p.Confirm(context.Background(), "Continue?")
			if err != nil {
				t.Fatalf("Confirm() unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Confirm() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestInteractivePrompter_ConfirmShowsHint(t *testing.T) {
	out := &bytes.Buffer{}
	p := NewInteractivePrompterWithIO(strings.NewReader("y\n"), out)
	_, _ = p.Confirm(context.Background(), "Regenerate webhook secret?")

	if !strings.Contains(out.String(), "Regenerate webhook secret?") || !strings.Contains(out.String(), "[y/N]") {
		t.Errorf("prompt output = %q", out.String())
	}
}

func TestInteractivePrompter_ConfirmPhrase(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"DELETE\n", true},
		{"  DELETE \n", true},
		{"delete\n", false},
		{"y\n", false},
		{"", false},
	}
	for _, tt := range tests {
		p := NewInteractivePrompterWithIO(strings.NewReader(tt.input), &bytes.Buffer{})
		got, err := p.ConfirmPhrase(context.Background(), "Remove 3 backups", "DELETE")
		if err != nil {
			t.Fatalf("ConfirmPhrase(%q) error: %v", tt.input, err)
		}
		if got != tt.expected {
			t.Errorf("ConfirmPhrase(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestInteractivePrompter_ContextCancelled(t *testing.T) {
	p := NewInteractivePrompterWithIO(strings.NewReader("y\n"), &bytes.Buffer{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Confirm(ctx, "Continue?"); !errors.Is(err, context.Canceled) {
		t.Errorf("Confirm() error = %v, want context.Canceled", err)
	}
}

// -----------------------------------------------------------------------------
// Non-interactive Tests
// -----------------------------------------------------------------------------

func TestNonInteractivePrompter_Rejects(t *testing.T) {
	p := NewNonInteractivePrompter()
	if _, err := p.Confirm(context.Background(), "Continue?"); !errors.Is(err, ErrNonInteractive) {
		t.Errorf("Confirm() error = %v, want ErrNonInteractive", err)
	}
	if _, err := p.ConfirmPhrase(context.Background(), "Restore?", "RESTORE"); !errors.Is(err, ErrNonInteractive) {
		t.Errorf("ConfirmPhrase() error = %v, want ErrNonInteractive", err)
	}
	if p.IsInteractive() {
		t.Error("IsInteractive() = true")
	}
}

func TestAutoApprovePrompter(t *testing.T) {
	ctx := context.Background()

	yes := NewAutoApprovePrompter()
	if ok, err := yes.Confirm(ctx, "Restart?"); !ok || err != nil {
		t.Errorf("Confirm() = (%v, %v), want (true, nil)", ok, err)
	}
	if _, err := yes.ConfirmPhrase(ctx, "Delete?", "DELETE"); !errors.Is(err, ErrNonInteractive) {
		t.Errorf("--yes alone must not satisfy a phrase gate, err = %v", err)
	}

	lower := &AutoApprovePrompter{Phrase: "delete"}
	if ok, _ := lower.ConfirmPhrase(ctx, "Delete?", "DELETE"); ok {
		t.Error("lowercase phrase must not confirm")
	}

	exact := &AutoApprovePrompter{Phrase: "DELETE"}
	if ok, _ := exact.ConfirmPhrase(ctx, "Delete?", "DELETE"); !ok {
		t.Error("exact phrase should confirm")
	}
}

func TestNew_SelectsAutoApproveForYes(t *testing.T) {
	if _, ok := New(Options{Yes: true}).(*AutoApprovePrompter); !ok {
		t.Error("New(Yes) should return an AutoApprovePrompter")
	}
}

// -----------------------------------------------------------------------------
// MockPrompter Tests
// -----------------------------------------------------------------------------

func TestMockPrompter_RecordsCalls(t *testing.T) {
	m := Answer(true, "RESTORE")
	ctx := context.Background()

	if ok, _ := m.Confirm(ctx, "Continue?"); !ok {
		t.Error("Confirm() = false")
	}
	if ok, _ := m.ConfirmPhrase(ctx, "Restore?", "RESTORE"); !ok {
		t.Error("ConfirmPhrase() = false")
	}
	calls := m.GetCalls()
	if len(calls) != 2 || calls[1].Method != "ConfirmPhrase" || calls[1].Phrase != "RESTORE" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestMockPrompter_DefaultDeclines(t *testing.T) {
	m := &MockPrompter{}
	if ok, err := m.Confirm(context.Background(), "x"); ok || err != nil {
		t.Errorf("Confirm() = (%v, %v), want (false, nil)", ok, err)
	}
}
