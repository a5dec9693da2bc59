// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package prompt is the operator confirmation port.

Every destructive operation asks a Confirmer before mutating state. A
declined confirmation is an abort, reported as a result and never as a
partial mutation. Two strengths exist:

  - Confirm: a y/N question for ordinary destructive steps.
  - ConfirmPhrase: the operator must type an exact phrase (restore, backup
    cleanup). A near miss such as lowercase "delete" is a decline.

Implementations:

  - InteractivePrompter: line-based, any io.Reader/io.Writer
  - HuhPrompter: styled terminal forms via charmbracelet/huh
  - NonInteractivePrompter: refuses with ErrNonInteractive
  - AutoApprovePrompter: --yes; phrases only match when supplied
  - MockPrompter: test double
*/
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
)

// ErrNonInteractive is returned when a confirmation is needed but no
// operator is available to answer it.
var ErrNonInteractive = errors.New("confirmation required but running non-interactively")

// Confirmer asks the operator to approve a destructive action.
type Confirmer interface {
	// Confirm asks a yes/no question. Default is no.
	Confirm(ctx context.Context, msg string) (bool, error)

	// ConfirmPhrase requires the operator to type phrase exactly.
	ConfirmPhrase(ctx context.Context, msg, phrase string) (bool, error)

	// IsInteractive reports whether a human answers the prompts.
	IsInteractive() bool
}

// =============================================================================
// InteractivePrompter
// =============================================================================

// InteractivePrompter reads answers line by line.
type InteractivePrompter struct {
	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex
}

// NewInteractivePrompter uses stdin and stdout.
func NewInteractivePrompter() *InteractivePrompter {
	return NewInteractivePrompterWithIO(os.Stdin, os.Stdout)
}

// NewInteractivePrompterWithIO uses the given reader and writer.
func NewInteractivePrompterWithIO(r io.Reader, w io.Writer) *InteractivePrompter {
	return &InteractivePrompter{reader: bufio.NewReader(r), writer: w}
}

// Confirm prints msg with a [y/N] hint. EOF counts as no.
func (p *InteractivePrompter) Confirm(ctx context.Context, msg string) (bool, error) {
	answer, err := p.ask(ctx, msg+" [y/N]: ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// ConfirmPhrase requires an exact, case-sensitive match.
func (p *InteractivePrompter) ConfirmPhrase(ctx context.Context, msg, phrase string) (bool, error) {
	answer, err := p.ask(ctx, fmt.Sprintf("%s\nType %s to confirm: ", msg, phrase))
	if err != nil {
		return false, err
	}
	return answer == phrase, nil
}

// IsInteractive returns true.
func (p *InteractivePrompter) IsInteractive() bool { return true }

func (p *InteractivePrompter) ask(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.writer, prompt)
	line, err := p.reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// =============================================================================
// HuhPrompter
// =============================================================================

// HuhPrompter renders prompts as huh forms. Ctrl-C is a decline.
type HuhPrompter struct {
	accessible bool
}

// NewHuhPrompter creates a form-based prompter. accessible switches huh to
// its plain screen-reader mode.
func NewHuhPrompter(accessible bool) *HuhPrompter {
	return &HuhPrompter{accessible: accessible}
}

// Confirm shows a Yes/No form, defaulting to No.
func (p *HuhPrompter) Confirm(ctx context.Context, msg string) (bool, error) {
	var ok bool
	field := huh.NewConfirm().
		Title(msg).
		Affirmative("Yes").
		Negative("No").
		Value(&ok)
	if err := p.run(ctx, field); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// ConfirmPhrase shows a text input that must equal phrase.
func (p *HuhPrompter) ConfirmPhrase(ctx context.Context, msg, phrase string) (bool, error) {
	var answer string
	field := huh.NewInput().
		Title(msg).
		Description(fmt.Sprintf("Type %s to confirm", phrase)).
		Value(&answer)
	if err := p.run(ctx, field); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(answer) == phrase, nil
}

// IsInteractive returns true.
func (p *HuhPrompter) IsInteractive() bool { return true }

func (p *HuhPrompter) run(ctx context.Context, field huh.Field) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	form := huh.NewForm(huh.NewGroup(field)).WithAccessible(p.accessible)
	return form.RunWithContext(ctx)
}

// =============================================================================
// Non-interactive implementations
// =============================================================================

// NonInteractivePrompter refuses every confirmation.
type NonInteractivePrompter struct{}

// NewNonInteractivePrompter creates a prompter for scripted runs without
// --yes.
func NewNonInteractivePrompter() *NonInteractivePrompter {
	return &NonInteractivePrompter{}
}

func (NonInteractivePrompter) Confirm(ctx context.Context, msg string) (bool, error) {
	return false, fmt.Errorf("%w: %s", ErrNonInteractive, msg)
}

func (NonInteractivePrompter) ConfirmPhrase(ctx context.Context, msg, phrase string) (bool, error) {
	return false, fmt.Errorf("%w: %s", ErrNonInteractive, msg)
}

func (NonInteractivePrompter) IsInteractive() bool { return false }

// AutoApprovePrompter approves y/N questions. Phrase confirmations pass only
// when Phrase equals the required phrase exactly, so --yes alone never
// satisfies a typed-phrase gate.
type AutoApprovePrompter struct {
	Phrase string
}

// NewAutoApprovePrompter creates a --yes prompter with an optional
// pre-supplied phrase.
func NewAutoApprovePrompter() *AutoApprovePrompter {
	return &AutoApprovePrompter{}
}

func (p *AutoApprovePrompter) Confirm(ctx context.Context, msg string) (bool, error) {
	return true, nil
}

func (p *AutoApprovePrompter) ConfirmPhrase(ctx context.Context, msg, phrase string) (bool, error) {
	if p.Phrase == "" {
		return false, fmt.Errorf("%w: %s (pass --confirm %s)", ErrNonInteractive, msg, phrase)
	}
	return p.Phrase == phrase, nil
}

func (p *AutoApprovePrompter) IsInteractive() bool { return false }

// =============================================================================
// Selection
// =============================================================================

// Options selects a Confirmer implementation.
type Options struct {
	// Yes approves y/N questions without asking.
	Yes bool

	// Phrase answers typed-phrase gates non-interactively.
	Phrase string

	// Plain forces the line-based prompter even on a terminal.
	Plain bool
}

// New picks the Confirmer for the current process: AutoApprove with --yes,
// huh forms on a terminal, NonInteractive otherwise.
func New(opts Options) Confirmer {
	if opts.Yes || opts.Phrase != "" {
		return &AutoApprovePrompter{Phrase: opts.Phrase}
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return NewNonInteractivePrompter()
	}
	if opts.Plain {
		return NewInteractivePrompter()
	}
	return NewHuhPrompter(os.Getenv("ACCESSIBLE") != "")
}

// =============================================================================
// Mock Implementation
// =============================================================================

// Call records one prompt.
type Call struct {
	Method string
	Prompt string
	Phrase string
}

// MockPrompter is a Confirmer test double. Nil funcs decline.
type MockPrompter struct {
	ConfirmFunc       func(ctx context.Context, msg string) (bool, error)
	ConfirmPhraseFunc func(ctx context.Context, msg, phrase string) (bool, error)
	Interactive       bool

	Calls []Call
	mu    sync.Mutex
}

func (m *MockPrompter) Confirm(ctx context.Context, msg string) (bool, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, Call{Method: "Confirm", Prompt: msg})
	m.mu.Unlock()
	if m.ConfirmFunc != nil {
		return m.ConfirmFunc(ctx, msg)
	}
	return false, nil
}

func (m *MockPrompter) ConfirmPhrase(ctx context.Context, msg, phrase string) (bool, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, Call{Method: "ConfirmPhrase", Prompt: msg, Phrase: phrase})
	m.mu.Unlock()
	if m.ConfirmPhraseFunc != nil {
		return m.ConfirmPhraseFunc(ctx, msg, phrase)
	}
	return false, nil
}

func (m *MockPrompter) IsInteractive() bool { return m.Interactive }

// GetCalls returns a copy of recorded calls.
func (m *MockPrompter) GetCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.Calls))
	copy(out, m.Calls)
	return out
}

// Answer returns a MockPrompter that answers every Confirm with ok and
// every ConfirmPhrase with whether typed equals the phrase.
func Answer(ok bool, typed string) *MockPrompter {
	return &MockPrompter{
		ConfirmFunc: func(ctx context.Context, msg string) (bool, error) { return ok, nil },
		ConfirmPhraseFunc: func(ctx context.Context, msg, phrase string) (bool, error) {
			return typed == phrase, nil
		},
		Interactive: true,
	}
}

// Compile-time interface checks
var (
	_ Confirmer = (*InteractivePrompter)(nil)
	_ Confirmer = (*HuhPrompter)(nil)
	_ Confirmer = (*NonInteractivePrompter)(nil)
	_ Confirmer = (*AutoApprovePrompter)(nil)
	_ Confirmer = (*MockPrompter)(nil)
)
