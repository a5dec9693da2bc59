// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oplog is the append-only operation log.
//
// Each line is tab-separated:
//
//	<RFC3339 timestamp>\t<operation id>\t<operation>\t<status>\t<detail>
//
// The file is only ever opened with O_APPEND, so concurrent writers cannot
// interleave within a line and earlier lines are never rewritten.
package oplog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome recorded for an event.
type Status string

const (
	StatusStarted   Status = "started"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
	StatusAborted   Status = "aborted"
	StatusSkipped   Status = "skipped"
)

// Entry is one parsed log line.
type Entry struct {
	Time      time.Time
	ID        string
	Operation string
	Status    Status
	Detail    string
}

// String renders the entry as its log line, without the newline.
func (e Entry) String() string {
	return strings.Join([]string{
		e.Time.UTC().Format(time.RFC3339),
		e.ID,
		sanitize(e.Operation),
		string(e.Status),
		sanitize(e.Detail),
	}, "\t")
}

// Log appends entries to a file.
//
// # Thread Safety
//
// Safe for concurrent use.
type Log struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// Open returns a Log writing to path, creating its directory.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating oplog dir: %w", err)
	}
	return &Log{path: path, now: time.Now}, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Append writes one entry.
func (l *Log) Append(e Entry) error {
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(e.String() + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Operation tracks one start/finish pair.
type Operation struct {
	log   *Log
	id    string
	name  string
	start time.Time
}

// Begin records a started event and returns the operation handle.
// A nil Log yields a handle whose methods do nothing.
func (l *Log) Begin(name, detail string) *Operation {
	op := &Operation{log: l, id: uuid.NewString(), name: name}
	if l == nil {
		return op
	}
	op.start = l.now()
	_ = l.Append(Entry{Time: op.start, ID: op.id, Operation: name, Status: StatusStarted, Detail: detail})
	return op
}

// ID returns the operation ID.
func (o *Operation) ID() string { return o.id }

// Finish records the terminal status. err, when non-nil, becomes the detail
// and forces StatusFailed unless status is already a non-success state.
func (o *Operation) Finish(status Status, detail string, err error) {
	if o.log == nil {
		return
	}
	if err != nil {
		if status == StatusSucceeded {
			status = StatusFailed
		}
		if detail == "" {
			detail = err.Error()
		} else {
			detail += ": " + err.Error()
		}
	}
	if !o.start.IsZero() {
		detail = strings.TrimSpace(fmt.Sprintf("%s (%s)", detail, o.log.now().Sub(o.start).Round(time.Millisecond)))
	}
	_ = o.log.Append(Entry{ID: o.id, Operation: o.name, Status: status, Detail: detail})
}

// Tail returns the last n entries. A missing file yields none.
func (l *Log) Tail(n int) ([]Entry, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ring []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		e, err := ParseLine(sc.Text())
		if err != nil {
			continue
		}
		ring = append(ring, e)
		if n > 0 && len(ring) > n {
			ring = ring[1:]
		}
	}
	return ring, sc.Err()
}

// ParseLine parses one log line.
func ParseLine(line string) (Entry, error) {
	parts := strings.SplitN(line, "\t", 5)
	if len(parts) != 5 {
		return Entry{}, fmt.Errorf("oplog: want 5 fields, got %d", len(parts))
	}
	ts, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return Entry{}, fmt.Errorf("oplog: bad timestamp: %w", err)
	}
	return Entry{Time: ts, ID: parts[1], Operation: parts[2], Status: Status(parts[3]), Detail: parts[4]}, nil
}

// sanitize keeps a field on one line and free of the separator.
func sanitize(s string) string {
	return strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(s)
}
