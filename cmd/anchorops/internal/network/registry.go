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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrRegistryUnreachable is returned when the discovery endpoint cannot
	// be dialed.
	ErrRegistryUnreachable = errors.New("network registry unreachable")

	// ErrRegistryTimeout is returned when no peer list arrived within the
	// wait interval.
	ErrRegistryTimeout = errors.New("network registry did not answer in time")

	// ErrMalformedPeerList is returned when the response is not a JSON
	// array of enode URLs.
	ErrMalformedPeerList = errors.New("malformed peer list")

	// ErrEmptyPeerList is returned for a well-formed but empty list.
	ErrEmptyPeerList = errors.New("registry returned an empty peer list")
)

// readyMessage is sent after connecting.
var readyMessage = map[string][]string{"emit": {"ready"}}

var nodeIDRegex = regexp.MustCompile(`^[0-9a-fA-F]{128}$`)

// RegistryClient fetches the current peer list for a network.
type RegistryClient interface {
	FetchPeers(ctx context.Context, ep Endpoints) ([]string, error)
}

// WSRegistryClient talks to the discovery endpoint over WebSocket.
type WSRegistryClient struct {
	dialer *websocket.Dialer

	// Wait bounds the time between the ready handshake and a usable
	// response. Default: 5s
	Wait time.Duration

	logger *slog.Logger
}

// NewWSRegistryClient creates a client with a bounded handshake.
func NewWSRegistryClient(wait time.Duration, logger *slog.Logger) *WSRegistryClient {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistryClient{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		Wait:   wait,
		logger: logger,
	}
}

// FetchPeers sends the ready handshake and waits for the peer list.
//
// # Description
//
// Reads messages until one decodes as a peer list or the wait interval
// elapses. A message may be a bare JSON array of strings or an envelope
// {"emit":["peers",[...]]}. Every entry must be a valid enode URL; one bad
// entry rejects the whole response. Duplicates are dropped, order kept.
//
// # Outputs
//
//   - []string: Non-empty, validated peer list
//   - error: ErrRegistryUnreachable, ErrRegistryTimeout,
//     ErrMalformedPeerList or ErrEmptyPeerList
func (c *WSRegistryClient) FetchPeers(ctx context.Context, ep Endpoints) ([]string, error) {
	conn, resp, err := c.dialer.DialContext(ctx, ep.DiscoveryURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("%w: %s (status %d): %v", ErrRegistryUnreachable, ep.DiscoveryURL, status, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(readyMessage); err != nil {
		return nil, fmt.Errorf("%w: handshake: %v", ErrRegistryUnreachable, err)
	}

	deadline := time.Now().Add(c.Wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	// Unblock ReadMessage when ctx is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	var lastErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, fmt.Errorf("%w after %s", ErrRegistryTimeout, c.Wait)
			}
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, fmt.Errorf("%w: %v", ErrRegistryUnreachable, err)
		}

		peers, err := ParsePeerList(data)
		if err != nil {
			c.logger.Debug("ignoring registry message", "error", err, "bytes", len(data))
			lastErr = err
			continue
		}
		return peers, nil
	}
}

// ParsePeerList decodes and validates a registry response.
func ParsePeerList(data []byte) ([]string, error) {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		var envelope struct {
			Emit []json.RawMessage `json:"emit"`
		}
		if envErr := json.Unmarshal(data, &envelope); envErr != nil || len(envelope.Emit) < 2 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPeerList, err)
		}
		var event string
		if err := json.Unmarshal(envelope.Emit[0], &event); err != nil || event != "peers" {
			return nil, fmt.Errorf("%w: unexpected event", ErrMalformedPeerList)
		}
		if err := json.Unmarshal(envelope.Emit[1], &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPeerList, err)
		}
	}
	return ValidatePeerList(raw)
}

// ValidatePeerList checks every entry and drops duplicates.
func ValidatePeerList(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPeerList
	}
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for i, p := range raw {
		if err := ValidateEnode(p); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedPeerList, i, err)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

// ValidateEnode checks enode://<128 hex>@host:port[?discport=N].
func ValidateEnode(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "enode" {
		return fmt.Errorf("scheme %q is not enode", u.Scheme)
	}
	if u.User == nil || !nodeIDRegex.MatchString(u.User.Username()) {
		return errors.New("node ID must be 128 hex characters")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %q", u.Port())
	}
	return nil
}

// MockRegistryClient is a test double for RegistryClient.
type MockRegistryClient struct {
	FetchPeersFunc func(ctx context.Context, ep Endpoints) ([]string, error)
	Calls          []Endpoints
}

// FetchPeers implements RegistryClient.
func (m *MockRegistryClient) FetchPeers(ctx context.Context, ep Endpoints) ([]string, error) {
	m.Calls = append(m.Calls, ep)
	if m.FetchPeersFunc != nil {
		return m.FetchPeersFunc(ctx, ep)
	}
	return nil, ErrRegistryTimeout
}

// Compile-time interface checks
var (
	_ RegistryClient = (*WSRegistryClient)(nil)
	_ RegistryClient = (*MockRegistryClient)(nil)
)
