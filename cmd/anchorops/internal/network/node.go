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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

var (
	// ErrNodeNotRunning is returned when the blockchain service is stopped.
	ErrNodeNotRunning = errors.New("blockchain node is not running")

	// ErrNodeUnreachable is returned when the node's RPC endpoint cannot be
	// reached over the service network.
	ErrNodeUnreachable = errors.New("blockchain node RPC unreachable")

	// ErrMalformedNodeInfo is returned when the node answered without a
	// usable enode identity.
	ErrMalformedNodeInfo = errors.New("malformed node info")
)

// NodeClient reads the running node's own enode identity.
type NodeClient interface {
	Enode(ctx context.Context) (string, error)
}

// RPCNodeClient queries admin_nodeInfo over HTTP JSON-RPC.
type RPCNodeClient struct {
	URL  string
	http *http.Client
}

// NewRPCNodeClient creates a client for the node's RPC URL.
func NewRPCNodeClient(rpcURL string, timeout time.Duration) *RPCNodeClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCNodeClient{URL: rpcURL, http: &http.Client{Timeout: timeout}}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result *struct {
		Enode string `json:"enode"`
		ID    string `json:"id"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Enode returns the node's enode URL as reported by admin_nodeInfo.
func (c *RPCNodeClient) Enode(ctx context.Context) (string, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: "admin_nodeInfo", Params: []interface{}{}})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNodeUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %s: %v", ErrNodeUnreachable, c.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrNodeUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP %d", ErrNodeUnreachable, resp.StatusCode)
	}

	var out rpcResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedNodeInfo, err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("%w: rpc error %d: %s (is the admin API enabled?)", ErrMalformedNodeInfo, out.Error.Code, out.Error.Message)
	}
	if out.Result == nil || out.Result.Enode == "" {
		return "", fmt.Errorf("%w: no enode in result", ErrMalformedNodeInfo)
	}
	if err := ValidateEnode(out.Result.Enode); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedNodeInfo, err)
	}
	return out.Result.Enode, nil
}

// WithPublicHost replaces the host part of an enode URL. The node reports
// its bind address, which is usually not what other peers should dial.
func WithPublicHost(enode, host string) (string, error) {
	if host == "" {
		return enode, nil
	}
	u, err := url.Parse(enode)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedNodeInfo, err)
	}
	u.Host = net.JoinHostPort(host, u.Port())
	return u.String(), nil
}

// MockNodeClient is a test double for NodeClient.
type MockNodeClient struct {
	EnodeFunc func(ctx context.Context) (string, error)
	Calls     int
}

// Enode implements NodeClient.
func (m *MockNodeClient) Enode(ctx context.Context) (string, error) {
	m.Calls++
	if m.EnodeFunc != nil {
		return m.EnodeFunc(ctx)
	}
	return "", ErrNodeUnreachable
}

var (
	_ NodeClient = (*RPCNodeClient)(nil)
	_ NodeClient = (*MockNodeClient)(nil)
)
