// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheClient talks to the key/value cache.
type CacheClient interface {
	// Ping checks the cache answers with the configured password.
	Ping(ctx context.Context) error

	// Save forces a synchronous snapshot to disk.
	Save(ctx context.Context) error

	// Close releases connections.
	Close() error
}

// RedisConfig configures a RedisClient.
type RedisConfig struct {
	Addr     string
	Password string

	// DialTimeout bounds connection attempts. Default: 5s
	DialTimeout time.Duration
}

// RedisClient implements CacheClient.
type RedisClient struct {
	client *redis.Client
	addr   string
	logger *slog.Logger
}

// NewRedisClient creates a client. No connection is made until first use.
func NewRedisClient(cfg RedisConfig, logger *slog.Logger) *RedisClient {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxRetries:   -1,
		}),
		addr:   cfg.Addr,
		logger: logger,
	}
}

// Ping implements CacheClient.
func (c *RedisClient) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return classifyCacheError(c.addr, err)
	}
	return nil
}

// Save implements CacheClient. SAVE blocks the server until the snapshot is
// on disk, which is what a backup needs.
func (c *RedisClient) Save(ctx context.Context) error {
	if err := c.client.Save(ctx).Err(); err != nil {
		return fmt.Errorf("cache SAVE: %w", classifyCacheError(c.addr, err))
	}
	c.logger.Debug("cache snapshot saved", "addr", c.addr)
	return nil
}

// Close implements CacheClient.
func (c *RedisClient) Close() error {
	return c.client.Close()
}

// classifyCacheError maps go-redis errors onto the package sentinels.
func classifyCacheError(addr string, err error) error {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "WRONGPASS"),
		strings.Contains(msg, "invalid password"), strings.Contains(msg, "AUTH <password> called without any password"):
		return fmt.Errorf("%w: %s", ErrAuthFailed, msg)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrTimeout, addr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, addr, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	return err
}

// MockCacheClient is a test double for CacheClient.
type MockCacheClient struct {
	PingFunc func(ctx context.Context) error
	SaveFunc func(ctx context.Context) error
	Calls    []string
}

// Ping implements CacheClient.
func (m *MockCacheClient) Ping(ctx context.Context) error {
	m.Calls = append(m.Calls, "Ping")
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

// Save implements CacheClient.
func (m *MockCacheClient) Save(ctx context.Context) error {
	m.Calls = append(m.Calls, "Save")
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx)
	}
	return nil
}

// Close implements CacheClient.
func (m *MockCacheClient) Close() error { return nil }

// Compile-time interface checks
var (
	_ CacheClient = (*RedisClient)(nil)
	_ CacheClient = (*MockCacheClient)(nil)
)
