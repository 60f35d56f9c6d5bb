// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides the shared Redis client for the guard components.
//
// Every guard component (challenges, rate limits, cost windows, live
// config) keeps its state in this store and mutates it exclusively through
// server-side Lua scripts, so concurrent gateway replicas never race on
// read-modify-write sequences. The store itself stays thin: connection
// management, health probes, and error classification. The scripts live
// next to the components that own them.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds connection settings for the guard store.
//
// # Description
//
// Config centralizes Redis connection options. Zero values fall back to
// defaults applied by New, so a Config{Addr: "localhost:6379"} is a
// complete production configuration.
//
// # Examples
//
//	st, err := store.New(store.Config{Addr: "redis:6379"})
type Config struct {
	// Addr is the host:port of the Redis server. Required.
	Addr string

	// Password authenticates the connection. Empty means no AUTH.
	Password string

	// DB selects the logical database. Default: 0.
	DB int

	// DialTimeout bounds connection establishment. Default: 2s.
	DialTimeout time.Duration

	// ReadTimeout bounds individual command round trips. Default: 1s.
	// Kept short so that admission decisions fail open quickly instead
	// of stalling chat requests behind a dead store.
	ReadTimeout time.Duration
}

// =============================================================================
// Store
// =============================================================================

// Store wraps the Redis client shared by all guard components.
//
// # Thread Safety
//
// Safe for concurrent use. The underlying go-redis client maintains its
// own connection pool.
type Store struct {
	client *redis.Client
}

// New creates a Store from the given configuration.
//
// # Description
//
// Builds the Redis client without contacting the server. Callers that
// need to verify connectivity at startup should follow up with Ping;
// the gateway treats a failed startup ping as a warning, not a fatal
// error, because the admission path degrades gracefully without the
// store.
//
// # Inputs
//
//   - cfg: Connection settings. Addr is required.
//
// # Outputs
//
//   - *Store: Ready for use.
//   - error: Non-nil if cfg.Addr is empty.
func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("store: addr is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
	})

	return &Store{client: client}, nil
}

// NewWithClient wraps an existing Redis client.
//
// Used by tests to point the guard components at a miniredis instance.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Client returns the underlying Redis client for script execution.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Ping verifies connectivity to the store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	return nil
}

// Healthy reports whether the store currently answers a ping.
//
// Bounded to one second so readiness probes cannot hang on a dead store.
func (s *Store) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// =============================================================================
// Error classification
// =============================================================================

// IsUnavailable reports whether err indicates the store could not serve
// the operation at all.
//
// # Description
//
// Guard components use this to pick between their fail-open and
// fail-closed paths. redis.Nil is a normal miss, not unavailability.
// Everything else coming back from the client (dial failures, timeouts,
// pool exhaustion, script errors) means the component could not get an
// authoritative answer.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return false
	}
	return true
}
