// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package webhookauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// NonceCache remembers recently seen webhook signatures for strict
// replay protection.
//
// # Description
//
// Backed by a local Badger database rather than the shared Redis
// store: replay protection must keep working through a store outage,
// and webhook volume is low enough that per-replica caches are
// acceptable (a replay landing on a different replica is still fenced
// by the timestamp skew window).
//
// Entries carry a TTL and are dropped by Badger's expiry, so the cache
// stays bounded without a sweeper.
//
// # Thread Safety
//
// Safe for concurrent use.
type NonceCache struct {
	db *badger.DB
}

// OpenNonceCache opens (or creates) the cache at dir.
func OpenNonceCache(dir string) (*NonceCache, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening nonce cache at %s: %w", dir, err)
	}
	return &NonceCache{db: db}, nil
}

// Record stores the nonce with the given TTL. It reports true when the
// nonce was not already present (i.e. the delivery is fresh).
func (c *NonceCache) Record(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	fresh := false
	err := c.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(nonce))
		if err == nil {
			return nil // seen before
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		fresh = true
		entry := badger.NewEntry([]byte(nonce), nil).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return false, fmt.Errorf("recording webhook nonce: %w", err)
	}
	return fresh, nil
}

// Close releases the underlying database.
func (c *NonceCache) Close() error {
	return c.db.Close()
}
