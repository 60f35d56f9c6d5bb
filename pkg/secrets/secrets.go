// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets stores service credentials in locked memory.
//
// Credentials (the bot-check secret, the webhook HMAC key, admin
// tokens) are sealed into memguard enclaves so they never sit in plain
// heap memory between uses and cannot be swapped to disk. Systems
// without a sufficient mlock limit can opt into a plain-memory
// fallback with ALEUTIAN_INSECURE_MEMORY=true.
package secrets

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MinMlockLimitKB is the minimum mlock limit required for sealed
	// storage. Enclaves are page-aligned, so even short credentials
	// need headroom beyond their byte length.
	MinMlockLimitKB = 64

	// insecureMemoryEnv opts into the plain-memory fallback on systems
	// that cannot raise the mlock limit.
	insecureMemoryEnv = "ALEUTIAN_INSECURE_MEMORY"
)

// =============================================================================
// Package Variables
// =============================================================================

var (
	mlockCheckOnce sync.Once

	// mlockSufficient records whether sealed storage is available.
	mlockSufficient bool

	// currentMlockLimitKB is kept for logging; -1 means unlimited.
	currentMlockLimitKB int64
)

// =============================================================================
// Vault
// =============================================================================

// Vault holds named credentials.
//
// # Description
//
// Each credential is kept sealed and only materialized as a short-lived
// copy during Reveal or Compare. The vault never logs credential
// values, only their names.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Limitations
//
//   - Values arrive as Go strings (env vars, config); the original
//     string remains in unmanaged memory until collected. Sealing
//     protects the long-lived copy, not the ingress path.
//   - Reveal returns an ordinary string; callers must not retain it.
type Vault struct {
	mu     sync.RWMutex
	sealed map[string]secretBox
}

// NewVault creates an empty vault.
//
// # Outputs
//
//   - *Vault: Ready for use.
//   - error: Non-nil when the mlock limit is insufficient and the
//     insecure fallback has not been opted into.
func NewVault() (*Vault, error) {
	checkSecureMemory()

	if !mlockSufficient && os.Getenv(insecureMemoryEnv) != "true" {
		return nil, fmt.Errorf(
			"mlock limit insufficient for sealed secrets: have %d KB, need %d KB. "+
				"Raise the limit or set %s=true",
			currentMlockLimitKB, MinMlockLimitKB, insecureMemoryEnv,
		)
	}

	return &Vault{sealed: make(map[string]secretBox)}, nil
}

// Store seals value under name, replacing any prior value.
func (v *Vault) Store(name, value string) error {
	if name == "" {
		return fmt.Errorf("secrets: name is required")
	}
	if value == "" {
		return fmt.Errorf("secrets: refusing to store empty value for %q", name)
	}

	box := newBox([]byte(value))

	v.mu.Lock()
	defer v.mu.Unlock()
	if old, ok := v.sealed[name]; ok {
		old.destroy()
	}
	v.sealed[name] = box
	return nil
}

// StoreFromEnv seals the value of envVar under name. It reports whether
// a value was present; an unset or empty variable stores nothing.
func (v *Vault) StoreFromEnv(name, envVar string) bool {
	value := os.Getenv(envVar)
	if value == "" {
		return false
	}
	if err := v.Store(name, value); err != nil {
		slog.Warn("Could not seal credential", "name", name, "error", err)
		return false
	}
	return true
}

// Has reports whether a credential is stored under name.
func (v *Vault) Has(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.sealed[name]
	return ok
}

// Names returns the stored credential names, sorted. Used by health
// reporting; values are never exposed.
func (v *Vault) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.sealed))
	for name := range v.sealed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reveal returns a plaintext copy of the named credential. The copy is
// ordinary memory; use it immediately and let it go.
func (v *Vault) Reveal(name string) (string, bool) {
	v.mu.RLock()
	box, ok := v.sealed[name]
	v.mu.RUnlock()
	if !ok {
		return "", false
	}

	plain, err := box.open()
	if err != nil {
		slog.Error("Could not open sealed credential", "name", name, "error", err)
		return "", false
	}
	return string(plain), true
}

// Compare checks candidate against the named credential in constant
// time. Unknown names compare false.
func (v *Vault) Compare(name, candidate string) bool {
	v.mu.RLock()
	box, ok := v.sealed[name]
	v.mu.RUnlock()
	if !ok {
		return false
	}

	plain, err := box.open()
	if err != nil {
		return false
	}
	defer wipe(plain)
	return subtle.ConstantTimeCompare(plain, []byte(candidate)) == 1
}

// CompareAny splits the named credential on commas and checks the
// candidate against each element in constant time. This backs token
// rotation: old and new tokens stay valid while both are listed.
func (v *Vault) CompareAny(name, candidate string) bool {
	v.mu.RLock()
	box, ok := v.sealed[name]
	v.mu.RUnlock()
	if !ok {
		return false
	}

	plain, err := box.open()
	if err != nil {
		return false
	}
	defer wipe(plain)

	matched := false
	for _, part := range strings.Split(string(plain), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(part), []byte(candidate)) == 1 {
			matched = true
		}
	}
	return matched
}

// Destroy wipes every stored credential. The vault is unusable after
// this call. Safe to call multiple times.
func (v *Vault) Destroy() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for name, box := range v.sealed {
		box.destroy()
		delete(v.sealed, name)
	}
}

// =============================================================================
// Sealed Storage
// =============================================================================

// secretBox abstracts sealed and plain storage behind one contract.
type secretBox interface {
	// open returns a plaintext copy. Callers wipe it when done.
	open() ([]byte, error)
	destroy()
}

// newBox seals data when secure memory is available, otherwise falls
// back to plain memory (the constructor already gated on the opt-in).
// memguard wipes the input slice either way via NewEnclave; the plain
// box copies first.
func newBox(data []byte) secretBox {
	if mlockSufficient {
		return &enclaveBox{enc: memguard.NewEnclave(data)}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	wipe(data)
	return &plainBox{data: cp}
}

// enclaveBox keeps the credential encrypted at rest in locked memory.
type enclaveBox struct {
	enc *memguard.Enclave
}

func (b *enclaveBox) open() ([]byte, error) {
	buf, err := b.enc.Open()
	if err != nil {
		return nil, fmt.Errorf("opening enclave: %w", err)
	}
	defer buf.Destroy()
	out := make([]byte, buf.Size())
	copy(out, buf.Bytes())
	return out, nil
}

// destroy drops the ciphertext reference. The enclave key is purged
// process-wide by PurgeAll on shutdown.
func (b *enclaveBox) destroy() {
	b.enc = nil
}

// plainBox is the fallback for systems without sufficient mlock.
type plainBox struct {
	mu        sync.Mutex
	data      []byte
	destroyed bool
}

func (b *plainBox) open() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, fmt.Errorf("credential destroyed")
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, nil
}

func (b *plainBox) destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	wipe(b.data)
	b.data = nil
	b.destroyed = true
}

func wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// =============================================================================
// Secure Memory Checks
// =============================================================================

// SecureMemoryAvailable reports whether sealed storage is available and
// the current mlock limit in KB (-1 if unlimited).
func SecureMemoryAvailable() (bool, int64) {
	checkSecureMemory()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeAll wipes all memguard-managed memory. Call during graceful
// shutdown, after the last vault user has stopped.
func PurgeAll() {
	memguard.Purge()
	slog.Info("Purged sealed secret memory")
}

// checkSecureMemory queries the mlock limit once per process.
func checkSecureMemory() {
	mlockCheckOnce.Do(func() {
		mlockSufficient, currentMlockLimitKB = readMlockLimit()
		if mlockSufficient {
			slog.Info("Sealed secret storage available",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		} else {
			slog.Warn("mlock limit insufficient for sealed secrets",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
				"fallback", insecureMemoryEnv+"=true",
			)
		}
	})
}

// readMlockLimit returns whether the limit suffices and its value in
// KB. An unreadable limit is treated as sufficient; memguard will
// surface a hard failure if the kernel refuses the lock.
func readMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}
