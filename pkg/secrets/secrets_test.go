// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	// Keep tests independent of the host's mlock limit.
	t.Setenv(insecureMemoryEnv, "true")
	v, err := NewVault()
	require.NoError(t, err)
	t.Cleanup(v.Destroy)
	return v
}

func TestVault_StoreAndReveal(t *testing.T) {
	v := testVault(t)

	require.NoError(t, v.Store("turnstile", "0x4AAAAAAA"))

	got, ok := v.Reveal("turnstile")
	require.True(t, ok)
	assert.Equal(t, "0x4AAAAAAA", got)
}

func TestVault_RevealUnknownName(t *testing.T) {
	v := testVault(t)

	_, ok := v.Reveal("nope")
	assert.False(t, ok)
}

func TestVault_StoreOverwrites(t *testing.T) {
	v := testVault(t)

	require.NoError(t, v.Store("webhook", "first"))
	require.NoError(t, v.Store("webhook", "second"))

	got, ok := v.Reveal("webhook")
	require.True(t, ok)
	assert.Equal(t, "second", got)
}

func TestVault_StoreRejectsEmpty(t *testing.T) {
	v := testVault(t)

	assert.Error(t, v.Store("", "value"))
	assert.Error(t, v.Store("name", ""))
}

func TestVault_Compare(t *testing.T) {
	v := testVault(t)
	require.NoError(t, v.Store("admin", "tok-alpha"))

	assert.True(t, v.Compare("admin", "tok-alpha"))
	assert.False(t, v.Compare("admin", "tok-beta"))
	assert.False(t, v.Compare("missing", "tok-alpha"))
}

func TestVault_CompareAnyCommaList(t *testing.T) {
	v := testVault(t)
	require.NoError(t, v.Store("admin", "tok-old, tok-new"))

	assert.True(t, v.CompareAny("admin", "tok-old"))
	assert.True(t, v.CompareAny("admin", "tok-new"))
	assert.False(t, v.CompareAny("admin", "tok-old, tok-new"))
	assert.False(t, v.CompareAny("admin", ""))
}

func TestVault_StoreFromEnv(t *testing.T) {
	v := testVault(t)

	t.Setenv("GATE_TEST_SECRET", "from-env")
	assert.True(t, v.StoreFromEnv("bot", "GATE_TEST_SECRET"))

	got, ok := v.Reveal("bot")
	require.True(t, ok)
	assert.Equal(t, "from-env", got)

	assert.False(t, v.StoreFromEnv("other", "GATE_TEST_UNSET"))
	assert.False(t, v.Has("other"))
}

func TestVault_Names(t *testing.T) {
	v := testVault(t)
	require.NoError(t, v.Store("webhook", "w"))
	require.NoError(t, v.Store("admin", "a"))

	assert.Equal(t, []string{"admin", "webhook"}, v.Names())
}

func TestVault_Destroy(t *testing.T) {
	v := testVault(t)
	require.NoError(t, v.Store("turnstile", "value"))

	v.Destroy()

	assert.False(t, v.Has("turnstile"))
	_, ok := v.Reveal("turnstile")
	assert.False(t, ok)

	// Destroy is idempotent.
	v.Destroy()
}

func TestVault_SealedWhenAvailable(t *testing.T) {
	available, _ := SecureMemoryAvailable()
	if !available {
		t.Skip("mlock limit too low for sealed storage")
	}

	v, err := NewVault()
	require.NoError(t, err)
	defer v.Destroy()

	require.NoError(t, v.Store("turnstile", "sealed-value"))
	got, ok := v.Reveal("turnstile")
	require.True(t, ok)
	assert.Equal(t, "sealed-value", got)
}
