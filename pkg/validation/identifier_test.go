// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateStableID(t *testing.T) {
	assert.NoError(t, ValidateStableID("stable123"))
	assert.NoError(t, ValidateStableID("a1B2-_"))
	assert.NoError(t, ValidateStableID(strings.Repeat("f", 64)))

	assert.Error(t, ValidateStableID(""))
	assert.Error(t, ValidateStableID(strings.Repeat("f", 65)))
	assert.Error(t, ValidateStableID("has space"))
	assert.Error(t, ValidateStableID("key:injection"))
	assert.Error(t, ValidateStableID("wild*card"))
}

func TestValidateScope(t *testing.T) {
	assert.NoError(t, ValidateScope("chat"))
	assert.NoError(t, ValidateScope("admin_usage"))

	assert.Error(t, ValidateScope(""))
	assert.Error(t, ValidateScope("Chat"))
	assert.Error(t, ValidateScope("9lives"))
	assert.Error(t, ValidateScope("a:b"))
	assert.Error(t, ValidateScope(strings.Repeat("a", 33)))
}

func TestValidateIP(t *testing.T) {
	assert.NoError(t, ValidateIP("203.0.113.9"))
	assert.NoError(t, ValidateIP("2001:db8::1"))

	assert.Error(t, ValidateIP(""))
	assert.Error(t, ValidateIP("not-an-ip"))
	assert.Error(t, ValidateIP("203.0.113.9:443"))
}
