// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePersonalityLevel(t *testing.T) {
	assert.Equal(t, LevelMachine, ParsePersonalityLevel("machine"))
	assert.Equal(t, LevelFull, ParsePersonalityLevel(" Full "))
	assert.Equal(t, LevelStandard, ParsePersonalityLevel("bogus"))
	assert.Equal(t, LevelStandard, ParsePersonalityLevel(""))
}

func TestSetPersonalityLevel_MachineDisablesColors(t *testing.T) {
	defer SetPersonalityLevel(LevelStandard)

	SetPersonalityLevel(LevelMachine)
	assert.False(t, ShouldShowColors())
	assert.False(t, ShouldShowProgress())
	assert.Empty(t, IconSuccess.Render())

	SetPersonalityLevel(LevelStandard)
	assert.Equal(t, "✓", IconSuccess.Render())
}

func TestInitPersonality_EnvOverride(t *testing.T) {
	defer SetPersonalityLevel(LevelStandard)

	t.Setenv("GATECTL_PERSONALITY", "minimal")
	InitPersonality()
	assert.Equal(t, LevelMinimal, GetPersonality().Level)
	assert.False(t, ShouldShowColors())
}

func TestKeyValues_Alignment(t *testing.T) {
	defer SetPersonalityLevel(LevelStandard)
	SetPersonalityLevel(LevelMachine)

	out := KeyValues([][2]string{
		{"window", "$0.41"},
		{"day_entries", "12"},
	})
	lines := strings.Split(out, "\n")
	assert.Len(t, lines, 2)
	// Both value columns start at the same offset.
	assert.Equal(t, strings.Index(lines[0], "$0.41"), strings.Index(lines[1], "12"))
}

func TestKeyValues_Empty(t *testing.T) {
	assert.Empty(t, KeyValues(nil))
}
