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
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// PersonalityLevel controls how chatty and decorated CLI output is.
type PersonalityLevel string

const (
	// LevelFull renders colors, icons, and spinners.
	LevelFull PersonalityLevel = "full"

	// LevelStandard renders colors and icons, no spinners.
	LevelStandard PersonalityLevel = "standard"

	// LevelMinimal renders plain text.
	LevelMinimal PersonalityLevel = "minimal"

	// LevelMachine renders bare values for scripting; JSON where a
	// command supports it.
	LevelMachine PersonalityLevel = "machine"
)

// Personality is the resolved output configuration.
type Personality struct {
	Level       PersonalityLevel
	Colors      bool
	Interactive bool
}

var (
	personalityMu sync.RWMutex
	personality   = defaultPersonality()
)

// GetPersonality returns the current personality.
func GetPersonality() Personality {
	personalityMu.RLock()
	defer personalityMu.RUnlock()
	return personality
}

// SetPersonalityLevel switches the level, recomputing color and
// interactivity from the terminal state.
func SetPersonalityLevel(level PersonalityLevel) {
	p := defaultPersonality()
	p.Level = level
	if level == LevelMinimal || level == LevelMachine {
		p.Colors = false
	}
	personalityMu.Lock()
	personality = p
	personalityMu.Unlock()
}

// ParsePersonalityLevel maps a flag value to a level, defaulting to
// standard for anything unrecognized.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch PersonalityLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LevelFull, LevelStandard, LevelMinimal, LevelMachine:
		return PersonalityLevel(strings.ToLower(strings.TrimSpace(s)))
	default:
		return LevelStandard
	}
}

// InitPersonality resolves the level from GATECTL_PERSONALITY and the
// terminal: non-TTY output drops to machine so pipes stay parseable.
func InitPersonality() {
	if env := os.Getenv("GATECTL_PERSONALITY"); env != "" {
		SetPersonalityLevel(ParsePersonalityLevel(env))
		return
	}
	if !isTerminal() {
		SetPersonalityLevel(LevelMachine)
		return
	}
	SetPersonalityLevel(LevelFull)
}

// IsInteractive reports whether prompts (confirmations, forms) may run.
func IsInteractive() bool {
	return GetPersonality().Interactive
}

// ShouldShowColors reports whether styled output is enabled.
func ShouldShowColors() bool {
	return GetPersonality().Colors
}

// ShouldShowProgress reports whether spinners may animate.
func ShouldShowProgress() bool {
	p := GetPersonality()
	return p.Level == LevelFull && p.Interactive
}

func isTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func defaultPersonality() Personality {
	tty := isTerminal()
	return Personality{
		Level:       LevelStandard,
		Colors:      tty && os.Getenv("NO_COLOR") == "",
		Interactive: tty,
	}
}
