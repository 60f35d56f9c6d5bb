// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides the terminal output styling for the gatectl CLI.
//
// Output respects the personality level: "machine" strips all styling
// and icons for scripting, "minimal" keeps plain text, and the default
// levels render the Aleutian teal palette when stdout is a terminal.
package ux

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian brand palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents

	ColorWarning = lipgloss.Color("#E5C07B")
	ColorError   = lipgloss.Color("#E06C75")
	ColorMuted   = lipgloss.Color("#5C6370")
)

// Styles holds the lipgloss styles used across gatectl output.
var Styles = struct {
	Title   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Info    lipgloss.Style
	Muted   lipgloss.Style
	Key     lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary),
	Success: lipgloss.NewStyle().Foreground(ColorTealBright),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError).Bold(true),
	Info:    lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
	Key:     lipgloss.NewStyle().Foreground(ColorTealDeep),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon is a status glyph prefix.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconInfo    Icon = "•"
)

// Render returns the icon, or empty in machine mode.
func (i Icon) Render() string {
	if GetPersonality().Level == LevelMachine {
		return ""
	}
	return string(i)
}

// styled applies a style only when colors are enabled.
func styled(s lipgloss.Style, text string) string {
	if !ShouldShowColors() {
		return text
	}
	return s.Render(text)
}

// Title prints a bold section heading.
func Title(text string) {
	fmt.Println(styled(Styles.Title, text))
}

// Success prints a success line with its icon.
func Success(text string) {
	fmt.Println(prefix(IconSuccess, Styles.Success, text))
}

// Warning prints a warning line with its icon.
func Warning(text string) {
	fmt.Println(prefix(IconWarning, Styles.Warning, text))
}

// Error prints an error line with its icon.
func Error(text string) {
	fmt.Println(prefix(IconError, Styles.Error, text))
}

// Info prints an informational line.
func Info(text string) {
	fmt.Println(prefix(IconInfo, Styles.Info, text))
}

// Muted prints de-emphasized text.
func Muted(text string) {
	fmt.Println(styled(Styles.Muted, text))
}

func prefix(icon Icon, s lipgloss.Style, text string) string {
	if g := icon.Render(); g != "" {
		return styled(s, g+" "+text)
	}
	return text
}

// Box prints content inside a rounded border with a title line.
// Machine mode prints the raw content only.
func Box(title, content string) {
	if GetPersonality().Level == LevelMachine {
		fmt.Println(content)
		return
	}
	body := styled(Styles.Title, title) + "\n" + content
	fmt.Println(Styles.Box.Render(body))
}

// KeyValues renders aligned "key  value" lines for report output.
func KeyValues(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		if len(p[0]) > width {
			width = len(p[0])
		}
	}
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('\n')
		}
		key := fmt.Sprintf("%-*s", width, p[0])
		b.WriteString(styled(Styles.Key, key))
		b.WriteString("  ")
		b.WriteString(p[1])
	}
	return b.String()
}
