// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sanitize normalizes user queries before they reach the RAG
// backend.
//
// # Description
//
// Sanitization enforces a length cap, strips control bytes, wraps
// prompt-injection phrases so the model sees them quoted rather than
// instructed, and escapes document-store operators. Injection wrapping
// flags the request but never rejects it.
//
// The phrase list ships with defaults and may be overridden by a YAML
// file which is hot-reloaded on change, so new attack phrasings roll
// out without a restart.
package sanitize

import (
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultMaxChars is the query length cap in Unicode code points.
	DefaultMaxChars = 400

	// truncationMarker is appended when truncation mode is enabled.
	truncationMarker = " [truncated]"

	// wrapPrefix and wrapSuffix quote a matched injection phrase.
	wrapPrefix = "[user input: "
	wrapSuffix = "]"
)

// ErrTooLong is returned when the query exceeds the length cap and
// truncation is disabled.
var ErrTooLong = errors.New("query exceeds maximum length")

// =============================================================================
// Types
// =============================================================================

// Config tunes the sanitizer. Zero values take defaults.
type Config struct {
	// MaxChars caps the query length in Unicode code points.
	MaxChars int
	// Truncate switches over-length handling from rejection to
	// truncation with a marker.
	Truncate bool
	// PatternsFile optionally overrides the injection phrase list; the
	// file is watched and reloaded on change.
	PatternsFile string
}

func (c Config) withDefaults() Config {
	if c.MaxChars <= 0 {
		c.MaxChars = DefaultMaxChars
	}
	return c
}

// Service sanitizes queries and history entries.
//
// # Thread Safety
//
// Safe for concurrent use. Pattern reloads swap an immutable snapshot.
type Service interface {
	// Sanitize returns the cleaned query and whether an injection
	// phrase was found. ErrTooLong is the only rejection.
	Sanitize(query string) (string, bool, error)

	// CleanHistory strips control bytes from history entries without
	// injection wrapping; only the live query gets wrapped.
	CleanHistory(entries []string) []string

	// Close stops the pattern file watcher.
	Close() error
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	cfg      Config
	patterns atomic.Pointer[patternSet]
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// New creates the sanitizer. A missing or invalid patterns file leaves
// the defaults active; the service never fails to construct over it.
func New(cfg Config) Service {
	cfg = cfg.withDefaults()
	s := &service{cfg: cfg, done: make(chan struct{})}
	s.patterns.Store(defaultPatternSet())

	if cfg.PatternsFile != "" {
		s.reload()
		s.startWatcher()
	}
	return s
}

func (s *service) Sanitize(query string) (string, bool, error) {
	// Step 1: length cap, counted in code points so multi-byte text is
	// not penalized.
	if utf8.RuneCountInString(query) > s.cfg.MaxChars {
		if !s.cfg.Truncate {
			return "", false, ErrTooLong
		}
		query = truncateRunes(query, s.cfg.MaxChars) + truncationMarker
	}

	// Step 2: drop control bytes; tab, LF, and CR stay.
	query = stripControl(query)

	// Step 3: quote injection phrases in place.
	detected := false
	for _, re := range s.patterns.Load().injections {
		query = re.ReplaceAllStringFunc(query, func(m string) string {
			detected = true
			return wrapPrefix + m + wrapSuffix
		})
	}

	// Step 4: escape document-store operators.
	query = operatorExpr.ReplaceAllString(query, `\$0`)

	return query, detected, nil
}

func (s *service) CleanHistory(entries []string) []string {
	if len(entries) == 0 {
		return entries
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = stripControl(e)
	}
	return out
}

func (s *service) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// =============================================================================
// Pattern Reloading
// =============================================================================

// startWatcher watches the patterns file's directory; watching the
// file itself breaks when editors or configmap mounts replace it.
func (s *service) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("Sanitizer pattern watcher unavailable; hot reload disabled",
			"error", err)
		return
	}
	if err := watcher.Add(filepath.Dir(s.cfg.PatternsFile)); err != nil {
		slog.Warn("Could not watch sanitizer patterns directory; hot reload disabled",
			"dir", filepath.Dir(s.cfg.PatternsFile),
			"error", err)
		_ = watcher.Close()
		return
	}
	s.watcher = watcher
	go s.watch()
}

func (s *service) watch() {
	target := filepath.Clean(s.cfg.PatternsFile)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Sanitizer pattern watcher error", "error", err)
		case <-s.done:
			return
		}
	}
}

// reload swaps in the file's patterns; a bad file keeps the previous
// set.
func (s *service) reload() {
	set, err := loadPatternsFile(s.cfg.PatternsFile)
	if err != nil {
		slog.Warn("Keeping previous sanitizer patterns",
			"file", s.cfg.PatternsFile,
			"error", err)
		return
	}
	s.patterns.Store(set)
	slog.Info("Sanitizer patterns loaded",
		"file", s.cfg.PatternsFile,
		"count", len(set.injections))
}

// =============================================================================
// Helpers
// =============================================================================

func stripControl(in string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7F {
			return -1
		}
		return r
	}, in)
}

func truncateRunes(in string, max int) string {
	count := 0
	for i := range in {
		if count == max {
			return in[:i]
		}
		count++
	}
	return in
}

var _ Service = (*service)(nil)
