// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for security-critical
// identifiers.
//
// Admin-supplied path parameters end up embedded in Redis key names
// and query filters; these validators reject anything that could smuggle
// separators or wildcards into those positions.
package validation

import (
	"fmt"
	"net"
	"regexp"
)

// stableIDPattern matches the hash portion of a client fingerprint:
// hex or base64url-safe characters, bounded length.
var stableIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// scopePattern matches limiter scope names (chat, challenge, probe...).
var scopePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// ValidateStableID validates a client stable identifier.
//
// Stable IDs are fingerprint hashes: 1-64 characters from the
// base64url alphabet. Anything else is rejected before it reaches a
// store key.
func ValidateStableID(id string) error {
	if !stableIDPattern.MatchString(id) {
		return fmt.Errorf("invalid stable id %q: must be 1-64 url-safe characters", id)
	}
	return nil
}

// ValidateScope validates a rate-limit scope name: lowercase
// alphanumeric with underscores, up to 32 characters.
func ValidateScope(scope string) error {
	if !scopePattern.MatchString(scope) {
		return fmt.Errorf("invalid scope %q: must be lowercase alphanumeric", scope)
	}
	return nil
}

// ValidateIP validates an IPv4 or IPv6 address literal.
func ValidateIP(ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid ip address %q", ip)
	}
	return nil
}
