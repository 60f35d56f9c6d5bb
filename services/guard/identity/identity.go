// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity derives the request identifiers every guard component
// keys on.
//
// Two identifiers exist on purpose and must not be merged:
//
//   - StableID: the device-stable tail of a structured fingerprint. Rate
//     and cost windows key on this, so rotating the challenge segment of
//     the fingerprint does not reset anyone's limit or spend history.
//   - FullFP: the most specific value available (client fingerprint header,
//     else trusted IP). Retry deduplication keys on this, so a client
//     retrying under one challenge burns a single limiter slot.
package identity

import (
	"net"
	"net/http"
	"strings"
)

// =============================================================================
// Constants
// =============================================================================

const (
	headerCFConnectingIP = "CF-Connecting-IP"
	headerForwardedFor   = "X-Forwarded-For"
	headerFingerprint    = "X-Fingerprint"

	// fingerprintPrefix marks structured fingerprints whose last segment is
	// device-stable, e.g. "fp:v2:ab34cd". Minimum three segments; anything
	// shorter is treated as opaque.
	fingerprintPrefix = "fp:"
	minFPSegments     = 3

	// unknownIdentifier is the terminal fallback when no candidate parses
	// as an IP. Requests carrying it share one bucket, which only happens
	// behind a broken proxy configuration.
	unknownIdentifier = "unknown"
)

// =============================================================================
// Types
// =============================================================================

// Identity carries the extracted identifiers for one request.
type Identity struct {
	// ClientIP is the trusted client address, or "unknown".
	ClientIP string

	// FullFP is the full-fidelity identifier used for retry
	// deduplication.
	FullFP string

	// StableID is the durable identifier rate and cost windows key on.
	StableID string
}

// Extractor derives identities from request headers and the peer address.
//
// # Description
//
// Extraction never fails; every request gets an identity even if it is
// the shared "unknown" bucket. Header precedence for the client IP is
// CF-Connecting-IP, then X-Forwarded-For (only when the deployment has
// opted in), then the transport peer. Each candidate must parse as a
// valid IP or the extractor falls through to the next, so a spoofed
// garbage header can never become a limiter key.
//
// # Thread Safety
//
// Safe for concurrent use; the extractor is immutable after construction.
type Extractor struct {
	trustForwardedFor bool
}

// NewExtractor creates an Extractor.
//
// trustForwardedFor must only be true when the service is deployed behind
// a proxy that strips client-supplied X-Forwarded-For headers. The
// default deployment stance is false.
func NewExtractor(trustForwardedFor bool) *Extractor {
	return &Extractor{trustForwardedFor: trustForwardedFor}
}

// =============================================================================
// Extraction
// =============================================================================

// ClientIP returns the trusted client IP for the request.
//
// # Inputs
//
//   - h: Request headers.
//   - remoteAddr: Transport peer in host:port form (http.Request.RemoteAddr).
//
// # Outputs
//
//   - string: A valid IP in string form, or "unknown".
func (e *Extractor) ClientIP(h http.Header, remoteAddr string) string {
	if ip := parseIP(h.Get(headerCFConnectingIP)); ip != "" {
		return ip
	}

	if e.trustForwardedFor {
		// Only the first element is the client; the rest are proxies.
		first, _, _ := strings.Cut(h.Get(headerForwardedFor), ",")
		if ip := parseIP(first); ip != "" {
			return ip
		}
	}

	if ip := parseIP(peerHost(remoteAddr)); ip != "" {
		return ip
	}

	return unknownIdentifier
}

// Identify returns the full identity for the request.
//
// FullFP is the X-Fingerprint header when present, else the trusted
// client IP. StableID is the last segment of an "fp:"-prefixed
// fingerprint with at least three colon-separated segments; any other
// shape (including IPv6 literals, which contain colons but no prefix)
// passes through whole.
func (e *Extractor) Identify(h http.Header, remoteAddr string) Identity {
	clientIP := e.ClientIP(h, remoteAddr)

	fullFP := strings.TrimSpace(h.Get(headerFingerprint))
	if fullFP == "" {
		fullFP = clientIP
	}

	return Identity{
		ClientIP: clientIP,
		FullFP:   fullFP,
		StableID: StableID(fullFP),
	}
}

// StableID reduces a full fingerprint to its durable component.
func StableID(fullFP string) string {
	if !strings.HasPrefix(fullFP, fingerprintPrefix) {
		return fullFP
	}

	segments := strings.Split(fullFP, ":")
	if len(segments) < minFPSegments {
		return fullFP
	}

	last := segments[len(segments)-1]
	if last == "" {
		// Trailing colon, e.g. "fp:v2:". Malformed; keep the whole value.
		return fullFP
	}
	return last
}

// =============================================================================
// Helpers
// =============================================================================

// parseIP returns the trimmed candidate when it parses as an IP, else "".
func parseIP(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return ""
	}
	if net.ParseIP(candidate) == nil {
		return ""
	}
	return candidate
}

// peerHost strips the port from a host:port peer address. Some test
// transports hand over a bare host, which is returned unchanged.
func peerHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
