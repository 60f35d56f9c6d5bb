// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the gateway service.
//
// This package contains middleware for security headers, request
// identification, body size caps, scope-level rate limits, and admin
// authentication.
//
// # Ordering
//
// The router applies middleware in this order:
//
//	Request
//	   │
//	   ▼
//	SecurityHeaders ── every response, including 404/405
//	   │
//	   ▼
//	RequestID ── reads X-Request-ID or generates one
//	   │
//	   ▼
//	Identity ── extracts {ClientIP, FullFP, StableID}
//	   │
//	   ▼
//	BodyLimit ── http.MaxBytesReader cap
//	   │
//	   ▼
//	[per group] ScopeLimit / AdminAuth
//	   │
//	   ▼
//	Handler
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// HeaderRequestID is the client-supplied request correlation header.
	HeaderRequestID = "X-Request-ID"

	// DefaultMaxBodyBytes caps request bodies at 64 KiB.
	DefaultMaxBodyBytes int64 = 64 * 1024
)

// requestIDKey is the Gin context key for the request ID.
const requestIDKey = "aleutian_request_id"

// =============================================================================
// Security Headers
// =============================================================================

// SecurityHeaders creates middleware that sets the response security
// header set on every response.
//
// # Description
//
// Headers are written before the handler runs so they are present on
// every response the router produces, including aborts, 404, and 405.
// HSTS is only set in production: setting it from a dev instance on
// localhost would poison the browser's HTTPS cache for the host.
//
// # Inputs
//
//   - production: true when GATEWAY_ENV=production.
func SecurityHeaders(production bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; form-action 'none'")
		if production {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

// =============================================================================
// Request ID
// =============================================================================

// RequestID creates middleware that ensures every request carries a
// correlation ID.
//
// # Description
//
// Reads X-Request-ID from the request, generating a UUID when the
// header is absent, and stores it in the Gin context. The ID is echoed
// on the response so clients can correlate logs.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set(HeaderRequestID, id)
		c.Next()
	}
}

// GetRequestID retrieves the request ID from the Gin context. Returns
// empty string if RequestID middleware did not run.
func GetRequestID(c *gin.Context) string {
	if id, exists := c.Get(requestIDKey); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// =============================================================================
// Body Limit
// =============================================================================

// BodyLimit creates middleware that caps the request body size.
//
// # Description
//
// Wraps the request body in http.MaxBytesReader so a read past the cap
// fails instead of buffering an unbounded payload. Handlers see the
// failure as a bind error and return the invalid_request envelope.
//
// # Inputs
//
//   - maxBytes: byte cap; values <= 0 use DefaultMaxBodyBytes.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
