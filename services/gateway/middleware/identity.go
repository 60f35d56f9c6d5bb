// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGate/services/guard/identity"
)

// identityKey is the Gin context key for the extracted identity.
const identityKey = "aleutian_identity"

// Identity creates middleware that extracts the request identity once
// and stores it in the Gin context.
//
// # Description
//
// Extraction never fails; every request gets an identity even if it is
// the shared "unknown" bucket. Downstream stages (scope limits, the
// admission pipeline, admin handlers) all read the same extraction, so
// a request is judged under one identity end to end.
func Identity(extractor *identity.Extractor) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := extractor.Identify(c.Request.Header, c.Request.RemoteAddr)
		c.Set(identityKey, id)
		c.Next()
	}
}

// GetIdentity retrieves the extracted identity from the Gin context.
// Returns the zero Identity if the Identity middleware did not run.
func GetIdentity(c *gin.Context) identity.Identity {
	if v, exists := c.Get(identityKey); exists {
		if id, ok := v.(identity.Identity); ok {
			return id
		}
	}
	return identity.Identity{}
}
