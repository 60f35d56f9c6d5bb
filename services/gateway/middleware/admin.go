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
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGate/pkg/secrets"
	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
)

// AdminSecretName is the vault entry holding the comma-separated admin
// token list.
const AdminSecretName = "admin_tokens"

// adminKey marks the Gin context once admin auth has passed.
const adminKey = "aleutian_admin"

// AdminAuth creates middleware that authenticates admin requests.
//
// # Description
//
// Extracts the bearer token from the Authorization header and compares
// it in constant time against every entry of the vault-held admin token
// list. The list is comma-separated so tokens can rotate without a
// restart: load old and new, drop the old one later.
//
// An empty vault entry rejects everything. There is no anonymous admin
// mode.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AdminAuth(vault *secrets.Vault) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" || !vault.CompareAny(AdminSecretName, token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.NewError(
				datatypes.ErrCodeAdminUnauthorized,
				"valid admin token required",
			))
			return
		}

		c.Set(adminKey, true)
		c.Next()
	}
}

// AdminDetect marks the request as admin when a valid admin bearer
// token is present, without requiring one. Chat endpoints use this so
// authenticated operator traffic skips the shared global windows while
// anonymous traffic proceeds normally.
func AdminDetect(vault *secrets.Vault) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := extractBearerToken(c); token != "" && vault.CompareAny(AdminSecretName, token) {
			c.Set(adminKey, true)
		}
		c.Next()
	}
}

// IsAdmin reports whether the request passed admin authentication.
// The admission pipeline uses this to skip the global limit.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(adminKey)
}

// extractBearerToken extracts the token from the Authorization header.
// The "Bearer" prefix is case-insensitive per RFC 7235. Returns empty
// string if the header is missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
