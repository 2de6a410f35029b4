// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware holds the gin middleware shared by the API routes.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthProvider decides whether a request may use the API.
type AuthProvider interface {
	Authorize(c *gin.Context) bool
}

// NopAuth allows everything. The default for local single-user deployments.
type NopAuth struct{}

func (NopAuth) Authorize(*gin.Context) bool { return true }

// TokenAuth checks a static bearer token.
type TokenAuth struct {
	token string
}

// NewTokenAuthFromEnv reads RELAY_API_TOKEN. An empty token falls back to
// NopAuth so unset environments stay open.
func NewTokenAuthFromEnv() AuthProvider {
	token := strings.TrimSpace(os.Getenv("RELAY_API_TOKEN"))
	if token == "" {
		return NopAuth{}
	}
	return &TokenAuth{token: token}
}

func (a *TokenAuth) Authorize(c *gin.Context) bool {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimPrefix(header, prefix)
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) == 1
}

// RequireAuth rejects unauthorized requests before they reach the handlers.
func RequireAuth(provider AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !provider.Authorize(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}
