// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Credentials identify the caller of an operation.
type Credentials struct {
	Tokens []string

	// Superuser is set for system-initiated operations, such as
	// the environment repair sweep, that act on behalf of no
	// particular user.
	Superuser bool
	Identity  string
}

func NewCredentials(tokens ...string) *Credentials {
	return &Credentials{Tokens: tokens}
}

type contextKeyCredentials struct{}

func NewContext(ctx context.Context, c *Credentials) context.Context {
	return context.WithValue(ctx, contextKeyCredentials{}, c)
}

func FromContext(ctx context.Context) (*Credentials, bool) {
	c, ok := ctx.Value(contextKeyCredentials{}).(*Credentials)
	return c, ok
}

// WithSuperuser returns a child context whose credentials carry the
// superuser identity.
func WithSuperuser(ctx context.Context, identity string) context.Context {
	return NewContext(ctx, &Credentials{Superuser: true, Identity: identity})
}

// IsSuperuser reports whether ctx carries superuser credentials.
func IsSuperuser(ctx context.Context) bool {
	c, ok := FromContext(ctx)
	return ok && c.Superuser
}

func CredentialsFromRequest(r *http.Request) *Credentials {
	if c, ok := FromContext(r.Context()); ok {
		// preloaded by middleware
		return c
	}
	c := NewCredentials()
	c.LoadTokensFromHTTPRequest(r)
	return c
}

// LoadTokensFromHTTPRequest loads the token from an "Authorization:
// Bearer ..." header.
func (a *Credentials) LoadTokensFromHTTPRequest(r *http.Request) {
	if toks := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(toks) == 2 && (toks[0] == "OAuth2" || toks[0] == "Bearer") {
		a.Tokens = append(a.Tokens, strings.TrimSpace(toks[1]))
	}
}

// RequireLiteralToken returns a middleware that responds 401 unless
// the request carries the given token. An empty token disables the
// wrapped handler entirely.
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			http.Error(w, "management API authentication is not configured", http.StatusForbidden)
			return
		}
		for _, t := range CredentialsFromRequest(r).Tokens {
			if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, "authorization required", http.StatusUnauthorized)
	})
}
