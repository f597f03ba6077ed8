// Package auth holds gateway API key checks and the identity requests are limited by.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Source is where a caller presented its gateway key.
type Source string

const (
	SourceHeader Source = "authorization_header"
	SourceHello  Source = "hello"
	SourceQuery  Source = "query"
)

type Principal struct {
	APIKey string
	Source Source
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// ParseBearer extracts the token of an Authorization header. The scheme is matched without
// regard to case.
func ParseBearer(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// KnownKey reports whether key is one of keys. Every entry is compared in constant time.
func KnownKey(keys map[string]struct{}, key string) bool {
	if key == "" {
		return false
	}
	found := 0
	for k := range keys {
		found |= subtle.ConstantTimeCompare([]byte(k), []byte(key))
	}
	return found == 1
}
