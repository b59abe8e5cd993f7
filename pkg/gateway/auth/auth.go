package auth

import (
	"context"
	"net/http"
	"strings"
)

// QueryParam carries the client key for browsers that cannot set headers on
// a WebSocket handshake.
const QueryParam = "api_key"

type Principal struct {
	APIKey string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// ParseKey returns the client key from the bearer header, then the api-key
// header, then the api_key query parameter.
func ParseKey(r *http.Request) (string, bool) {
	if token, ok := ParseBearer(r); ok {
		return token, true
	}
	if key := strings.TrimSpace(r.Header.Get("api-key")); key != "" {
		return key, true
	}
	if key := strings.TrimSpace(r.URL.Query().Get(QueryParam)); key != "" {
		return key, true
	}
	return "", false
}
