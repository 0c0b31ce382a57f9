// Package apikey validates caller identity at the HTTP boundary: a
// static allow-list of API keys, or a bearer JWT signed with the
// gateway's admin key. It is the one concrete enforcement point the
// gateway owns; anything beyond "is this caller allowed to call us at
// all" (per-tenant quotas, user provisioning) stays external.
package apikey

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Validator authenticates incoming requests against a static key
// allow-list and, when a signing secret is configured, bearer JWTs.
type Validator struct {
	allowed    map[string]struct{}
	jwtSecret  []byte
	requireAny bool
}

// New builds a Validator. allowList entries are compared against the
// X-API-Key header or an "api_key" query parameter; jwtSecret, if
// non-empty, additionally accepts an HS256-signed Authorization: Bearer
// token. A Validator with no allow-list and no secret authenticates
// every request (used when the gateway is deployed behind a trusted
// front door that already enforces auth).
func New(allowList []string, jwtSecret string) *Validator {
	allowed := make(map[string]struct{}, len(allowList))
	for _, k := range allowList {
		if k != "" {
			allowed[k] = struct{}{}
		}
	}
	return &Validator{
		allowed:    allowed,
		jwtSecret:  []byte(jwtSecret),
		requireAny: len(allowed) > 0 || jwtSecret != "",
	}
}

// Authenticate reports whether r carries a caller identity this
// Validator accepts.
func (v *Validator) Authenticate(r *http.Request) bool {
	if !v.requireAny {
		return true
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		if _, ok := v.allowed[key]; ok {
			return true
		}
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		if _, ok := v.allowed[key]; ok {
			return true
		}
	}

	authHeader := r.Header.Get("Authorization")
	if len(v.jwtSecret) > 0 && strings.HasPrefix(authHeader, "Bearer ") {
		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != "HS256" {
				return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
			}
			return v.jwtSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err == nil && token.Valid {
			return true
		}
	}

	return false
}
