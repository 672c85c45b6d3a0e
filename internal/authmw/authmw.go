// Package authmw provides HTTP middleware for bearer token authentication
// of the sentinel API.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/log"
)

const prefix = "Bearer "

// BearerToken returns middleware that validates the Authorization header
// contains a Bearer token matching the expected value. Comparison uses
// constant-time equality.
func BearerToken(token string) func(http.Handler) http.Handler {
	return BearerTokenWithLogger(token, nil)
}

// BearerTokenWithLogger is BearerToken that logs rejected requests.
func BearerTokenWithLogger(token string, logger log.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, prefix) {
				logger.Warn(r.Context(), "api request rejected", "reason", "missing bearer", "path", r.URL.Path)
				reject(w, "missing or malformed authorization header")
				return
			}

			if subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), expected) != 1 {
				logger.Warn(r.Context(), "api request rejected", "reason", "invalid token", "path", r.URL.Path)
				reject(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Optional returns BearerTokenWithLogger for a non-empty token and nil
// otherwise, so callers can append the result to a middleware list only
// when auth is configured.
func Optional(token string, logger log.Logger) []func(http.Handler) http.Handler {
	if token == "" {
		return nil
	}
	return []func(http.Handler) http.Handler{BearerTokenWithLogger(token, logger)}
}

func reject(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="sentinel"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
