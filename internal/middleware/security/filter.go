// Package security provides request hardening middleware for the daemon.
package security

import (
	"net/http"
	"net/url"
	"strings"
)

// ErrorWriter writes a JSON error response.
type ErrorWriter func(w http.ResponseWriter, status int, code, message string)

// The daemon serves only /api/v1 plus probes, so anything shaped like a
// scanner probe is rejected before routing and logging.
var probePrefixes = []string{
	"/.env",
	"/.git/",
	"/wp-",
	"/phpmyadmin",
	"/cgi-bin/",
	"/server-status",
	"/xmlrpc.php",
	"/actuator",
}

var traversalPatterns = []string{
	"../",
	"..\\",
	"%2e%2e",
	"%00",
}

// Blocked reports whether r looks like a probe or a traversal attempt.
func Blocked(r *http.Request) bool {
	path := strings.ToLower(r.URL.Path)
	for _, p := range probePrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}

	raw := strings.ToLower(r.URL.EscapedPath())
	candidates := []string{path, raw}
	if decoded, err := url.PathUnescape(raw); err == nil {
		candidates = append(candidates, strings.ToLower(decoded))
	}
	for _, c := range candidates {
		for _, p := range traversalPatterns {
			if strings.Contains(c, p) {
				return true
			}
		}
	}
	return false
}

// Filter rejects blocked requests with 400 BAD_REQUEST. When disabled it
// returns next unchanged.
func Filter(enabled bool, writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if Blocked(r) {
				writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
