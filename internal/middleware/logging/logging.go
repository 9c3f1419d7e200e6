// Package logging provides structured HTTP request logging middleware.
package logging

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type options struct {
	quiet map[string]bool
}

// Option configures the middleware.
type Option func(*options)

// WithQuietPaths logs successful requests to paths at debug level. Probes
// and scrapes would otherwise drown the attempt traffic.
func WithQuietPaths(paths ...string) Option {
	return func(o *options) {
		for _, p := range paths {
			o.quiet[p] = true
		}
	}
}

// Middleware returns an HTTP middleware that logs one line per request once
// the handler returns. Event streams are logged when the client goes away,
// so their duration is the stream lifetime.
func Middleware(logger *slog.Logger, opts ...Option) func(http.Handler) http.Handler {
	o := options{quiet: map[string]bool{}}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}

				attrs := []any{
					"request_id", middleware.GetReqID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"client_ip", clientIP(r),
				}
				if rc := chi.RouteContext(r.Context()); rc != nil {
					if pattern := rc.RoutePattern(); pattern != "" {
						attrs = append(attrs, "route", pattern)
					}
				}
				if strings.HasPrefix(ww.Header().Get("Content-Type"), "text/event-stream") {
					attrs = append(attrs, "stream", true)
				}

				logger.Log(r.Context(), level(status, o.quiet[r.URL.Path]), "request", attrs...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func level(status int, quiet bool) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case quiet:
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// clientIP reads RemoteAddr, which chi's RealIP rewrites when it runs first.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
