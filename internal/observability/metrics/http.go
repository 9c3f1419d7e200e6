package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// unmatchedRoute labels requests no route claimed, keeping scanner noise out
// of the path label.
const unmatchedRoute = "unmatched"

// Middleware records request counts and latency per chi route pattern.
// Event streams are counted in the open-streams gauge instead of the latency
// histogram, since their duration is the subscriber's lifetime.
func Middleware(next http.Handler) http.Handler {
	if !enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		stream := strings.HasSuffix(r.URL.Path, "/events")
		if stream {
			openEventStreams.Inc()
			defer openEventStreams.Dec()
		}

		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := routeLabel(r)
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			if !stream {
				httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			}
		}()

		next.ServeHTTP(ww, r)
	})
}

func routeLabel(r *http.Request) string {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return unmatchedRoute
	}
	if pattern := rc.RoutePattern(); pattern != "" && pattern != "/*" {
		return pattern
	}
	return unmatchedRoute
}
