package security

import (
	"net/http"
)

// MaxBodySize caps request bodies at limitKB kilobytes. Handlers see a
// *http.MaxBytesError once the cap is hit. A limit of zero or less disables it.
func MaxBodySize(limitKB int) func(http.Handler) http.Handler {
	limit := int64(limitKB) << 10

	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
