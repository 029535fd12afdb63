package middleware

import "net/http"

// DefaultMaxRequestSize caps request bodies. Filter definitions are small;
// bulk seeding goes through tagctl.
const DefaultMaxRequestSize int64 = 64 << 10

// MaxRequestSize rejects bodies larger than maxBytes. A declared Content-Length
// over the cap is refused up front; chunked bodies fail when read past the cap.
func MaxRequestSize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestSize
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > maxBytes {
				respondErrorJSON(w, r, http.StatusRequestEntityTooLarge, "Request Entity Too Large",
					"Request body exceeds the size limit", nil)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
