package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/cors"
	"go.uber.org/zap"
)

const defaultOrigin = "http://localhost:3000"

// AllowedOrigins parses a comma-separated origin list, dropping blanks and
// duplicates. An empty list yields the local development origin.
func AllowedOrigins(raw string) []string {
	seen := make(map[string]struct{})
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		origins = append(origins, o)
	}
	if len(origins) == 0 {
		origins = []string{defaultOrigin}
	}
	return origins
}

// CORS wraps rs/cors with the API's methods and headers for the origins in
// frontendURL (comma-separated)
func CORS(frontendURL string, logger *zap.Logger) func(http.Handler) http.Handler {
	origins := AllowedOrigins(frontendURL)
	if logger != nil {
		logger.Info("cors_configured", zap.Strings("allowed_origins", origins))
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowCredentials: true,
		MaxAge:           86400,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
	})
	return c.Handler
}
