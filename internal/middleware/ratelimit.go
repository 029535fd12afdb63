package middleware

import (
	"fmt"
	"net/http"

	logpkg "github.com/benvon/idea-tagger/internal/logger"
	"github.com/benvon/idea-tagger/internal/request"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	stdlibmw "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

const (
	// DefaultRate applies when no rate is configured
	DefaultRate = "20-S"
	// rateLimitPrefix namespaces limiter keys in Redis
	rateLimitPrefix = "idea_tagger:ratelimit"
)

// RateLimit returns ulule/limiter middleware keyed on the client IP. Counters
// live in Redis when a client is given so every server instance shares them,
// and in process memory otherwise.
func RateLimit(redisClient *redis.Client, rateStr string, logger *zap.Logger) (func(http.Handler) http.Handler, error) {
	if rateStr == "" {
		rateStr = DefaultRate
	}
	rate, err := limiter.NewRateFromFormatted(rateStr)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit %q: %w", rateStr, err)
	}

	var store limiter.Store
	if redisClient != nil {
		store, err = redisstore.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: rateLimitPrefix})
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limit store: %w", err)
		}
	} else {
		store = memorystore.NewStoreWithOptions(limiter.StoreOptions{Prefix: rateLimitPrefix})
	}

	instance := limiter.New(store, rate)
	keyGetter := func(r *http.Request) string {
		return request.ClientIP(r)
	}
	onError := func(w http.ResponseWriter, r *http.Request, err error) {
		if logger != nil {
			logger.Warn("rate_limit_store_error", zap.String("error", logpkg.SanitizeError(err)))
		}
		respondErrorJSON(w, r, http.StatusServiceUnavailable, "Service Unavailable", "rate limiter unavailable", logger)
	}
	onLimitReached := func(w http.ResponseWriter, r *http.Request) {
		respondErrorJSON(w, r, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", logger)
	}

	mw := stdlibmw.NewMiddleware(instance,
		stdlibmw.WithKeyGetter(keyGetter),
		stdlibmw.WithErrorHandler(onError),
		stdlibmw.WithLimitReachedHandler(onLimitReached),
	)
	return mw.Handler, nil
}
