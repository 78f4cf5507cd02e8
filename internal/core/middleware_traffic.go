package core

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"cotick/internal/types"
)

// defaultRateLimitWindow is the window over which per-user request counters
// accumulate.
const defaultRateLimitWindow = time.Minute

// defaultRateLimitMax is the maximum number of API requests a single user may
// make per window. Timer interactions are bursty (a saved timestamp per click)
// but a human never approaches this rate; the limit exists to stop runaway
// client loops.
const defaultRateLimitMax = 300

// rateLimitAnonymousKey buckets all anonymous traffic together. Anonymous
// callers can only read, so a shared bucket is acceptable.
const rateLimitAnonymousKey = "anonymous"

// RateLimit enforces a per-user request budget using a backing store.
//
// The middleware extracts the user identifier from the request context (set by
// UserIdentityMiddleware) and calls RateLimitStore.IncrementAndCheck to
// atomically increment the counter and check against the limit. Anonymous
// requests share a single bucket.
//
// If no RateLimitStore is configured (e.g., during tests), the middleware
// passes through without rate limiting.
//
// On every request (allowed or not), the middleware sets standard rate limit
// response headers:
//   - X-RateLimit-Limit: The maximum number of requests in the window.
//   - X-RateLimit-Remaining: The number of requests remaining.
//   - X-RateLimit-Reset: Unix timestamp when the window resets.
//
// When rate limited, the middleware also sets:
//   - Retry-After: Seconds until the rate limit window resets.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// If no rate limit store is configured, pass through.
		if s.RateLimitStore == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := rateLimitAnonymousKey
		if userID, ok := types.GetUserID(r.Context()); ok {
			key = userID
		}

		result, err := s.RateLimitStore.IncrementAndCheck(
			r.Context(),
			key,
			defaultRateLimitMax,
			defaultRateLimitWindow,
		)
		if err != nil {
			// On store errors, fail open: allow the request through but log
			// the error. This prevents a Redis outage from blocking all API
			// traffic.
			s.Logger.Error("rate limit store error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			next.ServeHTTP(w, r)
			return
		}

		// Set rate limit headers on every response (allowed or denied).
		setRateLimitHeaders(w, defaultRateLimitMax, result)

		if !result.Allowed {
			s.Logger.Warn("rate limit exceeded",
				slog.String("key", key),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)

			// Set Retry-After header for 429 responses.
			retryAfter := int(time.Until(result.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

			requestID := types.GetRequestID(r.Context())
			resp := APIErrorResponse{
				Error: ErrorDetail{
					Code:      errCodeRateLimitExceeded,
					Message:   "Rate limit exceeded. Please retry after the reset time.",
					RequestID: requestID,
				},
			}
			JSON(w, r, http.StatusTooManyRequests, resp)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// errCodeRateLimitExceeded is the error code returned with 429 responses.
const errCodeRateLimitExceeded = "rate_limit_exceeded"

// setRateLimitHeaders writes the standard X-RateLimit-* headers to the response.
func setRateLimitHeaders(w http.ResponseWriter, limit int, result RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}
