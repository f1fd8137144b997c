package security

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/core"
)

type RateLimiter struct {
	counter Counter
	limit   int64
	window  time.Duration
}

func NewRateLimiter(counter Counter, perMinute int) *RateLimiter {
	return &RateLimiter{counter: counter, limit: int64(perMinute), window: time.Minute}
}

// Allow counts one request of id within scope and reports whether it is under the limit.
func (r *RateLimiter) Allow(ctx context.Context, scope, id string) (bool, error) {
	count, err := r.counter.Incr(ctx, fmt.Sprintf("ratelimit:%s:%s", scope, id), r.window)
	if err != nil {
		return true, err
	}
	return count <= r.limit, nil
}

// Limit rate limits a route per client IP. Counter failures let the request through.
func (r *RateLimiter) Limit(scope string) func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		ip := e.RealIP()
		allowed, err := r.Allow(e.Request.Context(), scope, ip)
		if err != nil {
			slog.Warn("rate limit counter unavailable", "scope", scope, "ip", ip, "error", err)
		}
		if !allowed {
			return e.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Too many requests",
			})
		}
		return e.Next()
	}
}

// AntiBot rejects crawler user agents before applying the per-IP limit.
func (r *RateLimiter) AntiBot(scope string) func(e *core.RequestEvent) error {
	limit := r.Limit(scope)
	return func(e *core.RequestEvent) error {
		if IsSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
			return e.JSON(http.StatusForbidden, map[string]string{
				"error": "Access denied",
			})
		}
		return limit(e)
	}
}

func IsSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
