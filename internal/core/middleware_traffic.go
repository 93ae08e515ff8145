package core

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"provisioner/internal/ratelimit"
	"provisioner/internal/types"
)

// Fallbacks for a zero RateLimitConfig.
const (
	defaultRateLimitMax    = 120
	defaultRateLimitWindow = time.Minute
)

// rateLimitExempt lists paths the limiter never counts. Provider webhooks
// arrive from a few shared addresses and must always be acknowledged.
var rateLimitExempt = map[string]bool{
	"/health":          true,
	"/webhooks/stripe": true,
}

// RateLimit limits requests per client IP through s.RateLimitStore.
//
// Every counted response carries X-RateLimit-Limit, X-RateLimit-Remaining
// and X-RateLimit-Reset; a rejected one also carries Retry-After. Store
// errors fail open so a limiter outage never drops provider deliveries.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimitStore == nil || rateLimitExempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		limit, window := s.rateLimit()
		ip := clientIP(r)

		result, err := s.RateLimitStore.CheckAndIncrement(r.Context(), "ip:"+ip, limit, window)
		if err != nil {
			s.Logger.ErrorContext(r.Context(), "rate limit store error",
				slog.String("ip", ip),
				slog.String("error", err.Error()),
			)
			next.ServeHTTP(w, r)
			return
		}

		setRateLimitHeaders(w, limit, result)

		if !result.Allowed {
			s.Logger.WarnContext(r.Context(), "rate limit exceeded",
				slog.String("ip", ip),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)

			retryAfter := int(time.Until(result.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			Error(w, r, types.NewAppError(types.ErrCodeRateLimit, "rate limit exceeded, retry later", nil))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit() (int, time.Duration) {
	limit, window := defaultRateLimitMax, defaultRateLimitWindow
	if s.Config != nil {
		if s.Config.RateLimit.Limit > 0 {
			limit = s.Config.RateLimit.Limit
		}
		if s.Config.RateLimit.Window > 0 {
			window = s.Config.RateLimit.Window
		}
	}
	return limit, window
}

func setRateLimitHeaders(w http.ResponseWriter, limit int, result ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// clientIP is RemoteAddr without its port. X-Forwarded-For is client
// controlled and ignored; in Lambda mode RemoteAddr is the gateway's
// source IP.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
