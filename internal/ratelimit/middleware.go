package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"

	applog "outlay/internal/log"
)

type KeyFunc func(r *http.Request) string

type Options struct {
	Limiter *Limiter
	// Paths lists the exact request paths the limiter guards. Other
	// paths pass through untouched.
	Paths []string
	KeyFn KeyFunc
}

// RemoteAddrKey keys requests by the direct peer address.
func RemoteAddrKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return r.RemoteAddr
	}
	return host
}

// Middleware admits or rejects requests to the configured paths. When the
// store fails the request is let through and the failure logged.
func Middleware(opts Options) func(http.Handler) http.Handler {
	if opts.KeyFn == nil {
		opts.KeyFn = RemoteAddrKey
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !slices.Contains(opts.Paths, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			key := opts.KeyFn(r)
			dec, err := opts.Limiter.Admit(r.Context(), key)
			if err != nil {
				slog.ErrorContext(r.Context(), "Rate limit check failed, admitting request",
					applog.FieldRateKey, key,
					applog.FieldPath, r.URL.Path,
					applog.FieldError, err)
				next.ServeHTTP(w, r)
				return
			}

			if !dec.Allowed {
				slog.WarnContext(r.Context(), "Rate limit exceeded",
					applog.FieldRateKey, key,
					applog.FieldPath, r.URL.Path,
					applog.FieldRetryIn, dec.RetryAfterSeconds())

				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfterSeconds()))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": "Too many requests. Please try again later.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
