// Package httprl is an external net/http collaborator for the
// tokenlimit engine: it derives a bucket key from each request,
// calls TryConsume, and translates the Result into RateLimit-* (and
// legacy X-RateLimit-*) response headers, rejecting denied requests
// with 429. The engine itself never performs HTTP.
package httprl

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ajiwo/tokenlimit/bucket"
)

// Limiter is the subset of tokenlimit.Limiter the middleware needs.
type Limiter interface {
	TryConsume(ctx context.Context, cost float64) (bucket.Result, error)
}

// KeyFunc derives a bucket key from a request — by client identity, by
// user, by endpoint, globally, or any combination.
type KeyFunc func(r *http.Request) string

// CostFunc derives a per-request cost. The default is a constant 1.
type CostFunc func(r *http.Request) float64

// Options configures Middleware.
type Options struct {
	// KeyFunc selects the Limiter for a request. Required.
	KeyFunc func(r *http.Request) Limiter
	// Cost derives the per-request cost; defaults to a constant 1.
	Cost CostFunc
	// LegacyHeaders, when true, also emits X-RateLimit-* alongside
	// the RateLimit-* headers.
	LegacyHeaders bool
	// Limit, if set, derives the RateLimit-Limit (and legacy
	// X-RateLimit-Limit) value for a request. The Result itself
	// carries no capacity field, so this is the only way to emit it.
	Limit func(r *http.Request) int64
	// OnError is invoked when TryConsume itself errors (StoreUnavailable
	// surfacing from a Limiter with no insurance path). Defaults to
	// responding 503. The engine's own fail-open/insurance semantics
	// mean this is rare in practice.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware wraps an http.Handler, enforcing a rate limit ahead of it.
func Middleware(opts Options, next http.Handler) http.Handler {
	cost := opts.Cost
	if cost == nil {
		cost = func(*http.Request) float64 { return 1 }
	}
	onError := opts.OnError
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, _ error) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := opts.KeyFunc(r)

		res, err := limiter.TryConsume(r.Context(), cost(r))
		if err != nil {
			onError(w, r, err)
			return
		}

		var limit int64 = -1
		if opts.Limit != nil {
			limit = opts.Limit(r)
		}
		writeHeaders(w, res, limit, opts.LegacyHeaders)

		if !res.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeHeaders sets RateLimit-* (and, if legacy is true, X-RateLimit-*)
// headers purely from res — never from internal bucket state.
func writeHeaders(w http.ResponseWriter, res bucket.Result, limit int64, legacy bool) {
	remaining := res.RemainingTokens
	if remaining < 0 {
		remaining = 0
	}
	reset := int(res.RetryAfter.Round(time.Second).Seconds())

	h := w.Header()
	if limit >= 0 {
		h.Set("RateLimit-Limit", strconv.FormatInt(limit, 10))
	}
	h.Set("RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	h.Set("RateLimit-Reset", strconv.Itoa(reset))
	if legacy {
		if limit >= 0 {
			h.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
		}
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.Itoa(reset))
	}
}
