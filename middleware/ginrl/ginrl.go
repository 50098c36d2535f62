// Package ginrl is a gin-gonic adapter over the same contract as
// middleware/httprl: TryConsume the request's cost, set RateLimit-*
// headers from the Result, and abort with 429 on denial.
package ginrl

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ajiwo/tokenlimit/bucket"
)

// Limiter is the subset of tokenlimit.Limiter the middleware needs.
type Limiter interface {
	TryConsume(ctx context.Context, cost float64) (bucket.Result, error)
}

// KeyFunc selects the Limiter for a gin request.
type KeyFunc func(c *gin.Context) Limiter

// CostFunc derives a per-request cost. The default is a constant 1.
type CostFunc func(c *gin.Context) float64

// Options configures Middleware.
type Options struct {
	// KeyFunc selects the Limiter for a request. Required.
	KeyFunc KeyFunc
	// Cost derives the per-request cost; defaults to a constant 1.
	Cost CostFunc
	// LegacyHeaders, when true, also emits X-RateLimit-* alongside
	// the RateLimit-* headers.
	LegacyHeaders bool
	// Limit, if set, derives the RateLimit-Limit value for a request.
	Limit func(c *gin.Context) int64
}

// Middleware returns a gin.HandlerFunc enforcing a rate limit ahead of
// the rest of the chain.
func Middleware(opts Options) gin.HandlerFunc {
	cost := opts.Cost
	if cost == nil {
		cost = func(*gin.Context) float64 { return 1 }
	}

	return func(c *gin.Context) {
		limiter := opts.KeyFunc(c)

		res, err := limiter.TryConsume(c.Request.Context(), cost(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}

		var limit int64 = -1
		if opts.Limit != nil {
			limit = opts.Limit(c)
		}
		writeHeaders(c, res, limit, opts.LegacyHeaders)

		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		c.Next()
	}
}

func writeHeaders(c *gin.Context, res bucket.Result, limit int64, legacy bool) {
	remaining := res.RemainingTokens
	if remaining < 0 {
		remaining = 0
	}
	reset := int(res.RetryAfter.Round(time.Second).Seconds())

	if limit >= 0 {
		c.Header("RateLimit-Limit", strconv.FormatInt(limit, 10))
	}
	c.Header("RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	c.Header("RateLimit-Reset", strconv.Itoa(reset))
	if legacy {
		if limit >= 0 {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
		}
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.Itoa(reset))
	}
}
