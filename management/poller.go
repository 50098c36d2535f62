// Package management implements the JSON-over-HTTP admin surface
// (reset/unblock/get_state/health_check) and a background health
// poller, grounded on gofr-dev-gofr's plain net/http handler
// registration idiom, scaled down to the handful of verbs this
// repo's admin surface needs.
package management

import (
	"context"
	"time"

	"github.com/ajiwo/tokenlimit/distributed"
)

// PollerConfig configures a Poller's ticking behavior.
type PollerConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultPollerConfig returns sensible defaults for periodic
// probing of a store-backed bucket.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval: 10 * time.Second,
		Timeout:  2 * time.Second,
	}
}

// PollerOption configures a Poller.
type PollerOption func(*PollerConfig)

// WithInterval sets the polling interval.
func WithInterval(interval time.Duration) PollerOption {
	return func(c *PollerConfig) { c.Interval = interval }
}

// WithTimeout sets the per-probe timeout.
func WithTimeout(timeout time.Duration) PollerOption {
	return func(c *PollerConfig) { c.Timeout = timeout }
}

// Poller periodically probes a distributed.Bucket's store and reports
// the result through onResult. It never touches the bucket's insurance
// supervisor: recovery detection belongs to distributed.Bucket's own
// callStore observation point, not to an out-of-band probe, so a
// Poller result is purely informational (dashboards, metrics) and must
// never flip failover state itself.
type Poller struct {
	bucket   *distributed.Bucket
	config   PollerConfig
	onResult func(healthy bool)
	stopCh   chan struct{}
}

// NewPoller creates a Poller for bucket. onResult is invoked from the
// poller's own goroutine after every probe.
func NewPoller(bucket *distributed.Bucket, onResult func(healthy bool), opts ...PollerOption) *Poller {
	config := DefaultPollerConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return &Poller{
		bucket:   bucket,
		config:   config,
		onResult: onResult,
		stopCh:   make(chan struct{}),
	}
}

// Start begins background probing. A zero Interval disables polling.
func (p *Poller) Start() {
	if p.config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.probe()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop halts background probing.
func (p *Poller) Stop() {
	close(p.stopCh)
}

func (p *Poller) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
	defer cancel()
	healthy := p.bucket.HealthCheck(ctx)
	if p.onResult != nil {
		p.onResult(healthy)
	}
}
