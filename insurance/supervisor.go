// Package insurance implements InsuranceSupervisor (C4): the
// failure-counting state machine that decides when distributed.Bucket
// should stop trusting the shared store and fail over to its embedded
// local bucket. The state machine itself is lock-free atomics, modeled
// on the teacher's circuit breaker
// (internal/backends/composite/breaker.go), but simplified from its
// three states (closed/half-open/open) to two: recovery here is not
// detected by a timer or a background probe — it's detected the next
// time the caller's own traffic reaches the store successfully, per the
// single-observation-point design in distributed.Bucket.callStore.
package insurance

import (
	"sync/atomic"

	"github.com/ajiwo/tokenlimit/events"
)

// State is the supervisor's two-valued failover state.
type State int32

const (
	StateHealthy State = iota
	StateDegraded
)

func (s State) String() string {
	if s == StateDegraded {
		return "degraded"
	}
	return "healthy"
}

// Config configures a Supervisor.
type Config struct {
	// FailureThreshold is the number of consecutive store failures
	// required to trip into StateDegraded. Default 1: any store error
	// during a routed operation trips it.
	FailureThreshold int32
}

// Supervisor tracks the shared store's recent reliability and exposes a
// two-state view (healthy/degraded) that distributed.Bucket consults on
// every operation. All mutation is atomic; Supervisor holds no mutex.
type Supervisor struct {
	threshold int32

	state         int32 // atomic State
	failureCount  int32 // atomic
	totalFailures int32 // atomic, lifetime counter for event payloads
	manual        int32 // atomic bool: forced degraded via ForceDegraded

	bus *events.Bus
}

// New constructs a Supervisor publishing insurance-on/insurance-off
// events on bus.
func New(config Config, bus *events.Bus) *Supervisor {
	threshold := config.FailureThreshold
	if threshold <= 0 {
		threshold = 1
	}
	return &Supervisor{threshold: threshold, bus: bus}
}

// RecordFailure accounts one store failure. Once failureCount reaches
// the threshold, the supervisor trips into StateDegraded and publishes a
// single insurance-on event for this failover cycle (a CompareAndSwap
// win gates the publish, so concurrent callers tripping at once never
// double-emit).
func (s *Supervisor) RecordFailure(reason string, insuranceCapacity, insuranceRefillRate float64) {
	count := atomic.AddInt32(&s.failureCount, 1)
	atomic.AddInt32(&s.totalFailures, 1)

	if count < s.threshold {
		return
	}
	if atomic.CompareAndSwapInt32(&s.state, int32(StateHealthy), int32(StateDegraded)) {
		s.publish(events.KindInsuranceOn, reason, insuranceCapacity, insuranceRefillRate)
	}
}

// RecordSuccess accounts one store success. If the supervisor was
// degraded and not under manual override, it recovers to StateHealthy
// and publishes a single insurance-off event, symmetric with RecordFailure.
func (s *Supervisor) RecordSuccess() {
	atomic.StoreInt32(&s.failureCount, 0)

	if atomic.LoadInt32(&s.manual) == 1 {
		return
	}
	if atomic.CompareAndSwapInt32(&s.state, int32(StateDegraded), int32(StateHealthy)) {
		s.publish(events.KindInsuranceOff, "store-recovered", 0, 0)
	}
}

// IsDegraded reports whether callers should currently route to the
// insurance path.
func (s *Supervisor) IsDegraded() bool {
	return State(atomic.LoadInt32(&s.state)) == StateDegraded
}

// State returns the supervisor's current two-valued state.
func (s *Supervisor) State() State {
	return State(atomic.LoadInt32(&s.state))
}

// IsManualOverride reports whether the supervisor is held degraded by
// ForceDegraded rather than by RecordFailure. Callers use this to skip
// the store entirely during an operator-declared maintenance window,
// as opposed to an auto-detected outage, where the store is still
// worth probing so a success can recover the supervisor.
func (s *Supervisor) IsManualOverride() bool {
	return atomic.LoadInt32(&s.manual) == 1
}

// FailureCount returns the current consecutive-failure count (reset by
// any RecordSuccess).
func (s *Supervisor) FailureCount() int {
	return int(atomic.LoadInt32(&s.failureCount))
}

// TotalFailures returns the lifetime count of recorded failures,
// reported in insurance-on event payloads.
func (s *Supervisor) TotalFailures() int {
	return int(atomic.LoadInt32(&s.totalFailures))
}

// ForceDegraded manually trips the supervisor into StateDegraded and
// holds it there — RecordSuccess will not auto-recover it — until
// ForceHealthy is called. Intended for operator-driven maintenance
// windows on the shared store.
func (s *Supervisor) ForceDegraded(reason string, insuranceCapacity, insuranceRefillRate float64) {
	atomic.StoreInt32(&s.manual, 1)
	if atomic.CompareAndSwapInt32(&s.state, int32(StateHealthy), int32(StateDegraded)) {
		s.publish(events.KindInsuranceOn, reason, insuranceCapacity, insuranceRefillRate)
	}
}

// ForceHealthy releases a manual override and immediately recovers to
// StateHealthy, publishing insurance-off if a transition occurred.
func (s *Supervisor) ForceHealthy() {
	atomic.StoreInt32(&s.manual, 0)
	atomic.StoreInt32(&s.failureCount, 0)
	if atomic.CompareAndSwapInt32(&s.state, int32(StateDegraded), int32(StateHealthy)) {
		s.publish(events.KindInsuranceOff, "manual", 0, 0)
	}
}

func (s *Supervisor) publish(kind events.Kind, reason string, capacity, refillRate float64) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Kind:                kind,
		Source:              events.SourceInsurance,
		InsuranceReason:     reason,
		FailureCount:        int(atomic.LoadInt32(&s.failureCount)),
		TotalFailures:       int(atomic.LoadInt32(&s.totalFailures)),
		InsuranceCapacity:   capacity,
		InsuranceRefillRate: refillRate,
	})
}
