package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable is the sentinel for the StoreUnavailable error kind
// (spec §7.2): the shared store refused, timed out, or returned a
// malformed response. A DistributedBucket operation with an insurance
// path never surfaces this to its caller — the path absorbs it and emits
// a store-error event instead. It is surfaced by the operations that
// call the store directly (Block, Unblock, Reset, Delete, GetState);
// HealthCheck reports a failing store as false rather than as an error.
var ErrUnavailable = errors.New("store: unavailable")

// UnavailableError wraps an underlying cause with operation context, the
// way spec §7 requires callers be able to tell a connectivity failure
// apart from an operational error (e.g. a malformed script invocation).
type UnavailableError struct {
	Op    string
	Cause error
}

func (e *UnavailableError) Error() string {
	if e == nil {
		return ErrUnavailable.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", ErrUnavailable, e.Op, e.Cause)
	}
	return fmt.Sprintf("%s: %v", ErrUnavailable, e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// NewUnavailableError wraps cause as a StoreUnavailable error with op
// context (e.g. "redis:Eval", "postgres:Query").
func NewUnavailableError(op string, cause error) error {
	if cause == nil {
		return ErrUnavailable
	}
	return &UnavailableError{Op: op, Cause: cause}
}

// IsUnavailable reports whether err indicates the store is unavailable,
// whether as the bare sentinel or a wrapped UnavailableError anywhere in
// the chain.
func IsUnavailable(err error) bool {
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// MaybeConnError reclassifies err as a StoreUnavailable error when its
// message matches one of patterns, or when it's a context
// deadline/cancellation (spec §7.5: a caller deadline exceeded during a
// store operation is treated as StoreUnavailable for failover purposes).
// Operational errors (malformed script args, wrong types) are returned
// unchanged so they are never mistaken for an outage.
func MaybeConnError(op string, err error, patterns []string) error {
	if err == nil {
		return nil
	}

	if patterns != nil {
		lower := strings.ToLower(err.Error())
		for _, p := range patterns {
			if strings.Contains(lower, p) {
				return NewUnavailableError(op, err)
			}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewUnavailableError(op, err)
	}

	return err
}
