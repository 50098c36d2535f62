// Package atomic implements AtomicScript (C2): the refill-and-consume
// protocol executed server-side on the shared store in a single
// round-trip. This file is the protocol's pure, I/O-free arithmetic — the
// single source of truth both the Redis Lua program (Script, in
// script.go) and the in-process memory backend's emulation must agree
// with bit-for-bit.
//
// Without a single atomic program, concurrent clients race between read
// and write and will overshoot capacity or race-consume tokens; the
// engine must not require per-key advisory locks (spec §4.2).
package atomic

import "math"

// State is the persisted {tokens, last_refill_at} pair for a key.
type State struct {
	Tokens         float64
	LastRefillAtMs int64
}

// Args are the parameters every program invocation takes: (capacity,
// refill_rate, amount, now_ms, ttl_seconds) per spec §4.2. TTLSeconds is
// carried for callers that need it alongside the arithmetic; this package
// does not apply TTLs itself (that's a store-side effect).
type Args struct {
	Capacity   float64
	RefillRate float64
	Amount     float64
	NowMs      int64
	TTLSeconds int64
}

// ConsumeOutcome is the (allowed_flag, tokens_after, now_ms) triple.
type ConsumeOutcome struct {
	Allowed     bool
	TokensAfter float64
	NowMs       int64
}

// PenaltyOutcome is the (applied, tokens_after, tokens_before) triple.
type PenaltyOutcome struct {
	Applied      float64
	TokensAfter  float64
	TokensBefore float64
}

// RewardOutcome is the (actual_applied, tokens_after, tokens_before,
// capped_flag) quadruple.
type RewardOutcome struct {
	Applied      float64
	TokensAfter  float64
	TokensBefore float64
	Capped       bool
}

// Init returns the initial state for a key that has never been written:
// tokens at capacity, last_refill_at at now_ms (spec §4.2 "Initialization
// on first use").
func Init(args Args) State {
	return State{Tokens: args.Capacity, LastRefillAtMs: args.NowMs}
}

// Refill applies the invariant-preserving refill step (spec §4.1) using
// the caller-supplied args.NowMs, never a clock of its own. A NowMs
// earlier than s.LastRefillAtMs is not clamped: elapsed time is then
// negative, tokens drop by that amount and LastRefillAtMs moves back.
func Refill(s State, args Args) State {
	elapsedSeconds := float64(args.NowMs-s.LastRefillAtMs) / 1000.0
	tokens := math.Min(args.Capacity, s.Tokens+elapsedSeconds*args.RefillRate)
	return State{Tokens: tokens, LastRefillAtMs: args.NowMs}
}

// Consume refills, then tests-and-consumes Amount tokens.
func Consume(existing *State, args Args) (State, ConsumeOutcome) {
	s := resolve(existing, args)
	s = Refill(s, args)

	if s.Tokens >= args.Amount {
		s.Tokens -= args.Amount
		return s, ConsumeOutcome{Allowed: true, TokensAfter: s.Tokens, NowMs: args.NowMs}
	}
	return s, ConsumeOutcome{Allowed: false, TokensAfter: s.Tokens, NowMs: args.NowMs}
}

// Penalty refills, then subtracts Amount, which may drive tokens negative.
func Penalty(existing *State, args Args) (State, PenaltyOutcome) {
	s := resolve(existing, args)
	s = Refill(s, args)

	before := s.Tokens
	s.Tokens -= args.Amount
	return s, PenaltyOutcome{Applied: args.Amount, TokensAfter: s.Tokens, TokensBefore: before}
}

// Reward refills, then adds Amount, clamped at Capacity.
func Reward(existing *State, args Args) (State, RewardOutcome) {
	s := resolve(existing, args)
	s = Refill(s, args)

	before := s.Tokens
	uncapped := before + args.Amount
	s.Tokens = math.Min(args.Capacity, uncapped)
	capped := uncapped > args.Capacity
	return s, RewardOutcome{Applied: s.Tokens - before, TokensAfter: s.Tokens, TokensBefore: before, Capped: capped}
}

// resolve returns existing state, or initializes it if this is the first
// use of the key (existing == nil).
func resolve(existing *State, args Args) State {
	if existing == nil {
		return Init(args)
	}
	return *existing
}
