// Package ratelimit implements a fixed-window admission gate keyed by an
// arbitrary string, usually the client network address.
package ratelimit

import (
	"context"
	"time"
)

// Policy is the fixed window configuration: at most Limit admissions per
// Window for one key.
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultPolicy allows 3 requests per minute.
func DefaultPolicy() Policy {
	return Policy{Limit: 3, Window: time.Minute}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Count is the number of admissions recorded in the current window.
	Count int
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds with a minimum
// of one, the value sent in the Retry-After header.
func (d Decision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// Store performs the read-check-write of one key atomically.
type Store interface {
	Admit(ctx context.Context, key string, now time.Time) (Decision, error)
}

// Limiter is the entry point used by the HTTP layer.
type Limiter struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// Admit checks key against the store using the current time.
func (l *Limiter) Admit(ctx context.Context, key string) (Decision, error) {
	return l.store.Admit(ctx, key, l.now())
}

type record struct {
	start time.Time
	count int
}

// apply runs the fixed window algorithm on rec. A request exactly one
// window after the start opens a new window. Denials leave rec untouched.
func (p Policy) apply(rec *record, now time.Time) Decision {
	elapsed := now.Sub(rec.start)
	if rec.count == 0 || elapsed >= p.Window {
		rec.start = now
		rec.count = 1
		return Decision{Allowed: true, Count: 1}
	}
	if rec.count >= p.Limit {
		return Decision{Allowed: false, Count: rec.count, RetryAfter: p.Window - elapsed}
	}
	rec.count++
	return Decision{Allowed: true, Count: rec.count}
}
