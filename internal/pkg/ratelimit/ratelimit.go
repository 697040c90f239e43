// Package ratelimit provides per-subject, per-action token bucket throttling
// for ledger-mutating entry points. Buckets live in memory only; a restart
// resets them, which is acceptable for request throttling.
package ratelimit

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Action identifies a throttled entry point.
type Action string

const (
	ActionDeposit    Action = "deposit"
	ActionActivation Action = "activation"
)

// Bucket describes the refill rate and capacity for one action.
type Bucket struct {
	PerMinute float64
	Burst     int
}

// Limiter throttles calls per (subject, action) pair.
// Safe for concurrent use.
type Limiter struct {
	buckets  map[Action]Bucket
	limiters sync.Map // map[string]*rate.Limiter
}

// New creates a Limiter with the given per-action bucket settings.
// Actions without a configured bucket are never throttled.
func New(buckets map[Action]Bucket) *Limiter {
	return &Limiter{buckets: buckets}
}

// Allow reports whether the subject may perform the action now, consuming
// one token if so. A denied call consumes nothing.
func (l *Limiter) Allow(subject int64, action Action) bool {
	b, ok := l.buckets[action]
	if !ok {
		return true
	}

	key := fmt.Sprintf("%d:%s", subject, action)
	v, ok := l.limiters.Load(key)
	if !ok {
		fresh := rate.NewLimiter(rate.Limit(b.PerMinute/60.0), b.Burst)
		v, _ = l.limiters.LoadOrStore(key, fresh)
	}
	return v.(*rate.Limiter).Allow()
}
