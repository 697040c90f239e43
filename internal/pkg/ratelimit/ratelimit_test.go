package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter() *Limiter {
	return New(map[Action]Bucket{
		ActionDeposit:    {PerMinute: 3, Burst: 3},
		ActionActivation: {PerMinute: 6, Burst: 2},
	})
}

func TestLimiter_BurstThenDeny(t *testing.T) {
	l := newTestLimiter()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(100, ActionDeposit), "call %d within burst should pass", i+1)
	}
	// Burst exhausted; refill is 3/min so the next call is denied.
	assert.False(t, l.Allow(100, ActionDeposit))
}

func TestLimiter_SubjectsIndependent(t *testing.T) {
	l := newTestLimiter()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(100, ActionDeposit))
	}
	assert.False(t, l.Allow(100, ActionDeposit))

	// A different subject has its own bucket.
	assert.True(t, l.Allow(200, ActionDeposit))
}

func TestLimiter_ActionsIndependent(t *testing.T) {
	l := newTestLimiter()

	assert.True(t, l.Allow(100, ActionActivation))
	assert.True(t, l.Allow(100, ActionActivation))
	assert.False(t, l.Allow(100, ActionActivation))

	// Deposit bucket for the same subject is untouched.
	assert.True(t, l.Allow(100, ActionDeposit))
}

func TestLimiter_UnconfiguredActionNeverThrottled(t *testing.T) {
	l := New(map[Action]Bucket{})

	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(100, ActionDeposit))
	}
}
