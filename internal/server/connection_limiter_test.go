package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobalConnectionLimiter_EnforcesMax(t *testing.T) {
	l := NewGlobalConnectionLimiter(2)

	assert.True(t, l.Acquire())
	assert.True(t, l.Acquire())
	assert.False(t, l.Acquire())

	l.Release()
	assert.True(t, l.Acquire())
	assert.EqualValues(t, 2, l.Current())
}

func TestGlobalConnectionLimiter_NeverOvershootsConcurrently(t *testing.T) {
	const max = 50
	l := NewGlobalConnectionLimiter(max)

	var wg sync.WaitGroup
	acquired := make(chan bool, 200)
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acquired <- l.Acquire()
		}()
	}
	wg.Wait()
	close(acquired)

	count := 0
	for ok := range acquired {
		if ok {
			count++
		}
	}
	assert.Equal(t, max, count)
	assert.EqualValues(t, max, l.Current())
}

func TestIPConnectionLimiter_IsPerIP(t *testing.T) {
	l := NewIPConnectionLimiter(1)

	assert.True(t, l.Acquire("10.0.0.1"))
	assert.False(t, l.Acquire("10.0.0.1"))
	assert.True(t, l.Acquire("10.0.0.2"))

	l.Release("10.0.0.1")
	assert.True(t, l.Acquire("10.0.0.1"))
}

func TestIPConnectionLimiter_ReleaseCleansUpEmptyEntries(t *testing.T) {
	l := NewIPConnectionLimiter(5)

	assert.True(t, l.Acquire("10.0.0.1"))
	l.Release("10.0.0.1")
	assert.Zero(t, l.Count("10.0.0.1"))

	// Releasing an unknown IP must not underflow.
	l.Release("10.0.0.9")
	assert.Zero(t, l.Count("10.0.0.9"))
}

func TestConnectionRateLimiter_EnforcesBurst(t *testing.T) {
	l := NewConnectionRateLimiter(1.0, 2)

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"), "burst exhausted")
	assert.True(t, l.Allow("10.0.0.2"), "other IPs have their own bucket")
}

func TestConnectionLimits_ReportsRejectionReason(t *testing.T) {
	l := NewConnectionLimits(100, 1, 100.0, 100)

	ok, reason := l.Acquire("10.0.0.1")
	assert.True(t, ok)
	assert.Empty(t, string(reason))

	ok, reason = l.Acquire("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonPerIP, reason)
}

func TestConnectionLimits_GlobalRejectionRollsBackNothing(t *testing.T) {
	l := NewConnectionLimits(1, 10, 100.0, 100)

	ok, _ := l.Acquire("10.0.0.1")
	assert.True(t, ok)

	ok, reason := l.Acquire("10.0.0.2")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonGlobal, reason)

	// The failed acquire must not have leaked a per-IP slot.
	assert.Zero(t, l.perIP.Count("10.0.0.2"))
}

func TestConnectionLimits_PerIPRejectionRollsBackGlobal(t *testing.T) {
	l := NewConnectionLimits(2, 1, 100.0, 100)

	ok, _ := l.Acquire("10.0.0.1")
	assert.True(t, ok)

	ok, reason := l.Acquire("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonPerIP, reason)

	// Global slot from the failed attempt must be returned.
	assert.EqualValues(t, 1, l.global.Current())
}
