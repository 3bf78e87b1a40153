package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func admit(t *testing.T, s Store, key string, at time.Time) Decision {
	t.Helper()
	d, err := s.Admit(context.Background(), key, at)
	require.NoError(t, err)
	return d
}

func TestMemoryStore_FixedWindow(t *testing.T) {
	s := NewMemoryStore(Policy{Limit: 3, Window: 60 * time.Second})

	for i := 1; i <= 3; i++ {
		d := admit(t, s, "10.0.0.1", start.Add(time.Duration(i)*time.Second))
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, i, d.Count)
	}

	denied := admit(t, s, "10.0.0.1", start.Add(4*time.Second))
	assert.False(t, denied.Allowed)
	assert.Equal(t, 3, denied.Count)
	assert.LessOrEqual(t, denied.RetryAfter, 60*time.Second)
	assert.Equal(t, 57*time.Second, denied.RetryAfter)

	after := admit(t, s, "10.0.0.1", start.Add(62*time.Second))
	assert.True(t, after.Allowed)
	assert.Equal(t, 1, after.Count)
}

func TestMemoryStore_BoundaryStartsNewWindow(t *testing.T) {
	s := NewMemoryStore(Policy{Limit: 1, Window: time.Minute})

	assert.True(t, admit(t, s, "k", start).Allowed)
	assert.False(t, admit(t, s, "k", start.Add(time.Minute-time.Millisecond)).Allowed)

	d := admit(t, s, "k", start.Add(time.Minute))
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestMemoryStore_DenialDoesNotCount(t *testing.T) {
	s := NewMemoryStore(Policy{Limit: 2, Window: time.Minute})

	admit(t, s, "k", start)
	admit(t, s, "k", start)
	for i := 0; i < 5; i++ {
		d := admit(t, s, "k", start.Add(time.Second))
		assert.False(t, d.Allowed)
		assert.Equal(t, 2, d.Count)
	}
}

func TestMemoryStore_KeyIsolation(t *testing.T) {
	s := NewMemoryStore(Policy{Limit: 3, Window: time.Minute})

	for i := 0; i < 10; i++ {
		admit(t, s, "a", start)
	}
	assert.False(t, admit(t, s, "a", start).Allowed)

	d := admit(t, s, "b", start)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestMemoryStore_ConcurrentAdmitsNeverExceedLimit(t *testing.T) {
	const limit = 10
	s := NewMemoryStore(Policy{Limit: limit, Window: time.Hour})

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := s.Admit(context.Background(), "shared", start)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
}

func TestMemoryStore_Sweep(t *testing.T) {
	s := NewMemoryStore(Policy{Limit: 3, Window: time.Minute})

	for i := 0; i < 20; i++ {
		admit(t, s, fmt.Sprintf("old-%d", i), start)
	}
	admit(t, s, "fresh", start.Add(2*time.Minute))
	require.Equal(t, 21, s.Len())

	removed := s.Sweep(start.Add(2*time.Minute + time.Second))
	assert.Equal(t, 20, removed)
	assert.Equal(t, 1, s.Len())
}

func TestDecision_RetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{200 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{57 * time.Second, 57},
		{60 * time.Second, 60},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Decision{RetryAfter: tt.in}.RetryAfterSeconds(), tt.in.String())
	}
}

func TestLimiter_UsesClock(t *testing.T) {
	s := NewMemoryStore(Policy{Limit: 1, Window: time.Minute})
	l := New(s)
	now := start
	l.now = func() time.Time { return now }

	d, err := l.Admit(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Admit(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	now = now.Add(time.Minute)
	d, err = l.Admit(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
