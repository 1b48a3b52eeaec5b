package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitWithinLimit(t *testing.T) {
	mock := clock.NewMock()
	limiter := NewLimiter(mock, 3, time.Hour)

	for i := 0; i < 3; i++ {
		d := limiter.Admit("client-a")
		assert.True(t, d.Allowed)
		assert.Equal(t, 3, d.Limit)
		assert.Equal(t, 2-i, d.Remaining)
		mock.Add(time.Minute)
	}

	d := limiter.Admit("client-a")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestRetryTimingMatchesOldestRequest(t *testing.T) {
	mock := clock.NewMock()
	limiter := NewLimiter(mock, 2, time.Hour)

	first := mock.Now()
	limiter.Admit("client-a")
	mock.Add(10 * time.Minute)
	limiter.Admit("client-a")
	mock.Add(5 * time.Minute)

	d := limiter.Admit("client-a")
	require.False(t, d.Allowed)
	// denial must carry exact retry timing: oldest request + window - now
	assert.Equal(t, first.Add(time.Hour), d.ResetAt)
	assert.Equal(t, 45*time.Minute, d.RetryAfter)
}

func TestWindowSlides(t *testing.T) {
	mock := clock.NewMock()
	limiter := NewLimiter(mock, 2, time.Hour)

	limiter.Admit("client-a")
	mock.Add(30 * time.Minute)
	limiter.Admit("client-a")

	assert.False(t, limiter.Admit("client-a").Allowed)

	// the first request slides out of the window
	mock.Add(31 * time.Minute)
	d := limiter.Admit("client-a")
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestDenialsLeaveNoTrace(t *testing.T) {
	mock := clock.NewMock()
	limiter := NewLimiter(mock, 1, time.Hour)

	limiter.Admit("client-a")
	for i := 0; i < 10; i++ {
		assert.False(t, limiter.Admit("client-a").Allowed)
	}

	// only the single allowed request occupies the window
	mock.Add(time.Hour + time.Second)
	assert.True(t, limiter.Admit("client-a").Allowed)
}

func TestKeysAreIndependent(t *testing.T) {
	mock := clock.NewMock()
	limiter := NewLimiter(mock, 1, time.Hour)

	assert.True(t, limiter.Admit("client-a").Allowed)
	assert.False(t, limiter.Admit("client-a").Allowed)
	assert.True(t, limiter.Admit("client-b").Allowed)
}

func TestConcurrentAdmissionsRespectLimit(t *testing.T) {
	mock := clock.NewMock()
	limiter := NewLimiter(mock, 10, time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Admit("client-a").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}
