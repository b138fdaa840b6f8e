package rategate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPerKeyLimiterAllowsUpToBurstThenBlocks(t *testing.T) {
	limiter := NewPerKeyLimiter(10, time.Minute, 3)

	require.True(t, limiter.Allow("alice"))
	require.True(t, limiter.Allow("alice"))
	require.True(t, limiter.Allow("alice"))
	require.False(t, limiter.Allow("alice"))
}

func TestPerKeyLimiterTracksKeysIndependently(t *testing.T) {
	limiter := NewPerKeyLimiter(10, time.Minute, 1)

	require.True(t, limiter.Allow("alice"))
	require.False(t, limiter.Allow("alice"))
	require.True(t, limiter.Allow("bob"))
}

func TestPerKeyLimiterZeroBurstAlwaysBlocks(t *testing.T) {
	limiter := NewPerKeyLimiter(1, time.Minute, 0)
	require.False(t, limiter.Allow("alice"))
}

func TestPerKeyLimiterEvictsIdleKeys(t *testing.T) {
	limiter := NewPerKeyLimiter(10, 10*time.Millisecond, 1)
	require.True(t, limiter.Allow("alice"))

	limiter.mu.Lock()
	limiter.limiters["alice"].lastUsed = time.Now().Add(-time.Hour)
	limiter.mu.Unlock()

	require.True(t, limiter.Allow("alice")) // evicted, so burst is available again
}
