package remote

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func maxInWindow(times []time.Time, window time.Duration) int {
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	best := 0
	j := 0
	for i := range times {
		for times[i].Sub(times[j]) >= window {
			j++
		}
		if n := i - j + 1; n > best {
			best = n
		}
	}
	return best
}

func TestRateGateNeverExceedsCeilingPerRollingMinute(t *testing.T) {
	gate := NewRateGate(300)
	lim := gate.limiter(testOrg)
	start := time.Now()
	acts := make([]time.Time, 0, 1200)
	for i := 0; i < 1200; i++ {
		r := lim.ReserveN(start, 1)
		require.True(t, r.OK())
		acts = append(acts, start.Add(r.DelayFrom(start)))
	}
	assert.LessOrEqual(t, maxInWindow(acts, time.Minute-time.Millisecond), 300)
	assert.GreaterOrEqual(t, acts[len(acts)-1].Sub(start), 239*time.Second)
}

func TestRateGateIsPerOrganization(t *testing.T) {
	gate := NewRateGate(60)
	assert.NotSame(t, gate.limiter(testOrg), gate.limiter("6be3e51ad63c11e9bc1801fe680446ed"))
	assert.Same(t, gate.limiter(testOrg), gate.limiter(testOrg))
}

func TestRateGateSpacesRealRequests(t *testing.T) {
	gate := NewRateGate(1200)
	ctx := context.Background()
	started := time.Now()
	for i := 0; i < 11; i++ {
		require.NoError(t, gate.Wait(ctx, testOrg))
	}
	assert.GreaterOrEqual(t, time.Since(started), 450*time.Millisecond)
}

func TestRateGatePenalizeDelaysWaiters(t *testing.T) {
	gate := NewRateGate(6000)
	gate.Penalize(testOrg, 150*time.Millisecond)
	started := time.Now()
	require.NoError(t, gate.Wait(context.Background(), testOrg))
	assert.GreaterOrEqual(t, time.Since(started), 100*time.Millisecond)
}

func TestRateGateWaitHonorsContext(t *testing.T) {
	gate := NewRateGate(1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, gate.Wait(ctx, testOrg))
	cancel()
	assert.Error(t, gate.Wait(ctx, testOrg))
}

func TestRateGateWaitStopsWhenTokenMissesDeadline(t *testing.T) {
	gate := NewRateGate(60)
	require.NoError(t, gate.Wait(context.Background(), testOrg))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	started := time.Now()
	err := gate.Wait(ctx, testOrg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 500*time.Millisecond)
}
