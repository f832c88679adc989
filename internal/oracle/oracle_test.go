package oracle

import (
	"testing"
	"time"

	"github.com/me/flround/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulated_DeterministicPerClient(t *testing.T) {
	a := NewSimulated(7, model.TraceRandom, 5)
	b := NewSimulated(7, model.TraceRandom, 5)
	c := model.Client{ID: 3}

	// Query b in a different order; traces must not depend on access order.
	b.IsReachable(model.Client{ID: 9}, SimEpoch.Add(10*time.Hour))

	for h := 0; h < 48; h++ {
		at := SimEpoch.Add(time.Duration(h) * 17 * time.Minute)
		require.Equal(t, a.IsReachable(c, at), b.IsReachable(c, at), "traces diverge at %v", at)
	}
	assert.Equal(t, a.ProfileFor(3), b.ProfileFor(3), "profile choice not deterministic")
}

func TestSimulated_DensityBounds(t *testing.T) {
	s := NewSimulated(0, model.TraceAverage, 5)
	for id := 0; id < 20; id++ {
		d := s.Density(model.Client{ID: id}, SimEpoch, time.Hour)
		assert.GreaterOrEqual(t, d, 0.0, "client %d", id)
		assert.LessOrEqual(t, d, 1.0, "client %d", id)
	}
}

func TestSimulated_ProfilesOrderByUptime(t *testing.T) {
	high := NewSimulated(1, model.TraceHighAvail, 5)
	low := NewSimulated(1, model.TraceLowAvail, 5)

	var hSum, lSum float64
	const n = 200
	for id := 0; id < n; id++ {
		c := model.Client{ID: id}
		hSum += high.Density(c, SimEpoch, 24*time.Hour)
		lSum += low.Density(c, SimEpoch, 24*time.Hour)
	}
	assert.Greater(t, hSum/n, lSum/n, "high_avail mean density above low_avail")
	assert.GreaterOrEqual(t, hSum/n, 0.75, "high_avail mean density near %.2f", Profiles[model.TraceHighAvail].Uptime())
}

func TestSimulated_OnlineThroughImpliesReachable(t *testing.T) {
	s := NewSimulated(3, model.TraceRandom, 5)
	for id := 0; id < 50; id++ {
		c := model.Client{ID: id}
		if s.OnlineThrough(c, SimEpoch, time.Minute) {
			require.True(t, s.IsReachable(c, SimEpoch), "client %d online through a window but not reachable at its start", id)
		}
	}
}

func TestSimulated_Fleet(t *testing.T) {
	s := NewSimulated(0, model.TraceRandom, 5)
	fleet := s.Fleet(100)
	again := NewSimulated(0, model.TraceRandom, 5).Fleet(100)
	require.Equal(t, again, fleet, "fleet not reproducible")
	for i, c := range fleet {
		require.Equal(t, i, c.ID)
		assert.Positive(t, c.Speed, "client %d", i)
		assert.GreaterOrEqual(t, c.Samples, 10, "client %d", i)
	}
}

func TestSimulated_DurationEstimate(t *testing.T) {
	s := NewSimulated(0, model.TraceAverage, 5)
	c := model.Client{ID: 1, Speed: 2}
	assert.Equal(t, 10.0, s.DurationEstimate(c, SimEpoch))
	c.ObservedDuration = 14
	assert.Equal(t, 14.0, s.DurationEstimate(c, SimEpoch))
}

func TestLive_ReachabilityWindow(t *testing.T) {
	l := NewLive(30*time.Second, 5)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := model.Client{ID: 4}

	require.False(t, l.IsReachable(c, now), "unknown client reported reachable")
	l.Heartbeat(4, now)
	assert.True(t, l.IsReachable(c, now.Add(20*time.Second)), "reachable within window")
	assert.False(t, l.IsReachable(c, now.Add(31*time.Second)), "unreachable after window")

	last, ok := l.LastSeen(4)
	require.True(t, ok)
	assert.True(t, last.Equal(now))
}

func TestLive_DensityFromHeartbeats(t *testing.T) {
	l := NewLive(10*time.Second, 5)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := model.Client{ID: 1}
	for i := 0; i < 5; i++ {
		l.Heartbeat(1, start.Add(time.Duration(i)*10*time.Second))
	}
	// 5 beats over 100s at one per 10s expected = 0.5.
	assert.Equal(t, 0.5, l.Density(c, start.Add(100*time.Second), 0))
	assert.Equal(t, 0.0, l.Density(model.Client{ID: 2}, start, 0))
}
