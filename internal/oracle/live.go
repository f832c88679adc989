package oracle

import (
	"sync"
	"time"

	"github.com/me/flround/pkg/model"
)

// Live tracks reachability from client heartbeats. A client is reachable if
// it has been heard from within the liveness window.
type Live struct {
	window time.Duration
	epochs int

	mu    sync.RWMutex
	first map[int]time.Time
	last  map[int]time.Time
	beats map[int]int
}

// NewLive creates a heartbeat-backed oracle.
func NewLive(window time.Duration, epochs int) *Live {
	return &Live{
		window: window,
		epochs: epochs,
		first:  make(map[int]time.Time),
		last:   make(map[int]time.Time),
		beats:  make(map[int]int),
	}
}

// Heartbeat records that client id was alive at at.
func (l *Live) Heartbeat(id int, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.first[id]; !ok {
		l.first[id] = at
	}
	if at.After(l.last[id]) {
		l.last[id] = at
	}
	l.beats[id]++
}

// LastSeen returns the latest heartbeat of a client.
func (l *Live) LastSeen(id int) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.last[id]
	return t, ok
}

func (l *Live) DurationEstimate(c model.Client, _ time.Time) float64 {
	return durationEstimate(c, l.epochs)
}

func (l *Live) IsReachable(c model.Client, at time.Time) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	last, ok := l.last[c.ID]
	return ok && at.Sub(last) <= l.window
}

// Density is estimated from the past: heartbeats received since the client
// first appeared against the number expected at one per liveness window.
// The window argument is ignored; live traces cannot be predicted.
func (l *Live) Density(c model.Client, at time.Time, _ time.Duration) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	first, ok := l.first[c.ID]
	if !ok {
		return 0
	}
	elapsed := at.Sub(first)
	if elapsed < l.window {
		if at.Sub(l.last[c.ID]) <= l.window {
			return 1
		}
		return 0
	}
	expected := float64(elapsed) / float64(l.window)
	return min(float64(l.beats[c.ID])/expected, 1)
}
