package oracle

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/me/flround/pkg/model"
)

// Profile parameterises an alternating on/off availability trace. Interval
// lengths are exponentially distributed with the given means (seconds).
type Profile struct {
	Name    model.TraceDistro
	MeanOn  float64
	MeanOff float64
}

// Uptime is the long-run fraction of time online.
func (p Profile) Uptime() float64 {
	return p.MeanOn / (p.MeanOn + p.MeanOff)
}

// Profiles are the concrete trace distributions; "random" picks one of
// them per client.
var Profiles = map[model.TraceDistro]Profile{
	model.TraceHighAvail: {Name: model.TraceHighAvail, MeanOn: 7200, MeanOff: 600},
	model.TraceLowAvail:  {Name: model.TraceLowAvail, MeanOn: 900, MeanOff: 3600},
	model.TraceAverage:   {Name: model.TraceAverage, MeanOn: 1800, MeanOff: 1800},
}

var randomChoices = []model.TraceDistro{model.TraceHighAvail, model.TraceLowAvail, model.TraceAverage}

// rng streams derived per client; keeping them apart means the trace of a
// client does not depend on how many profile draws happened before it.
const (
	streamTrace uint64 = iota
	streamProfile
	streamFleet
)

type interval struct {
	start, end float64
}

type trace struct {
	rng       *rand.Rand
	profile   Profile
	online    []interval
	horizon   float64
	upAtHoriz bool
}

// extend generates intervals until the trace covers t.
func (tr *trace) extend(t float64) {
	for tr.horizon <= t {
		mean := tr.profile.MeanOff
		if tr.upAtHoriz {
			mean = tr.profile.MeanOn
		}
		length := tr.rng.ExpFloat64() * mean
		if length < 1 {
			length = 1
		}
		if tr.upAtHoriz {
			tr.online = append(tr.online, interval{tr.horizon, tr.horizon + length})
		}
		tr.horizon += length
		tr.upAtHoriz = !tr.upAtHoriz
	}
}

// onlineSeconds returns how long the client is online within [from, to].
func (tr *trace) onlineSeconds(from, to float64) float64 {
	tr.extend(to)
	var total float64
	for _, iv := range tr.online {
		if iv.start >= to {
			break
		}
		lo, hi := max(iv.start, from), min(iv.end, to)
		if hi > lo {
			total += hi - lo
		}
	}
	return total
}

func (tr *trace) covering(t float64) (interval, bool) {
	tr.extend(t)
	for _, iv := range tr.online {
		if iv.start > t {
			break
		}
		if t < iv.end {
			return iv, true
		}
	}
	return interval{}, false
}

// Simulated replays seeded synthetic traces. Each client's trace depends only
// on (seed, client id), and is generated lazily, so it is identical across a
// checkpoint and resume.
type Simulated struct {
	seed   int64
	distro model.TraceDistro
	epochs int
	start  time.Time

	mu     sync.Mutex
	traces map[int]*trace
}

// NewSimulated creates an oracle whose time origin is SimEpoch.
func NewSimulated(seed int64, distro model.TraceDistro, epochs int) *Simulated {
	return &Simulated{
		seed:   seed,
		distro: distro,
		epochs: epochs,
		start:  SimEpoch,
		traces: make(map[int]*trace),
	}
}

func (s *Simulated) rng(id int, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(s.seed), uint64(id)<<2|stream))
}

// ProfileFor returns the trace distribution assigned to a client.
func (s *Simulated) ProfileFor(id int) Profile {
	if p, ok := Profiles[s.distro]; ok {
		return p
	}
	r := s.rng(id, streamProfile)
	return Profiles[randomChoices[r.IntN(len(randomChoices))]]
}

func (s *Simulated) traceLocked(id int) *trace {
	if tr, ok := s.traces[id]; ok {
		return tr
	}
	p := s.ProfileFor(id)
	tr := &trace{rng: s.rng(id, streamTrace), profile: p}
	tr.upAtHoriz = tr.rng.Float64() < p.Uptime()
	s.traces[id] = tr
	return tr
}

func (s *Simulated) offset(at time.Time) float64 {
	return max(at.Sub(s.start).Seconds(), 0)
}

func (s *Simulated) DurationEstimate(c model.Client, _ time.Time) float64 {
	return durationEstimate(c, s.epochs)
}

func (s *Simulated) IsReachable(c model.Client, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.traceLocked(c.ID).covering(s.offset(at))
	return ok
}

func (s *Simulated) Density(c model.Client, from time.Time, window time.Duration) float64 {
	w := window.Seconds()
	if w <= 0 {
		if s.IsReachable(c, from) {
			return 1
		}
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.offset(from)
	return s.traceLocked(c.ID).onlineSeconds(t, t+w) / w
}

// OnlineThrough reports whether the client stays online for the whole of
// [at, at+d]. A client that drops out part way cannot deliver its update.
func (s *Simulated) OnlineThrough(c model.Client, at time.Time, d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.offset(at)
	iv, ok := s.traceLocked(c.ID).covering(t)
	return ok && iv.end >= t+d.Seconds()
}

// Fleet generates n synthetic client profiles with ids 0..n-1. Speeds and
// sample counts are log-normal and deterministic in (seed, id).
func (s *Simulated) Fleet(n int) []model.Client {
	out := make([]model.Client, n)
	for id := range n {
		r := s.rng(id, streamFleet)
		speed := math.Exp(math.Log(6) + 0.5*r.NormFloat64())
		samples := int(math.Exp(math.Log(500) + 0.8*r.NormFloat64()))
		out[id] = model.Client{
			ID:      id,
			Speed:   math.Round(speed*100) / 100,
			Samples: max(samples, 10),
			Profile: s.ProfileFor(id).Name,
		}
	}
	return out
}
