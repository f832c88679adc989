// Package registry holds the coordinator's per-client state: speed,
// utility, tier, credit and blacklist status.
//
// Existing records are only mutated by the orchestrator's reconciliation
// step; registration adds new clients at once but queues refreshes of known
// ones until then. Readers always receive copies, so a selector working on a
// pool can never observe a half-applied update.
package registry

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/me/flround/internal/config"
	"github.com/me/flround/pkg/model"
)

// Policy configures how outcomes update client records.
type Policy struct {
	// BlacklistRounds is the number of consecutive failures after which a
	// client is excluded. Negative disables exclusion (failures are still counted).
	BlacklistRounds int
	// BlacklistMaxLen caps the blacklisted share of the fleet (0..1). At
	// least one client can always be blacklisted; beyond the cap the oldest
	// entry is released.
	BlacklistMaxLen float64
	// Smoothing is the weight of a new utility observation.
	Smoothing float64
	// SampleWindow bounds RecentUtility.
	SampleWindow int
	// Epochs converts speed (s/epoch) to a round duration for tiering.
	Epochs int
}

// PolicyFromConfig maps configuration onto a Policy.
func PolicyFromConfig(cfg config.Config) Policy {
	return Policy{
		BlacklistRounds: cfg.BlacklistRounds,
		BlacklistMaxLen: cfg.BlacklistMaxLen,
		Smoothing:       cfg.UtilitySmoothing,
		SampleWindow:    int(math.Ceil(cfg.SampleWindow)),
		Epochs:          cfg.Epochs,
	}
}

// Outcome is the reconciled result of one selected client in one round.
type Outcome struct {
	ClientID int
	Round    int
	Success  bool
	Duration float64 // seconds, 0 when unknown
	Utility  float64
}

// Registry is the thread-safe client table.
type Registry struct {
	mu      sync.RWMutex
	clients map[int]*model.Client
	refresh map[int]model.Client // queued re-registrations
	seq     int                  // last BlacklistedSeq handed out
	policy  Policy
	logger  *slog.Logger
}

// New creates an empty Registry.
func New(policy Policy, logger *slog.Logger) *Registry {
	if policy.SampleWindow < 1 {
		policy.SampleWindow = 1
	}
	if policy.Epochs < 1 {
		policy.Epochs = 1
	}
	return &Registry{
		clients: make(map[int]*model.Client),
		refresh: make(map[int]model.Client),
		policy:  policy,
		logger:  logger.With("component", "registry"),
	}
}

// Register adds a client. Re-registering a known id queues a refresh of its
// speed and sample count, applied by ApplyRefreshes; its history is kept.
// Returns the stored copy and whether it was newly created.
func (r *Registry) Register(c model.Client) (model.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.clients[c.ID]; ok {
		if c.Speed > 0 || c.Samples > 0 {
			pending, queued := r.refresh[c.ID]
			if !queued {
				pending = model.Client{ID: c.ID}
			}
			if c.Speed > 0 {
				pending.Speed = c.Speed
			}
			if c.Samples > 0 {
				pending.Samples = c.Samples
			}
			r.refresh[c.ID] = pending
		}
		return existing.Clone(), false
	}

	rec := c.Clone()
	rec.LastRound = -1
	if rec.UtilityScore == 0 {
		// Unexplored clients are ranked by data size until they report.
		rec.UtilityScore = float64(rec.Samples)
	}
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = time.Now().UTC()
	}
	r.clients[rec.ID] = &rec
	r.logger.Debug("client registered", "client_id", rec.ID, "speed", rec.Speed, "samples", rec.Samples)
	return rec.Clone(), true
}

// ApplyRefreshes applies queued re-registrations and returns how many
// records changed. Called from reconciliation.
func (r *Registry) ApplyRefreshes() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, pending := range r.refresh {
		c, ok := r.clients[id]
		if !ok {
			continue
		}
		if pending.Speed > 0 {
			c.Speed = pending.Speed
		}
		if pending.Samples > 0 {
			c.Samples = pending.Samples
		}
		n++
	}
	clear(r.refresh)
	return n
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Get returns a copy of one record.
func (r *Registry) Get(id int) (model.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return model.Client{}, false
	}
	return c.Clone(), true
}

// List returns copies sorted by id. With eligible=true blacklisted clients
// are left out; eligible=false returns everything (diagnostics).
func (r *Registry) List(eligible bool) []model.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Client, 0, len(r.clients))
	for _, c := range r.clients {
		if eligible && c.Blacklisted {
			continue
		}
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b model.Client) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// BlacklistedCount returns how many clients are currently excluded.
func (r *Registry) BlacklistedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blacklistedLocked()
}

func (r *Registry) blacklistedLocked() int {
	n := 0
	for _, c := range r.clients {
		if c.Blacklisted {
			n++
		}
	}
	return n
}

// RecordOutcome applies one reconciled outcome. An unknown id is a
// programming error and panics.
func (r *Registry) RecordOutcome(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[o.ClientID]
	if !ok {
		panic(fmt.Sprintf("registry: outcome for unknown client %d", o.ClientID))
	}

	if o.Success {
		if c.Participations == 0 {
			c.UtilityScore = o.Utility
		} else {
			c.UtilityScore = (1-r.policy.Smoothing)*c.UtilityScore + r.policy.Smoothing*o.Utility
		}
		c.RecentUtility = append(c.RecentUtility, o.Utility)
		if over := len(c.RecentUtility) - r.policy.SampleWindow; over > 0 {
			c.RecentUtility = append([]float64(nil), c.RecentUtility[over:]...)
		}
		if o.Duration > 0 {
			if c.ObservedDuration == 0 {
				c.ObservedDuration = o.Duration
			} else {
				c.ObservedDuration = 0.5*c.ObservedDuration + 0.5*o.Duration
			}
		}
		c.Credit++
		c.Participations++
		c.LastRound = o.Round
		c.BlacklistCount = 0
		return
	}

	c.BlacklistCount++
	if c.Blacklisted || r.policy.BlacklistRounds < 0 {
		return
	}
	if c.BlacklistCount < max(r.policy.BlacklistRounds, 1) {
		return
	}
	r.seq++
	c.Blacklisted = true
	c.BlacklistedSeq = r.seq
	r.logger.Info("client blacklisted", "client_id", c.ID, "failures", c.BlacklistCount, "round", o.Round)
	r.enforceCapLocked()
}

// enforceCapLocked releases the longest-blacklisted clients until the
// blacklist fits blacklist_max_len of the fleet (at least one entry).
func (r *Registry) enforceCapLocked() {
	limit := max(int(math.Floor(r.policy.BlacklistMaxLen*float64(len(r.clients)))), 1)
	var listed []*model.Client
	for _, c := range r.clients {
		if c.Blacklisted {
			listed = append(listed, c)
		}
	}
	if len(listed) <= limit {
		return
	}
	slices.SortFunc(listed, func(a, b *model.Client) int {
		if c := cmp.Compare(a.BlacklistedSeq, b.BlacklistedSeq); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	for _, c := range listed[:len(listed)-limit] {
		c.Blacklisted = false
		c.BlacklistedSeq = 0
		c.BlacklistCount = 0
		r.logger.Info("blacklist full, oldest entry released", "client_id", c.ID, "cap", limit)
	}
}

// Retier re-buckets clients into numTiers equal-size tiers by effective
// round duration; tier 0 is the fastest.
func (r *Registry) Retier(numTiers int) {
	if numTiers < 1 {
		numTiers = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := make([]*model.Client, 0, len(r.clients))
	for _, c := range r.clients {
		ordered = append(ordered, c)
	}
	epochs := r.policy.Epochs
	slices.SortFunc(ordered, func(a, b *model.Client) int {
		if c := cmp.Compare(a.EffectiveDuration(epochs), b.EffectiveDuration(epochs)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	n := len(ordered)
	for i, c := range ordered {
		c.Tier = i * numTiers / n
	}
}

// Snapshot returns copies of every record for checkpointing.
func (r *Registry) Snapshot() []model.Client {
	return r.List(false)
}

// Restore replaces the table with the given records.
func (r *Registry) Restore(clients []model.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = make(map[int]*model.Client, len(clients))
	r.seq = 0
	for _, c := range clients {
		rec := c.Clone()
		r.clients[rec.ID] = &rec
		r.seq = max(r.seq, rec.BlacklistedSeq)
	}
}
