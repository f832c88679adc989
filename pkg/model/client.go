package model

import "time"

// Client is the coordinator's record of one federated-learning participant.
// Records are owned by the registry; everything outside it works on copies.
type Client struct {
	ID               int         `json:"id"`
	Speed            float64     `json:"speed"` // seconds per local epoch
	Samples          int         `json:"samples"`
	Profile          TraceDistro `json:"profile,omitempty"`
	UtilityScore     float64     `json:"utility_score"`
	RecentUtility    []float64   `json:"recent_utility,omitempty"`
	Tier             int         `json:"tier"`
	Credit           int         `json:"credit"`
	BlacklistCount   int         `json:"blacklist_count"`
	Blacklisted      bool        `json:"blacklisted"`
	BlacklistedSeq   int         `json:"blacklisted_seq,omitempty"` // blacklisting order, 0 when eligible
	Participations   int         `json:"participations"`
	LastRound        int         `json:"last_round"`
	ObservedDuration float64     `json:"observed_duration,omitempty"`
	RegisteredAt     time.Time   `json:"registered_at"`
}

// Explored reports whether the client has ever completed a round.
func (c Client) Explored() bool {
	return c.Participations > 0
}

// EffectiveDuration returns the best known round duration for the client:
// the observed average when one exists, otherwise speed × epochs.
func (c Client) EffectiveDuration(epochs int) float64 {
	if c.ObservedDuration > 0 {
		return c.ObservedDuration
	}
	return c.Speed * float64(epochs)
}

// MeanRecentUtility averages the sliding utility window, falling back to
// the smoothed score when the window is empty.
func (c Client) MeanRecentUtility() float64 {
	if len(c.RecentUtility) == 0 {
		return c.UtilityScore
	}
	var sum float64
	for _, u := range c.RecentUtility {
		sum += u
	}
	return sum / float64(len(c.RecentUtility))
}

// Clone returns a deep copy safe to hand outside the registry.
func (c Client) Clone() Client {
	if c.RecentUtility != nil {
		c.RecentUtility = append([]float64(nil), c.RecentUtility...)
	}
	return c
}

// ClientIDs extracts IDs in order.
func ClientIDs(clients []Client) []int {
	ids := make([]int, len(clients))
	for i, c := range clients {
		ids[i] = c.ID
	}
	return ids
}
