package model

import (
	"encoding/json"
	"time"
)

// CheckpointVersion is bumped whenever the blob layout changes.
const CheckpointVersion = 1

// Checkpoint is the resumable snapshot of a run: next round number, registry,
// selector state, random source and (in simulated mode) the logical clock.
type Checkpoint struct {
	Version   int             `json:"version"`
	RunID     string          `json:"run_id"`
	Round     int             `json:"round"`
	Selector  string          `json:"selector"`
	ClockTime time.Time       `json:"clock_time"`
	RNG       []byte          `json:"rng"`
	Clients   []Client        `json:"clients"`
	Strategy  json.RawMessage `json:"strategy,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
