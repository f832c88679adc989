package model

import (
	"math"
	"time"
)

// Round is the audit record of one round attempt. A discarded attempt keeps
// its number; the retry is recorded with Attempt+1.
type Round struct {
	RunID         string        `json:"run_id"`
	Number        int           `json:"number"`
	Attempt       int           `json:"attempt"`
	State         RoundState    `json:"state"`
	Selector      string        `json:"selector"`
	Timeout       time.Duration `json:"timeout"`
	Deadline      time.Time     `json:"deadline"`
	Selected      []int         `json:"selected"`
	Completed     []int         `json:"completed"`
	Stragglers    []int         `json:"stragglers"`
	FailedReports []int         `json:"failed_reports,omitempty"`
	Outcome       string        `json:"outcome,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
}

// Round outcomes recorded in history.
const (
	OutcomeCompleted = "completed"
	OutcomeStraggler = "discarded_stragglers"
	OutcomeNoResults = "discarded_no_results"
)

// Assignment is what the coordinator sends to a selected client.
type Assignment struct {
	Round    int       `json:"round"`
	Attempt  int       `json:"attempt"`
	ClientID int       `json:"client_id"`
	ModelRef string    `json:"model_ref"`
	Deadline time.Time `json:"deadline"`
	Epochs   int       `json:"epochs"`
}

// Update is the opaque training result carried back from a client. Only the
// sample count and loss statistics are interpreted here (for utility).
type Update struct {
	NumSamples    int     `json:"num_samples"`
	LossSquareSum float64 `json:"loss_square_sum"`
	Payload       []byte  `json:"payload,omitempty"`
}

// Report is a client's answer to an Assignment.
type Report struct {
	Round    int     `json:"round"`
	Attempt  int     `json:"attempt"`
	ClientID int     `json:"client_id"`
	Success  bool    `json:"success"`
	Duration float64 `json:"duration"` // seconds
	Update   *Update `json:"update,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// ClientUpdate pairs a completed update with its origin.
type ClientUpdate struct {
	ClientID int     `json:"client_id"`
	Duration float64 `json:"duration"`
	Update   Update  `json:"update"`
}

// Utility is the statistical utility of an update: |B|·sqrt(Σloss²/|B|).
// Clients with more data and higher loss contribute more.
func (u Update) Utility() float64 {
	if u.NumSamples <= 0 || u.LossSquareSum <= 0 {
		return 0
	}
	n := float64(u.NumSamples)
	return n * math.Sqrt(u.LossSquareSum/n)
}
