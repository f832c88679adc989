package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/me/flround/pkg/model"
	"gopkg.in/yaml.v3"
)

// Selector names accepted by the selector option.
const (
	SelectorRandom = "random"
	SelectorFedCS  = "fedcs"
	SelectorTiFL   = "tifl"
	SelectorTiFLX  = "tiflx"
	SelectorMDA    = "mda"
	SelectorOort   = "oort"
)

// Config holds every knob of a coordinator run. Field names and defaults
// follow the FedML launcher flags this tool replaces.
type Config struct {
	// Round loop
	Selector           string `yaml:"selector"`             // random, fedcs, tifl, tiflx, mda, oort
	TimeMode           string `yaml:"time_mode"`            // none, simulated
	TraceDistro        string `yaml:"trace_distro"`         // random, high_avail, low_avail, average
	AllowFailedClients string `yaml:"allow_failed_clients"` // yes, no
	RoundTimeout       int    `yaml:"round_timeout"`        // seconds
	ClientNumPerRound  int    `yaml:"client_num_per_round"`
	ClientNumInTotal   int    `yaml:"client_num_in_total"`
	CommRound          int    `yaml:"comm_round"`
	Epochs             int    `yaml:"epochs"`
	Seed               int64  `yaml:"seed"`
	ModelRef           string `yaml:"model_ref"`

	// Checkpointing
	Checkpoints       []int         `yaml:"checkpoints"`
	ResumeDir         string        `yaml:"resume_dir"` // "none" disables resume
	OutputDir         string        `yaml:"output_dir"`
	CheckpointBackend string        `yaml:"checkpoint_backend"` // sqlite, redis, memory
	RedisAddr         string        `yaml:"redis_addr"`
	CheckpointTimeout time.Duration `yaml:"checkpoint_timeout"`

	// Retry behaviour
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`

	// Scoring
	ScoreMethod string  `yaml:"score_method"` // add, mul, expr
	ScoreExpr   string  `yaml:"score_expr"`
	MDAMethod   string  `yaml:"mda_method"` // avail, mix
	MDAWindow   float64 `yaml:"mda_window"` // seconds of trace considered for density
	FedCSTime   int     `yaml:"fedcs_time"` // seconds
	TiFLMode    string  `yaml:"tifl_mode"`  // prob, credit
	TiFLTiers   int     `yaml:"tifl_tiers"`
	TiFLCredits int     `yaml:"tifl_credits"`

	// Oort
	PacerDelta        float64 `yaml:"pacer_delta"`
	RoundThreshold    float64 `yaml:"round_threshold"`
	ExplorationAlpha  float64 `yaml:"exploration_alpha"`
	ExplorationMin    float64 `yaml:"exploration_min"`
	ExplorationFactor float64 `yaml:"exploration_factor"`
	ExplorationDecay  float64 `yaml:"exploration_decay"`
	BlacklistMaxLen   float64 `yaml:"blacklist_max_len"`
	BlacklistRounds   int     `yaml:"blacklist_rounds"`
	RoundPenalty      float64 `yaml:"round_penalty"`
	PacerStep         int     `yaml:"pacer_step"`
	CutOffUtil        float64 `yaml:"cut_off_util"`
	ClipBound         float64 `yaml:"clip_bound"`
	SampleWindow      float64 `yaml:"sample_window"`
	UtilitySmoothing  float64 `yaml:"utility_smoothing"`

	// Serving (real time mode)
	Addr           string        `yaml:"addr"`
	LivenessWindow time.Duration `yaml:"liveness_window"`
	ClientRPS      float64       `yaml:"client_rps"`

	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// Default returns the launcher defaults.
func Default() Config {
	return Config{
		Selector:           SelectorRandom,
		TimeMode:           string(model.TimeModeNone),
		TraceDistro:        string(model.TraceRandom),
		AllowFailedClients: "no",
		RoundTimeout:       180,
		ClientNumPerRound:  4,
		ClientNumInTotal:   1000,
		CommRound:          10,
		Epochs:             5,
		ModelRef:           "global-model",

		ResumeDir:         "none",
		OutputDir:         "./",
		CheckpointBackend: "sqlite",
		RedisAddr:         "localhost:6379",
		CheckpointTimeout: 10 * time.Second,

		RetryBackoff:    time.Second,
		MaxRetryBackoff: 30 * time.Second,

		ScoreMethod: "add",
		MDAMethod:   "avail",
		MDAWindow:   3600,
		FedCSTime:   65,
		TiFLMode:    "prob",
		TiFLTiers:   5,
		TiFLCredits: 10,

		PacerDelta:        5,
		RoundThreshold:    30,
		ExplorationAlpha:  0.3,
		ExplorationMin:    0.3,
		ExplorationFactor: 0.9,
		ExplorationDecay:  0.98,
		BlacklistMaxLen:   0.3,
		BlacklistRounds:   -1,
		RoundPenalty:      2.0,
		PacerStep:         20,
		CutOffUtil:        0.05,
		ClipBound:         0.9,
		SampleWindow:      5.0,
		UtilitySmoothing:  0.5,

		Addr:           ":8080",
		LivenessWindow: 30 * time.Second,
		ClientRPS:      20,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()
	if err := Decode(f, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode applies YAML from r onto cfg.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		ce := &model.ConfigurationError{}
		ce.Add("yaml", err.Error())
		return ce
	}
	return nil
}

// Marshal renders the effective configuration (used for the startup dump).
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), enc.Close()
}

// AllowFailed reports whether rounds may close with stragglers.
func (c Config) AllowFailed() bool {
	return c.AllowFailedClients == "yes"
}

// Simulated reports whether the logical clock and trace replay are used.
func (c Config) Simulated() bool {
	return c.TimeMode == string(model.TimeModeSimulated)
}

// Resume reports whether a resume directory was given.
func (c Config) Resume() bool {
	return c.ResumeDir != "" && c.ResumeDir != "none"
}

// Timeout returns RoundTimeout as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.RoundTimeout) * time.Second
}

// IsCheckpointRound reports whether round is listed in Checkpoints.
func (c Config) IsCheckpointRound(round int) bool {
	_, ok := slices.BinarySearch(c.Checkpoints, round)
	return ok
}

// Normalize sorts and de-duplicates the checkpoint list.
func (c *Config) Normalize() {
	slices.Sort(c.Checkpoints)
	c.Checkpoints = slices.Compact(c.Checkpoints)
}

// Validate checks every field and returns all problems at once.
func (c *Config) Validate() error {
	c.Normalize()
	e := &model.ConfigurationError{}

	oneOf := func(field, v string, allowed ...string) {
		if !slices.Contains(allowed, v) {
			e.Add(field, fmt.Sprintf("%q is not one of %v", v, allowed))
		}
	}
	positive := func(field string, v float64) {
		if v <= 0 {
			e.Add(field, "must be positive")
		}
	}
	within := func(field string, v, lo, hi float64) {
		if v < lo || v > hi {
			e.Add(field, fmt.Sprintf("must be within [%g, %g]", lo, hi))
		}
	}

	oneOf("selector", c.Selector, SelectorRandom, SelectorFedCS, SelectorTiFL, SelectorTiFLX, SelectorMDA, SelectorOort)
	oneOf("time_mode", c.TimeMode, string(model.TimeModeNone), string(model.TimeModeSimulated))
	oneOf("trace_distro", c.TraceDistro, string(model.TraceRandom), string(model.TraceHighAvail), string(model.TraceLowAvail), string(model.TraceAverage))
	oneOf("allow_failed_clients", c.AllowFailedClients, "yes", "no")
	oneOf("score_method", c.ScoreMethod, "add", "mul", "expr")
	oneOf("mda_method", c.MDAMethod, "avail", "mix")
	oneOf("tifl_mode", c.TiFLMode, "prob", "credit")
	oneOf("checkpoint_backend", c.CheckpointBackend, "sqlite", "redis", "memory")
	oneOf("log_format", c.LogFormat, "text", "json")

	positive("round_timeout", float64(c.RoundTimeout))
	positive("client_num_per_round", float64(c.ClientNumPerRound))
	positive("client_num_in_total", float64(c.ClientNumInTotal))
	if c.ClientNumPerRound > c.ClientNumInTotal {
		e.Add("client_num_per_round", "must not exceed client_num_in_total")
	}
	positive("comm_round", float64(c.CommRound))
	positive("epochs", float64(c.Epochs))
	for _, r := range c.Checkpoints {
		if r < 0 {
			e.Add("checkpoints", fmt.Sprintf("round %d is negative", r))
		}
	}
	if c.ScoreMethod == "expr" && c.ScoreExpr == "" {
		e.Add("score_expr", "required when score_method is expr")
	}
	positive("mda_window", c.MDAWindow)
	positive("fedcs_time", float64(c.FedCSTime))
	positive("tifl_tiers", float64(c.TiFLTiers))
	positive("tifl_credits", float64(c.TiFLCredits))

	within("pacer_delta", c.PacerDelta, 0, 100)
	within("round_threshold", c.RoundThreshold, 1e-9, 100)
	within("exploration_alpha", c.ExplorationAlpha, 0, 1)
	within("exploration_min", c.ExplorationMin, 0, 1)
	within("exploration_factor", c.ExplorationFactor, 0, 1)
	within("exploration_decay", c.ExplorationDecay, 1e-9, 1)
	within("blacklist_max_len", c.BlacklistMaxLen, 0, 1)
	within("cut_off_util", c.CutOffUtil, 0, 0.999)
	within("clip_bound", c.ClipBound, 1e-9, 1)
	within("utility_smoothing", c.UtilitySmoothing, 1e-9, 1)
	if c.SampleWindow < 1 {
		e.Add("sample_window", "must be at least 1")
	}
	positive("pacer_step", float64(c.PacerStep))
	if c.RoundPenalty < 0 {
		e.Add("round_penalty", "must not be negative")
	}
	if (c.Selector == SelectorTiFL || c.Selector == SelectorTiFLX) && c.RoundPenalty <= 0 {
		e.Add("round_penalty", "must be positive for tiered selection")
	}

	positive("checkpoint_timeout", float64(c.CheckpointTimeout))
	positive("retry_backoff", float64(c.RetryBackoff))
	if c.MaxRetryBackoff < c.RetryBackoff {
		e.Add("max_retry_backoff", "must be at least retry_backoff")
	}
	if c.CheckpointBackend == "redis" && c.RedisAddr == "" {
		e.Add("redis_addr", "required for the redis backend")
	}
	if !c.Simulated() {
		positive("liveness_window", float64(c.LivenessWindow))
	}
	if c.ClientRPS < 0 {
		e.Add("client_rps", "must not be negative")
	}

	if len(e.Fields) > 0 {
		return e
	}
	return nil
}
