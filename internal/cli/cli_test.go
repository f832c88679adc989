package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/me/flround/internal/config"
	"github.com/me/flround/internal/logging"
	"github.com/me/flround/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))

	err := root.Execute()
	return out.String(), err
}

// simConfig is a small simulated run that completes every round.
func simConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.TimeMode = string(model.TimeModeSimulated)
	cfg.TraceDistro = string(model.TraceHighAvail)
	cfg.AllowFailedClients = "yes"
	cfg.RoundTimeout = 600
	cfg.ClientNumInTotal = 20
	cfg.ClientNumPerRound = 4
	cfg.CommRound = 3
	cfg.Seed = 11
	cfg.OutputDir = t.TempDir()
	return cfg
}

func TestConfigCommand_PrintsEffectiveConfig(t *testing.T) {
	out, err := runCLI(t, "config", "--selector", "oort", "--checkpoints", "4,2")
	require.NoError(t, err)
	assert.Contains(t, out, "selector: oort")
	assert.Contains(t, out, "round_timeout: 180")
	assert.Contains(t, out, "- 2\n")
}

func TestConfigCommand_FileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flround.yaml")
	require.NoError(t, os.WriteFile(path, []byte("comm_round: 3\nselector: mda\n"), 0o644))

	out, err := runCLI(t, "--config", path, "config", "--comm-round", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "selector: mda", "file value kept")
	assert.Contains(t, out, "comm_round: 7", "flag overrides file")
}

func TestConfigCommand_Invalid(t *testing.T) {
	_, err := runCLI(t, "config", "--selector", "greedy")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrConfiguration), "got %v", err)
}

func TestBuild_SimulatedRunCompletes(t *testing.T) {
	cfg := simConfig(t)
	cfg.CheckpointBackend = "memory"

	app, err := Build(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 20, app.Registry.Len())

	require.NoError(t, app.Run(context.Background(), false))
	assert.Equal(t, 3, app.Orchestrator.Round())
	assert.Equal(t, 3, app.Aggregator.Len())

	q := model.DefaultRoundQuery()
	q.RunID = app.Orchestrator.RunID()
	q.State = model.RoundStateReconciled
	rounds, total, err := app.Store.ListRounds(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, rounds[0].Number)
}

func TestBuild_InvalidConfig(t *testing.T) {
	cfg := simConfig(t)
	cfg.CommRound = 0
	_, err := Build(context.Background(), cfg, logging.Discard())
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestBuild_CheckpointThenResume(t *testing.T) {
	ctx := context.Background()
	cfg := simConfig(t)
	cfg.Selector = config.SelectorOort
	cfg.CommRound = 2
	cfg.Checkpoints = []int{1}

	first, err := Build(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	runID := first.Orchestrator.RunID()
	require.NoError(t, first.Run(ctx, false))

	resumed := simConfig(t)
	resumed.Selector = config.SelectorOort
	resumed.CommRound = 4
	resumed.ResumeDir = cfg.OutputDir

	second, err := Build(ctx, resumed, logging.Discard())
	require.NoError(t, err)
	defer second.Store.Close()
	assert.Equal(t, runID, second.Orchestrator.RunID())
	assert.Equal(t, 2, second.Orchestrator.Round(), "checkpoint after round 1 resumes at round 2")
}

// Two runs sharing one output directory: resuming from it continues the run
// that checkpointed last, not the one with the highest round.
func TestBuild_ResumeSharedDirPicksLatestRun(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	runInDir := func(commRound, checkpoint int) string {
		cfg := simConfig(t)
		cfg.OutputDir = dir
		cfg.CommRound = commRound
		cfg.Checkpoints = []int{checkpoint}
		app, err := Build(ctx, cfg, logging.Discard())
		require.NoError(t, err)
		require.NoError(t, app.Run(ctx, false))
		return app.Orchestrator.RunID()
	}
	runA := runInDir(9, 8)
	runB := runInDir(4, 3)
	require.NotEqual(t, runA, runB)

	resumed := simConfig(t)
	resumed.CommRound = 6
	resumed.ResumeDir = dir
	app, err := Build(ctx, resumed, logging.Discard())
	require.NoError(t, err)
	defer app.Store.Close()
	assert.Equal(t, runB, app.Orchestrator.RunID())
	assert.Equal(t, 4, app.Orchestrator.Round())
}

func TestBuild_ResumeWithoutCheckpoint(t *testing.T) {
	cfg := simConfig(t)
	cfg.ResumeDir = t.TempDir()

	_, err := Build(context.Background(), cfg, logging.Discard())
	require.Error(t, err)
	assert.True(t, model.IsFatal(err))
	assert.ErrorIs(t, err, model.ErrResumeCorruption)
}

func TestStatusAndRoundsCommands(t *testing.T) {
	cfg := simConfig(t)
	cfg.CheckpointBackend = "memory"
	cfg.Selector = config.SelectorOort

	app, err := Build(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, app.Run(context.Background(), false))

	ts := httptest.NewServer(app.Server)
	t.Cleanup(ts.Close)

	out, err := runCLI(t, "--server", ts.URL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, app.Orchestrator.RunID())
	assert.Contains(t, out, "Round:     3/3")
	assert.Contains(t, out, "Phase:     done")
	assert.Contains(t, out, "Explore:")

	out, err = runCLI(t, "--server", ts.URL, "rounds", "--state", "RECONCILED", "--limit", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.True(t, strings.HasPrefix(lines[0], "ROUND"))
	assert.True(t, strings.HasPrefix(lines[1], "2 "), "newest first: %q", lines[1])
	assert.Contains(t, out, "(2 of 3 shown)")

	out, err = runCLI(t, "--server", ts.URL, "rounds", "--run-id", "nope")
	require.NoError(t, err)
	assert.Contains(t, out, "No rounds found.")
}

func TestStatusCommand_ServerError(t *testing.T) {
	_, err := runCLI(t, "--server", "http://127.0.0.1:1", "status")
	assert.Error(t, err)
}
