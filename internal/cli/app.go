package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/me/flround/internal/aggregate"
	"github.com/me/flround/internal/config"
	"github.com/me/flround/internal/dispatch"
	"github.com/me/flround/internal/metrics"
	"github.com/me/flround/internal/oracle"
	"github.com/me/flround/internal/orchestrator"
	"github.com/me/flround/internal/registry"
	"github.com/me/flround/internal/selector"
	"github.com/me/flround/internal/server"
	"github.com/me/flround/internal/store"
	"github.com/me/flround/pkg/model"
)

// App is a fully wired coordinator: store, registry, round loop and API.
type App struct {
	Config       config.Config
	Store        store.Store
	Registry     *registry.Registry
	Orchestrator *orchestrator.Orchestrator
	Aggregator   *aggregate.Recorder
	Metrics      *metrics.Collector
	Server       *server.Server

	logger *slog.Logger
}

// Build validates cfg and wires every component. In simulated time mode
// the fleet is generated from the trace oracle; otherwise clients join
// through the API. With resume_dir set, state is restored from the latest
// checkpoint found there.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	reg := registry.New(registry.PolicyFromConfig(cfg), logger)
	m := metrics.NewCollector(true)

	var (
		clk     oracle.Clock
		orc     oracle.Oracle
		disp    dispatch.Dispatcher
		srvOpts []server.Option
	)
	if cfg.Simulated() {
		sim := oracle.NewSimulated(cfg.Seed, model.TraceDistro(cfg.TraceDistro), cfg.Epochs)
		simClock := oracle.NewSimClock()
		for _, c := range sim.Fleet(cfg.ClientNumInTotal) {
			reg.Register(c)
		}
		clk, orc = simClock, sim
		disp = dispatch.NewFleet(reg, sim, simClock, dispatch.FleetConfig{Seed: cfg.Seed, Epochs: cfg.Epochs}, logger)
		logger.Info("simulated fleet generated", "clients", reg.Len(), "trace_distro", cfg.TraceDistro)
	} else {
		live := oracle.NewLive(cfg.LivenessWindow, cfg.Epochs)
		remote := dispatch.NewRemote(logger)
		clk, orc, disp = oracle.WallClock{}, live, remote
		srvOpts = append(srvOpts, server.WithLiveClients(live, remote), server.WithClock(clk))
	}

	strategy, err := selector.New(cfg, orc, clk)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("selector: %w", err)
	}

	agg := aggregate.NewRecorder(logger)
	o, err := orchestrator.New(orchestrator.Deps{
		Config:     cfg,
		Registry:   reg,
		Oracle:     orc,
		Clock:      clk,
		Strategy:   strategy,
		Dispatcher: disp,
		Aggregator: agg,
		Store:      st,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	if cfg.Resume() {
		if err := resume(ctx, o, cfg, logger); err != nil {
			st.Close()
			return nil, err
		}
	}

	srvOpts = append(srvOpts, server.WithMetrics(m), server.WithStatus(o))
	return &App{
		Config:       cfg,
		Store:        st,
		Registry:     reg,
		Orchestrator: o,
		Aggregator:   agg,
		Metrics:      m,
		Server:       server.New(cfg, reg, st, logger, srvOpts...),
		logger:       logger,
	}, nil
}

// openStore opens the checkpoint and history backend under output_dir.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.CheckpointBackend == store.BackendSQLite {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir %s: %w", cfg.OutputDir, err)
		}
	}
	st, err := store.Open(ctx, store.Options{
		Backend:   cfg.CheckpointBackend,
		Dir:       cfg.OutputDir,
		RedisAddr: cfg.RedisAddr,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.CheckpointBackend, err)
	}
	return st, nil
}

// resume restores o from resume_dir. A SQLite resume directory is opened
// read-only so a bad path never creates an empty database.
func resume(ctx context.Context, o *orchestrator.Orchestrator, cfg config.Config, logger *slog.Logger) error {
	var (
		src store.Store
		err error
	)
	if cfg.CheckpointBackend == store.BackendSQLite {
		src, err = store.OpenSQLiteReadOnly(filepath.Join(cfg.ResumeDir, store.DBFile), logger)
	} else {
		src, err = store.Open(ctx, store.Options{
			Backend:   cfg.CheckpointBackend,
			Dir:       cfg.ResumeDir,
			RedisAddr: cfg.RedisAddr,
		}, logger)
	}
	if err != nil {
		return &model.ResumeCorruptionError{Reason: "open " + cfg.ResumeDir, Err: err}
	}
	defer src.Close()
	return o.Resume(ctx, src)
}

// Run drives the round loop to completion. The HTTP API is served while the
// loop runs when clients connect over the network, or always when keepServing
// is set; with keepServing the API stays up after the last round until ctx
// is cancelled. An interrupted run returns nil.
func (a *App) Run(ctx context.Context, keepServing bool) error {
	defer a.Store.Close()

	var httpServer *http.Server
	serveErr := make(chan error, 1)
	if keepServing || !a.Config.Simulated() {
		httpServer = &http.Server{
			Addr:              a.Config.Addr,
			Handler:           a.Server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("server starting", "addr", a.Config.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	loopDone := make(chan error, 1)
	go func() { loopDone <- a.Orchestrator.Start(ctx) }()

	var err error
	select {
	case err = <-loopDone:
	case err = <-serveErr:
		a.Orchestrator.Stop()
		err = fmt.Errorf("http server: %w", err)
	}

	switch {
	case err == nil:
		a.logger.Info("run complete",
			"run_id", a.Orchestrator.RunID(),
			"rounds", a.Orchestrator.Round(),
			"aggregated", a.Aggregator.Len(),
		)
	case errors.Is(err, context.Canceled):
		a.logger.Info("run interrupted", "run_id", a.Orchestrator.RunID(), "round", a.Orchestrator.Round())
		err = nil
	}

	if httpServer != nil {
		if keepServing && err == nil {
			select {
			case <-ctx.Done():
			case err = <-serveErr:
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
			a.logger.Error("shutdown error", "error", serr)
		}
		a.logger.Info("server stopped")
	}
	return err
}
