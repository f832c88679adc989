package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/flround/internal/client"
	"github.com/me/flround/internal/logging"
)

func main() {
	var cfg client.Config

	// Coordinator connection flags.
	flag.StringVar(&cfg.ServerURL, "server", "http://localhost:8080", "Coordinator API URL")
	flag.IntVar(&cfg.ID, "id", -1, "Client id (required, non-negative)")
	flag.DurationVar(&cfg.Poll, "poll", 2*time.Second, "Poll and heartbeat interval")

	// Simulated training flags.
	flag.Float64Var(&cfg.Speed, "speed", 6, "Seconds per local epoch")
	flag.IntVar(&cfg.Samples, "samples", 500, "Local training samples")
	flag.Float64Var(&cfg.TimeScale, "time-scale", 1, "Wall seconds per simulated training second (0 reports at once)")
	flag.Float64Var(&cfg.FailureRate, "failure-rate", 0, "Probability of reporting a failed round")
	flag.Uint64Var(&cfg.Seed, "seed", 0, "Random seed for loss and failures")

	// Logging flags.
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		*logLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(*logLevel), *logFormat)

	agent, err := client.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init client: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting client",
		"server", cfg.ServerURL,
		"id", cfg.ID,
		"speed", cfg.Speed,
		"samples", cfg.Samples,
		"poll", cfg.Poll,
	)

	if err := agent.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "client error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("client stopped")
}
