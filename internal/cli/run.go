package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/me/flround/internal/config"
	"github.com/spf13/cobra"
)

// runFlags are the config keys that can be overridden on the command line.
type runFlags struct {
	values config.Config
}

// copyField copies one overridden value from the flag-bound config.
var copyField = map[string]func(dst, src *config.Config){
	"selector":             func(d, s *config.Config) { d.Selector = s.Selector },
	"time-mode":            func(d, s *config.Config) { d.TimeMode = s.TimeMode },
	"trace-distro":         func(d, s *config.Config) { d.TraceDistro = s.TraceDistro },
	"allow-failed-clients": func(d, s *config.Config) { d.AllowFailedClients = s.AllowFailedClients },
	"round-timeout":        func(d, s *config.Config) { d.RoundTimeout = s.RoundTimeout },
	"client-num-per-round": func(d, s *config.Config) { d.ClientNumPerRound = s.ClientNumPerRound },
	"client-num-in-total":  func(d, s *config.Config) { d.ClientNumInTotal = s.ClientNumInTotal },
	"comm-round":           func(d, s *config.Config) { d.CommRound = s.CommRound },
	"epochs":               func(d, s *config.Config) { d.Epochs = s.Epochs },
	"seed":                 func(d, s *config.Config) { d.Seed = s.Seed },
	"checkpoints":          func(d, s *config.Config) { d.Checkpoints = s.Checkpoints },
	"resume-dir":           func(d, s *config.Config) { d.ResumeDir = s.ResumeDir },
	"output-dir":           func(d, s *config.Config) { d.OutputDir = s.OutputDir },
	"checkpoint-backend":   func(d, s *config.Config) { d.CheckpointBackend = s.CheckpointBackend },
	"redis-addr":           func(d, s *config.Config) { d.RedisAddr = s.RedisAddr },
	"score-method":         func(d, s *config.Config) { d.ScoreMethod = s.ScoreMethod },
	"score-expr":           func(d, s *config.Config) { d.ScoreExpr = s.ScoreExpr },
	"addr":                 func(d, s *config.Config) { d.Addr = s.Addr },
}

func (f *runFlags) bind(cmd *cobra.Command) {
	f.values = config.Default()
	v := &f.values
	fs := cmd.Flags()
	fs.StringVar(&v.Selector, "selector", v.Selector, "Client selector (random, fedcs, tifl, tiflx, mda, oort)")
	fs.StringVar(&v.TimeMode, "time-mode", v.TimeMode, "Time mode (none, simulated)")
	fs.StringVar(&v.TraceDistro, "trace-distro", v.TraceDistro, "Simulated availability traces (random, high_avail, low_avail, average)")
	fs.StringVar(&v.AllowFailedClients, "allow-failed-clients", v.AllowFailedClients, "Close rounds with stragglers (yes, no)")
	fs.IntVar(&v.RoundTimeout, "round-timeout", v.RoundTimeout, "Round timeout in seconds")
	fs.IntVar(&v.ClientNumPerRound, "client-num-per-round", v.ClientNumPerRound, "Clients selected per round")
	fs.IntVar(&v.ClientNumInTotal, "client-num-in-total", v.ClientNumInTotal, "Size of the simulated fleet")
	fs.IntVar(&v.CommRound, "comm-round", v.CommRound, "Rounds to run")
	fs.IntVar(&v.Epochs, "epochs", v.Epochs, "Local epochs per round")
	fs.Int64Var(&v.Seed, "seed", v.Seed, "Random seed")
	fs.IntSliceVar(&v.Checkpoints, "checkpoints", v.Checkpoints, "Rounds after which to checkpoint")
	fs.StringVar(&v.ResumeDir, "resume-dir", v.ResumeDir, "Directory to resume from (none disables)")
	fs.StringVar(&v.OutputDir, "output-dir", v.OutputDir, "Directory for checkpoints and history")
	fs.StringVar(&v.CheckpointBackend, "checkpoint-backend", v.CheckpointBackend, "Checkpoint backend (sqlite, redis, memory)")
	fs.StringVar(&v.RedisAddr, "redis-addr", v.RedisAddr, "Redis address for the redis backend")
	fs.StringVar(&v.ScoreMethod, "score-method", v.ScoreMethod, "Score combination (add, mul, expr)")
	fs.StringVar(&v.ScoreExpr, "score-expr", v.ScoreExpr, "JavaScript expression over util and sys for score-method=expr")
	fs.StringVar(&v.Addr, "addr", v.Addr, "API listen address")
}

// apply copies every flag that was set explicitly onto dst.
func (f *runFlags) apply(cmd *cobra.Command, dst *config.Config) {
	for name, copyFn := range copyField {
		if cmd.Flags().Changed(name) {
			copyFn(dst, &f.values)
		}
	}
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run comm_round federated rounds and exit",
		Long: `Runs the round loop until comm_round rounds have been reconciled.
In simulated time mode the fleet is replayed from availability traces and no
listener is opened; otherwise the client API is served for the duration of the
run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(cmd, &cfg)
			return runCoordinator(cmd.Context(), false)
		},
	}
	flags.bind(cmd)
	return cmd
}

func newServeCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the round loop and keep serving the API afterwards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(cmd, &cfg)
			return runCoordinator(cmd.Context(), true)
		},
	}
	flags.bind(cmd)
	return cmd
}

func runCoordinator(parent context.Context, keepServing bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if dump, err := cfg.Marshal(); err == nil {
		logger.Info("effective configuration\n" + string(dump))
	}
	return app.Run(ctx, keepServing)
}
