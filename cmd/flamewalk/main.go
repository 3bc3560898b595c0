// Command flamewalk attaches in-kernel probes to a target process,
// unwinds its user-space call stacks from within the kernel-resident
// probe program, and emits folded-stack output suitable for flamegraph
// rendering.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tripwire/flamewalk/internal/config"
	"github.com/tripwire/flamewalk/internal/diag"
	"github.com/tripwire/flamewalk/internal/session"
)

var (
	flagPID              int
	flagProbes           []string
	flagMaxDepth         int
	flagMaxObjects       int
	flagMaxRowsPerObject int
	flagMaxStacks        int
	flagConfigPath       string
	flagDryRun           bool
	flagDiagPath         string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flamewalk [flags] -- <command> [args...]",
		Short: "Profile a process's user-space call stacks via in-kernel probes",
		Long: "flamewalk spawns (or attaches to, via --pid) a target process, installs the\n" +
			"configured probes, unwinds user-space call stacks in-kernel on each probe\n" +
			"hit, and writes folded-stack counts to standard output once the target\n" +
			"exits or the tool receives a termination signal.",
		Args: cobra.ArbitraryArgs,
		RunE: runProfile,
	}

	flags := cmd.Flags()
	flags.IntVar(&flagPID, "pid", 0, "attach to an already-running process instead of spawning one")
	flags.StringArrayVar(&flagProbes, "probe", nil, "probe spec to attach (repeatable); profile:hz:<N>, uprobe:<path>:<symbol>, kprobe:<function>, tracepoint:<category>:<name>")
	flags.IntVar(&flagMaxDepth, "max-depth", 0, "stack-sample capacity (default 127)")
	flags.IntVar(&flagMaxObjects, "max-objects", 0, "maximum distinct ELF objects tracked per session (default 256)")
	flags.IntVar(&flagMaxRowsPerObject, "max-rows-per-object", 0, "maximum compacted unwind rows per object (default 4096)")
	flags.IntVar(&flagMaxStacks, "max-stacks", 0, "maximum distinct stacks the aggregation map may hold (default 16384)")
	flags.StringVar(&flagConfigPath, "config", "", "path to a YAML session configuration file; flags override its values")
	flags.BoolVar(&flagDryRun, "dry-run", false, "validate the unwind pipeline without creating kernel maps or attaching probes")
	flags.StringVar(&flagDiagPath, "diag", "", "path to write the diagnostic JSON-line trail (default: discarded)")

	return cmd
}

func runProfile(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	diagLogger, err := openDiag()
	if err != nil {
		return err
	}
	defer diagLogger.Close()

	opts := []session.Option{
		session.WithDiag(diagLogger),
		session.WithOutput(os.Stdout),
		session.WithDryRun(flagDryRun),
	}
	if cfg.TargetPID == 0 {
		if len(args) == 0 {
			return fmt.Errorf("flamewalk: spawn mode requires a command after '--', or --pid to attach to a running process")
		}
		opts = append(opts, session.WithCommand(args[0], args[1:]))
	}

	sess := session.New(cfg, logger, opts...)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	sess.Wait(ctx)
	sess.Stop()
	defer sess.Close()

	return sess.Report(os.Stdout)
}

// buildConfig assembles the session configuration from --config (if
// given) overlaid with any flags the caller set, applies defaults, and
// validates the result.
func buildConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if flagConfigPath != "" {
		loaded, err := config.Load(flagConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if flagPID != 0 {
		cfg.TargetPID = flagPID
	}
	if len(flagProbes) > 0 {
		cfg.Probes = flagProbes
	}
	if flagMaxDepth != 0 {
		cfg.MaxDepth = flagMaxDepth
	}
	if flagMaxObjects != 0 {
		cfg.MaxObjects = flagMaxObjects
	}
	if flagMaxRowsPerObject != 0 {
		cfg.MaxRowsPerObject = flagMaxRowsPerObject
	}
	if flagMaxStacks != 0 {
		cfg.MaxStacks = flagMaxStacks
	}

	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("flamewalk: invalid configuration: %w", err)
	}
	return cfg, nil
}

func openDiag() (*diag.Logger, error) {
	if flagDiagPath == "" {
		return diag.New(io.Discard), nil
	}
	d, err := diag.Open(flagDiagPath)
	if err != nil {
		return nil, fmt.Errorf("flamewalk: open diagnostic log: %w", err)
	}
	return d, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
