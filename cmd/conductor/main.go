// Package main is the entry point for the conductor daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/livinlefevreloca/conductor/internal/config"
	"github.com/livinlefevreloca/conductor/internal/dispatch"
	"github.com/livinlefevreloca/conductor/internal/jobs"
	"github.com/livinlefevreloca/conductor/internal/ledger"
	"github.com/livinlefevreloca/conductor/internal/metrics"
	"github.com/livinlefevreloca/conductor/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

// Set by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "conductor:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "conductor",
		Short:         "Run commands on cron schedules with crash-safe catch-up",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to configuration file (TOML)")
	root.PersistentFlags().String("jobs-dir", "", "Directory of job definition files")
	root.PersistentFlags().String("ledger-dir", "", "Directory holding the run ledger")

	root.AddCommand(runCmd(), validateCmd(), ledgerCmd(), versionCmd())
	return root
}

// loadConfig applies defaults, the config file, the environment and flags, in that order
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if dir, _ := cmd.Flags().GetString("jobs-dir"); dir != "" {
		cfg.Jobs.Dir = dir
	}
	if dir, _ := cmd.Flags().GetString("ledger-dir"); dir != "" {
		cfg.Ledger.Dir = dir
	}
	cfg.Finalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("conductor %s (commit: %s)\n", version, commit)
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logger, closer, err := cfg.Logging.NewLogger()
			if err != nil {
				return err
			}
			defer closer.Close()
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting conductor",
		"version", version,
		"jobs_dir", cfg.Jobs.Dir,
		"ledger_dir", cfg.Ledger.Dir,
		"ledger_driver", cfg.Ledger.Driver)

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return err
	}

	// Metrics
	var m *metrics.Metrics
	reg := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
	}

	// Job registry
	loader := jobs.NewLoader(cfg.Jobs.Dir, loc)
	result, err := loader.Load()
	if err != nil {
		return err
	}
	jobs.LogResult(logger, result)
	m.SetJobLoadErrors(len(result.Errors))

	// Run ledger
	l, err := ledger.Open(ctx, cfg.Ledger, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	// Dispatcher and scheduler
	dispatcher := dispatch.New(
		dispatch.Config{Shell: cfg.Jobs.Shell},
		&dispatch.ProcessExecutor{Stderr: os.Stderr},
		logger,
	)

	sched, err := scheduler.New(cfg.Scheduler, result.Jobs, l, dispatcher, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	watcher, err := jobs.NewWatcher(loader, jobs.WatcherConfig{
		Watch:          cfg.Jobs.Watch,
		RescanSchedule: cfg.Jobs.RescanSchedule,
	}, func(r *jobs.LoadResult) {
		m.SetJobLoadErrors(len(r.Errors))
		if !sched.Reload(r.Jobs) {
			logger.Error("failed to queue job reload")
		}
	}, logger)
	if err != nil {
		return err
	}
	watcher.Seed(result)

	// Background services stop when the scheduler does
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := watcher.Run(ctx); err != nil {
			logger.Error("job watcher stopped", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Addr(), reg, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("failed to notify service manager", "error", err)
	}

	runErr := sched.Run(ctx)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		logger.Warn("failed to notify service manager", "error", err)
	}
	cancel()
	wg.Wait()

	if runErr != nil {
		logger.Error("conductor stopped", "error", runErr)
		return runErr
	}
	logger.Info("conductor stopped")
	return nil
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the jobs directory and report invalid definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			loc, err := cfg.Scheduler.Location()
			if err != nil {
				return err
			}

			result, err := jobs.NewLoader(cfg.Jobs.Dir, loc).Load()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			now := time.Now()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tCRONTAB\tNEXT")
			for _, job := range result.Jobs {
				next := "retired"
				if at, err := job.FirstOccurrence(now); err == nil && !job.Retired(at) {
					next = at.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", job.ID, job.Crontab, next)
			}
			tw.Flush()

			for _, w := range result.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			for _, e := range result.Errors {
				fmt.Fprintf(out, "error: %s\n", e)
			}

			if len(result.Errors) > 0 {
				return fmt.Errorf("%d invalid job definition(s)", len(result.Errors))
			}
			return nil
		},
	}
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the run ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print each job's recorded next run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			// Never rebuild from an inspection command
			cfg.Ledger.OnCorrupt = ledger.OnCorruptFail

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			l, err := ledger.Open(cmd.Context(), cfg.Ledger, logger)
			if err != nil {
				return err
			}
			defer l.Close()

			records, err := l.Load(cmd.Context())
			if err != nil {
				if errors.Is(err, ledger.ErrCorruptLedger) {
					return fmt.Errorf("%s: %w", l.Path(), err)
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n", l.Path())
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tNEXT")
			ids := make([]string, 0, len(records))
			for id := range records {
				ids = append(ids, id)
			}
			slices.Sort(ids)
			for _, id := range ids {
				fmt.Fprintf(tw, "%s\t%s\n", id, records[id].Format(time.RFC3339Nano))
			}
			return tw.Flush()
		},
	})
	return cmd
}
