package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/quorum/internal/ai"
	"github.com/steveyegge/quorum/internal/config"
	"github.com/steveyegge/quorum/internal/planning"
	"github.com/steveyegge/quorum/internal/storage"
)

var (
	configPath string
	storePath  string
	backend    string
	verbose    bool

	cfg   config.Config
	store *storage.Store
)

var rootCmd = &cobra.Command{
	Use:   "quorum",
	Short: "Multi-role planning consensus for development tasks",
	Long: `quorum drives a task through its development pipeline.

During planning it polls a panel of roles (product, system design, senior
engineer, test, risk), evaluates their consensus, and asks the requester
clarifying questions when the panel is blocked.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("store") {
			cfg.Storage.Path = storePath
		}
		if cmd.Flags().Changed("backend") {
			cfg.Storage.Backend = backend
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		slog.Debug("configuration loaded", "config", cfg.String())

		store, err = storage.Open(cmd.Context(), cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			if err := store.Close(); err != nil {
				slog.Warn("failed to close storage", "error", err)
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "storage path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "storage backend: file or sqlite (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withTaskLock runs fn while holding the task's write lock
func withTaskLock(taskID string, fn func() error) error {
	lockPath, err := storage.AcquireTaskLock(storage.LockRoot(cfg.Storage), taskID, "quorum")
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.ReleaseTaskLock(lockPath); err != nil {
			slog.Warn("failed to release task lock", "task", taskID, "error", err)
		}
	}()
	return fn()
}

// newPlanner builds a planner. Commands that poll roles need an invoker;
// read-only commands pass withInvoker=false and need no API key.
func newPlanner(withInvoker bool) (*planning.Planner, error) {
	pc := &planning.Config{Store: store, Settings: cfg}
	if withInvoker {
		retry := ai.DefaultRetryConfig()
		retry.RequestsPerMinute = cfg.Invoker.RequestsPerMinute
		retry.MaxConcurrentCalls = cfg.Invoker.MaxConcurrentCalls
		inv, err := ai.NewAnthropicInvoker(ai.Config{Model: cfg.Invoker.Model, Retry: retry})
		if err != nil {
			return nil, fmt.Errorf("failed to create role invoker: %w", err)
		}
		pc.Invoker = inv
	}
	return planning.New(pc)
}
