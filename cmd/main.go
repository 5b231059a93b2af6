package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"assetxfer/internal/app"
	"assetxfer/internal/config"
	"assetxfer/internal/logger"
	"assetxfer/internal/transfer"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "assetxfer",
	Short: "Resumable chunked transfer of render assets",
	Long: `Uploads scene files to and downloads render outputs from S3 compatible storage in parallel chunks,
with checkpointing so interrupted transfers resume where they stopped.`,
	SilenceUsage: true,
}

var uploadCmd = &cobra.Command{
	Use:   "upload --job ID FILE...",
	Short: "Upload files for a job",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetString("job")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.Upload(ctx, jobID, args)
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download --job ID",
	Short: "Download the outputs of a job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetString("job")
		dest, _ := cmd.Flags().GetString("dest")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.Download(ctx, jobID, dest)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue unfinished transfers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.Resume(ctx)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry TASK_ID...",
	Short: "Retry failed transfers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.Retry(ctx, args)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID...",
	Short: "Cancel transfers and release their remote uploads",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.Cancel(ctx, args)
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget finished transfers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.ClearFinished(ctx)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted transfers",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default is none)")
	pf.String("log-level", "info", "Log level (debug/info/warn/error)")
	pf.String("api-url", "", "Backend API base URL")
	pf.Bool("show-progress", true, "Show progress display")
	pf.Int("max-concurrent", 3, "Maximum transfers running at once")
	pf.Int("parallelism", 0, "Chunks in flight per transfer (0 follows the size policy)")
	pf.Int("retries", 3, "Retries per chunk")
	pf.Int("retry-backoff-ms", 1000, "Initial retry backoff in milliseconds")
	pf.String("checkpoint-backend", "sqlite", "Checkpoint store (sqlite/badger)")
	pf.String("checkpoint-path", "./assetxfer.db", "Checkpoint database path")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address")

	uploadCmd.Flags().String("job", "", "Job ID (required)")
	_ = uploadCmd.MarkFlagRequired("job")

	downloadCmd.Flags().String("job", "", "Job ID (required)")
	downloadCmd.Flags().String("dest", ".", "Destination directory")
	_ = downloadCmd.MarkFlagRequired("job")

	listCmd.Flags().StringSlice("status", nil, "Only list tasks with these statuses")

	rootCmd.AddCommand(uploadCmd, downloadCmd, resumeCmd, retryCmd, cancelCmd, clearCmd, listCmd)
}

// withApp loads configuration, builds the application and runs fn until it
// returns or a shutdown signal arrives. On a signal running transfers are
// paused and checkpointed so a later resume continues them.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Create application
	application, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, pausing transfers...")
			cancel()
		case <-ctx.Done():
		}
	}()

	err = fn(ctx, application)

	// Close application resources after the work completes or is interrupted
	if closeErr := application.Close(); closeErr != nil {
		log.Error("Error closing application", zap.Error(closeErr))
	}

	if errors.Is(err, context.Canceled) {
		log.Info("Transfers paused, run 'assetxfer resume' to continue")
		return nil
	}
	return err
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	statuses, _ := cmd.Flags().GetStringSlice("status")
	for _, s := range statuses {
		if !lo.Contains(transfer.AllStatuses, transfer.Status(s)) {
			return fmt.Errorf("unknown status %q", s)
		}
	}

	lister, err := app.NewTaskLister(cfg.Checkpoint.Backend, cfg.Checkpoint.Path)
	if err != nil {
		return err
	}
	defer lister.Close()

	tasks, err := lister.Tasks(lo.Map(statuses, func(s string, _ int) transfer.Status { return transfer.Status(s) })...)
	if err != nil {
		return err
	}
	app.RenderTasks(cmd.OutOrStdout(), tasks)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
