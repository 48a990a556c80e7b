package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(workerCmd)
}

// workerCmd runs only the sync worker pool. Deployments that scale
// ingestion independently of the API run several of these against the
// same Redis queue.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run sync workers without the HTTP API",
	Long: `Runs the sync worker pool alone: jobs are consumed from the shared
Redis queue, scheduled connections are swept, and progress events are
published to Redis for the API nodes to stream.`,
	Run: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer rt.queue.Close()

	rt.log.WithField("workers", cfg.Sync.Workers).Info("weave worker starting")
	if err := rt.pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		rt.log.WithError(err).Error("worker pool stopped")
		os.Exit(1)
	}
}
