// Package cli provides the feedctl operator command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/pauljones0/pricefeed/internal/config"
	"github.com/pauljones0/pricefeed/internal/queue"
	"github.com/pauljones0/pricefeed/internal/reviewlog"
	"github.com/pauljones0/pricefeed/internal/storage"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	verbose bool

	cfg     *config.Config
	pool    *pgxpool.Pool
	store   *storage.Store
	jobs    *queue.Queue
	reviews *reviewlog.Client
)

var rootCmd = &cobra.Command{
	Use:   "feedctl",
	Short: "Operate the seller feed pipeline",
	Long: `feedctl is the operator tool for the seller feed pipeline.

It applies the schema, triggers scheduler ticks and manual feed runs, requests benchmark
recalculation and works through the queue of runs the circuit breaker held for review.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		pool, err = storage.OpenPool(cmd.Context(), cfg.DatabaseURL, 4)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		store = storage.New(pool)
		jobs = queue.New(pool, queue.Options{MaxAttempts: cfg.Worker.MaxAttempts, BaseDelay: cfg.Scheduler.RetryBaseDelay})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if reviews != nil {
			if err := reviews.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close review log: %v\n", err)
			}
		}
		if pool != nil {
			pool.Close()
		}
	},
}

// reviewLog opens the Firestore review log on first use.
func reviewLog(ctx context.Context) (*reviewlog.Client, error) {
	if reviews != nil {
		return reviews, nil
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("GOOGLE_CLOUD_PROJECT is not set, the review log is unavailable")
	}
	var err error
	reviews, err = reviewlog.New(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("open review log: %w", err)
	}
	return reviews, nil
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(recalcCmd)
	rootCmd.AddCommand(sellersCmd)
	rootCmd.AddCommand(feedsCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(productsCmd)
	rootCmd.AddCommand(reviewsCmd)
	rootCmd.AddCommand(insightsCmd)
	rootCmd.AddCommand(observationsCmd)
}
