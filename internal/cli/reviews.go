package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/pauljones0/pricefeed/internal/models"
	"github.com/pauljones0/pricefeed/internal/storage"
)

var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "Work through runs held by the circuit breaker",
	Long: `Runs the circuit breaker blocks are failed, flagged for review and logged to the
review queue. Their staged records are kept until the run is resolved.`,
}

var reviewsLimit int

var reviewsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs awaiting review",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := store.ListRuns(cmd.Context(), storage.RunFilter{NeedsReview: true, Limit: reviewsLimit})
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs awaiting review")
			return nil
		}
		fmt.Printf("%-36s %-36s %-20s  %s\n", "RUN", "FEED", "CREATED", "REASON")
		for _, r := range runs {
			fmt.Printf("%-36s %-36s %-20s  %s\n", r.ID, r.FeedID, r.CreatedAt.Format(time.RFC3339), r.ErrorMessage)
		}

		if cfg.ProjectID == "" {
			return nil
		}
		rl, err := reviewLog(cmd.Context())
		if err != nil {
			return err
		}
		open, err := rl.CountOpen(cmd.Context())
		if err != nil {
			return err
		}
		entries, err := rl.ListOpen(cmd.Context(), reviewsLimit)
		if err != nil {
			return err
		}
		fmt.Printf("\n%d open entries in the review log\n", open)
		for _, e := range entries {
			fmt.Printf("  %s  %-24s %s  %s\n", e.RunID, e.FeedName, e.CreatedAt.Format(time.RFC3339), e.Reason)
		}
		return nil
	},
}

var reviewsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the review log entry of a blocked run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rl, err := reviewLog(cmd.Context())
		if err != nil {
			return err
		}
		entry, err := rl.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get review %s: %w", args[0], err)
		}
		fmt.Printf("Run: %s\n", entry.RunID)
		fmt.Printf("  Feed: %s (%s)\n", entry.FeedName, entry.FeedID)
		fmt.Printf("  Seller: %s\n", entry.SellerID)
		fmt.Printf("  Reason: %s\n", entry.Reason)
		fmt.Printf("  Status: %s\n", entry.Status)
		for _, k := range []string{"activeCountBefore", "seenSuccessCount", "wouldExpireCount", "fallbackIdentifierCount", "totalUpserted"} {
			fmt.Printf("  %s: %d\n", k, entry.Metrics[k])
		}
		if entry.Note != "" {
			fmt.Printf("  Note: %s\n", entry.Note)
		}
		return nil
	},
}

var resolveNote string

var reviewsResolveCmd = &cobra.Command{
	Use:   "resolve <run-id>",
	Short: "Close a blocked run",
	Long: `Close a blocked run: its staged records are discarded, the review flag is cleared
and the review log entry is marked resolved. The seller's live listings are untouched; run
"feedctl trigger" afterwards to ingest the feed again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rl reviewResolver
		if cfg.ProjectID != "" {
			client, err := reviewLog(cmd.Context())
			if err != nil {
				return err
			}
			rl = client
		}
		discarded, err := resolveReview(cmd.Context(), store, rl, args[0], resolveNote)
		if err != nil {
			return err
		}
		fmt.Printf("Run %s resolved, %d staged records discarded\n", args[0], discarded)
		return nil
	},
}

type reviewStore interface {
	GetRun(ctx context.Context, id string) (*models.FeedRun, error)
	DiscardStage(ctx context.Context, runID string) (int64, error)
	ClearReview(ctx context.Context, id string) error
}

type reviewResolver interface {
	Resolve(ctx context.Context, runID, note string) error
}

// resolveReview closes a run held for review. rl may be nil when no review log is configured.
func resolveReview(ctx context.Context, runs reviewStore, rl reviewResolver, runID, note string) (int64, error) {
	run, err := runs.GetRun(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("get run %s: %w", runID, err)
	}
	if !run.NeedsReview {
		return 0, fmt.Errorf("run %s is not awaiting review", runID)
	}

	discarded, err := runs.DiscardStage(ctx, runID)
	if err != nil {
		return 0, err
	}
	if err := runs.ClearReview(ctx, runID); err != nil {
		return discarded, err
	}

	if rl == nil {
		return discarded, nil
	}
	if err := rl.Resolve(ctx, runID, note); err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return discarded, err
		}
		slog.Warn("Run had no review log entry", "run_id", runID)
	}
	return discarded, nil
}

func init() {
	reviewsListCmd.Flags().IntVar(&reviewsLimit, "limit", 50, "maximum runs to show")
	reviewsResolveCmd.Flags().StringVar(&resolveNote, "note", "", "operator note stored with the review")
	reviewsCmd.AddCommand(reviewsListCmd, reviewsShowCmd, reviewsResolveCmd)
}
