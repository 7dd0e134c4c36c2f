package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pauljones0/pricefeed/internal/queue"
	"github.com/pauljones0/pricefeed/internal/scheduler"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		if err := jobs.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Schema applied.")
		return nil
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Claim due feeds now",
	Long: `Run one scheduler tick in this process: claim every due feed, create its run and
enqueue the ingestion job. Manual runs requested with "feedctl trigger" are picked up too.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := scheduler.New(store, jobs, cfg.Scheduler, nil).Tick(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Claimed %d feeds, enqueued %d (%d failed), manual runs %d (%d skipped)\n",
			res.Claimed, res.Enqueued, res.EnqueueFailed, res.ManualEnqueued, res.ManualSkipped)
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge old runs and jobs, reclaim stuck jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := scheduler.New(store, jobs, cfg.Scheduler, nil).Cleanup(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d runs and %d jobs, reclaimed %d jobs\n", res.RunsPurged, res.JobsPurged, res.JobsReclaimed)

		if cfg.ProjectID == "" {
			return nil
		}
		rl, err := reviewLog(cmd.Context())
		if err != nil {
			return err
		}
		n, err := rl.PurgeResolved(cmd.Context(), time.Now().Add(-cfg.Scheduler.RunRetention), cfg.Scheduler.CleanupBatchSize)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d resolved reviews\n", n)
		return nil
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <feed-id>",
	Short: "Request a manual run of a feed",
	Long: `Flag a feed for a manual run. The next scheduler tick creates the run unless an
ingestion for the feed is already in flight.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.RequestManualRun(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("trigger %s: %w", args[0], err)
		}
		fmt.Printf("Manual run requested for feed %s\n", args[0])
		return nil
	},
}

var recalcAll bool

var recalcCmd = &cobra.Command{
	Use:   "recalc [product-id...]",
	Short: "Request benchmark recalculation",
	Long: `Enqueue a benchmark recalculation for the given canonical products, or for every
product with recent observations when --all is set.

Examples:
  feedctl recalc --all
  feedctl recalc 3f0c... 9a12...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, payload, err := recalcRequest(recalcAll, args, time.Now())
		if err != nil {
			return err
		}
		created, err := jobs.Enqueue(cmd.Context(), queue.KindRecalcBenchmark, key, payload)
		if err != nil {
			return err
		}
		if !created {
			fmt.Println("An identical recalculation is already queued.")
			return nil
		}
		fmt.Println("Recalculation enqueued.")
		return nil
	},
}

func init() {
	recalcCmd.Flags().BoolVar(&recalcAll, "all", false, "recalculate every observed product")
}

// recalcRequest builds the job for a recalc command. Manual requests are keyed by the minute
// and the product set so a repeated command does not queue the same work twice.
func recalcRequest(all bool, ids []string, now time.Time) (string, queue.RecalcBenchmark, error) {
	minute := now.UTC().Truncate(time.Minute).Format(time.RFC3339)
	switch {
	case all && len(ids) > 0:
		return "", queue.RecalcBenchmark{}, fmt.Errorf("pass either --all or product ids, not both")
	case all:
		return queue.RecalcKey("manual:all:" + minute), queue.RecalcBenchmark{FullRecalc: true}, nil
	case len(ids) == 0:
		return "", queue.RecalcBenchmark{}, fmt.Errorf("pass --all or at least one product id")
	}
	return queue.RecalcKey("manual:" + strings.Join(ids, ",") + ":" + minute),
		queue.RecalcBenchmark{CanonicalProductIDs: ids}, nil
}
