package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pauljones0/pricefeed/internal/models"
	"github.com/pauljones0/pricefeed/internal/storage"
)

var sellersCmd = &cobra.Command{
	Use:   "sellers",
	Short: "Manage sellers",
}

var sellerAddCmd = &cobra.Command{
	Use:   "add <seller-id> <name>",
	Short: "Create or rename a seller",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.UpsertSeller(cmd.Context(), models.Seller{ID: args[0], Name: args[1]}); err != nil {
			return err
		}
		fmt.Printf("Seller %s saved\n", args[0])
		return nil
	},
}

var graceFor time.Duration

var sellerStandingCmd = &cobra.Command{
	Use:   "standing <seller-id> <active|grace|suspended>",
	Short: "Change a seller's standing",
	Long: `Change whether a seller's prices count toward benchmarks. A seller in grace keeps
counting until the grace period ends.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		standing, until, err := parseStanding(args[1], graceFor, time.Now())
		if err != nil {
			return err
		}
		if err := store.SetSellerStanding(cmd.Context(), args[0], standing, until); err != nil {
			return fmt.Errorf("set standing of %s: %w", args[0], err)
		}
		fmt.Printf("Seller %s is now %s\n", args[0], standing)
		return nil
	},
}

// parseStanding validates a standing and derives its grace deadline.
func parseStanding(s string, grace time.Duration, now time.Time) (string, *time.Time, error) {
	switch s {
	case models.StandingActive, models.StandingSuspended:
		return s, nil, nil
	case models.StandingGrace:
		if grace <= 0 {
			return "", nil, fmt.Errorf("grace standing needs a positive --for duration")
		}
		until := now.Add(grace)
		return s, &until, nil
	}
	return "", nil, fmt.Errorf("unknown standing %q", s)
}

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "Manage seller feeds",
}

var (
	feedName     string
	feedFormat   string
	feedInterval time.Duration
)

var feedAddCmd = &cobra.Command{
	Use:   "add <seller-id> <access-url>",
	Short: "Register a feed for a seller",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if feedInterval <= 0 {
			return fmt.Errorf("--interval must be positive")
		}
		name := feedName
		if name == "" {
			name = args[0] + " feed"
		}
		id, err := store.CreateFeed(cmd.Context(), models.Feed{
			SellerID:  args[0],
			Name:      name,
			AccessURL: args[1],
			Format:    feedFormat,
			Interval:  feedInterval,
			Enabled:   true,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Feed %s created\n", id)
		return nil
	},
}

func setFeedEnabled(enabled bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := store.SetFeedEnabled(cmd.Context(), args[0], enabled); err != nil {
			return fmt.Errorf("update feed %s: %w", args[0], err)
		}
		state := "paused"
		if enabled {
			state = "enabled"
		}
		fmt.Printf("Feed %s %s\n", args[0], state)
		return nil
	}
}

var feedEnableCmd = &cobra.Command{
	Use:   "enable <feed-id>",
	Short: "Enable a feed and clear its failure streak",
	Args:  cobra.ExactArgs(1),
	RunE:  setFeedEnabled(true),
}

var feedPauseCmd = &cobra.Command{
	Use:   "pause <feed-id>",
	Short: "Stop scheduling a feed",
	Args:  cobra.ExactArgs(1),
	RunE:  setFeedEnabled(false),
}

var (
	runsFeed   string
	runsStatus string
	runsLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent feed runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := store.ListRuns(cmd.Context(), storage.RunFilter{
			FeedID: runsFeed,
			Status: models.RunStatus(runsStatus),
			Limit:  runsLimit,
		})
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs found")
			return nil
		}

		fmt.Printf("%-36s %-10s %-10s %6s %6s %6s %6s  %s\n", "RUN", "FEED", "STATUS", "SEEN", "MATCH", "REVIEW", "EXPIRE", "CREATED")
		for _, r := range runs {
			status := string(r.Status)
			if r.NeedsReview {
				status += "*"
			}
			fmt.Printf("%-36s %-10.10s %-10s %6d %6d %6d %6d  %s\n", r.ID, r.FeedID, status,
				r.SeenCount, r.MatchedCount, r.ReviewCount, r.ExpiredCount, r.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var productsCmd = &cobra.Command{
	Use:   "products",
	Short: "Inspect canonical products",
}

var productShowCmd = &cobra.Command{
	Use:   "show <product-id>",
	Short: "Show a canonical product and its benchmark",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := store.GetProduct(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get product %s: %w", args[0], err)
		}
		a := p.Attributes
		fmt.Printf("Product: %s\n", p.Name)
		fmt.Printf("  ID: %s\n", p.ID)
		if p.UPC != "" {
			fmt.Printf("  UPC: %s\n", p.UPC)
		}
		fmt.Printf("  Caliber: %s  Brand: %s  Grain: %d  Rounds: %d\n", a.Caliber, a.Brand, a.Grain, a.RoundCount)

		b, err := store.GetBenchmark(cmd.Context(), p.ID)
		if errors.Is(err, models.ErrNotFound) {
			fmt.Println("  No benchmark")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("  Benchmark (%s, %s): min %s  median %s  max %s  avg %s\n",
			b.Confidence, b.SourceMix, b.Min.StringFixed(2), b.Median.StringFixed(2), b.Max.StringFixed(2), b.Avg.StringFixed(2))
		fmt.Printf("  Sellers: %d  Samples: %d  Computed: %s\n", b.SellerCount, b.SampleSize, b.ComputedAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	productsCmd.AddCommand(productShowCmd)

	sellerStandingCmd.Flags().DurationVar(&graceFor, "for", 72*time.Hour, "grace period length")
	sellersCmd.AddCommand(sellerAddCmd, sellerStandingCmd)

	feedAddCmd.Flags().StringVar(&feedName, "name", "", "display name")
	feedAddCmd.Flags().StringVar(&feedFormat, "format", "", "feed format passed to the fetcher")
	feedAddCmd.Flags().DurationVar(&feedInterval, "interval", 6*time.Hour, "run interval")
	feedsCmd.AddCommand(feedAddCmd, feedEnableCmd, feedPauseCmd)

	runsCmd.Flags().StringVar(&runsFeed, "feed", "", "only runs of this feed")
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "only runs with this status")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to show")
}
