package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pauljones0/pricefeed/internal/models"
	"github.com/pauljones0/pricefeed/internal/queue"
	"github.com/pauljones0/pricefeed/internal/validator"
)

var observationsCmd = &cobra.Command{
	Use:   "observations",
	Short: "Manage price observations",
}

var observationsImportCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Import harvested prices",
	Long: `Load externally harvested prices from a JSON array and queue a benchmark
recalculation for the products they touch. Use "-" to read standard input.

Each element looks like:
  {"source": "ammoseek", "canonicalProductId": "3f0c...", "price": "18.49",
   "inStock": true, "observedAt": "2026-03-01T12:00:00Z"}

Elements naming an unknown product or failing validation are skipped and reported.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		prices, err := decodeHarvested(r)
		if err != nil {
			return err
		}
		res, err := importHarvested(cmd.Context(), store, jobs, validator.New(), prices, cfg.Matcher.BatchSize, time.Now())
		if err != nil {
			return err
		}
		for _, s := range res.Skipped {
			fmt.Fprintln(os.Stderr, "skipped:", s)
		}
		fmt.Printf("Imported %d observations for %d products (%d skipped)\n", res.Imported, len(res.Products), len(res.Skipped))
		return nil
	},
}

func init() {
	observationsCmd.AddCommand(observationsImportCmd)
}

type observationWriter interface {
	GetProduct(ctx context.Context, id string) (*models.CanonicalProduct, error)
	InsertObservations(ctx context.Context, obs []models.PriceObservation, batchSize int) error
}

type jobEnqueuer interface {
	Enqueue(ctx context.Context, kind queue.Kind, key string, payload any) (bool, error)
}

type importResult struct {
	Imported int
	Products []string
	Skipped  []string
}

func decodeHarvested(r io.Reader) ([]models.HarvestedPrice, error) {
	var prices []models.HarvestedPrice
	if err := json.NewDecoder(r).Decode(&prices); err != nil {
		return nil, fmt.Errorf("failed to decode harvested prices: %w", err)
	}
	return prices, nil
}

// importHarvested stores valid points as harvested observations and queues one recalculation
// covering every product they touch.
func importHarvested(ctx context.Context, w observationWriter, enq jobEnqueuer, v *validator.Validator,
	prices []models.HarvestedPrice, batchSize int, now time.Time) (importResult, error) {
	var res importResult
	known := map[string]bool{}
	obs := make([]models.PriceObservation, 0, len(prices))
	for i, p := range prices {
		if err := v.ValidateHarvested(p); err != nil {
			res.Skipped = append(res.Skipped, fmt.Sprintf("#%d: %v", i, err))
			continue
		}
		ok, seen := known[p.CanonicalProductID]
		if !seen {
			_, err := w.GetProduct(ctx, p.CanonicalProductID)
			switch {
			case err == nil:
				ok = true
			case errors.Is(err, models.ErrNotFound):
			default:
				return res, err
			}
			known[p.CanonicalProductID] = ok
		}
		if !ok {
			res.Skipped = append(res.Skipped, fmt.Sprintf("#%d: unknown product %q", i, p.CanonicalProductID))
			continue
		}
		obs = append(obs, p.Observation())
	}
	if len(obs) == 0 {
		return res, nil
	}
	if err := w.InsertObservations(ctx, obs, batchSize); err != nil {
		return res, err
	}
	res.Imported = len(obs)

	for id, ok := range known {
		if ok {
			res.Products = append(res.Products, id)
		}
	}
	sort.Strings(res.Products)
	key := queue.RecalcKey("harvest:" + strings.Join(res.Products, ",") + ":" + now.UTC().Truncate(time.Minute).Format(time.RFC3339))
	if _, err := enq.Enqueue(ctx, queue.KindRecalcBenchmark, key, queue.RecalcBenchmark{CanonicalProductIDs: res.Products}); err != nil {
		return res, fmt.Errorf("observations stored but recalculation not queued: %w", err)
	}
	return res, nil
}
