// Package benchmark computes market price benchmarks and the seller insights derived from them.
package benchmark

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pauljones0/pricefeed/internal/models"
)

// minOutlierSample is the smallest sample IQR fencing is applied to.
const minOutlierSample = 4

var two = decimal.NewFromInt(2)

// Summary holds the descriptive statistics of a cleaned sample.
type Summary struct {
	Min    decimal.Decimal
	Median decimal.Decimal
	Max    decimal.Decimal
	Avg    decimal.Decimal
	Count  int
}

// Quartiles returns Q1 and Q3 of sorted values using linear interpolation between closest
// ranks.
func Quartiles(sorted []decimal.Decimal) (q1, q3 decimal.Decimal) {
	return quantile(sorted, 0.25), quantile(sorted, 0.75)
}

func quantile(sorted []decimal.Decimal, q float64) decimal.Decimal {
	if len(sorted) == 0 {
		return decimal.Zero
	}
	h := decimal.NewFromFloat(q).Mul(decimal.NewFromInt(int64(len(sorted) - 1)))
	lo := h.Floor()
	i := int(lo.IntPart())
	if i+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := h.Sub(lo)
	return sorted[i].Add(sorted[i+1].Sub(sorted[i]).Mul(frac))
}

// Fences returns the inclusive bounds values must fall in to survive outlier removal.
func Fences(sorted []decimal.Decimal, multiplier float64) (lower, upper decimal.Decimal) {
	q1, q3 := Quartiles(sorted)
	spread := q3.Sub(q1).Mul(decimal.NewFromFloat(multiplier))
	return q1.Sub(spread), q3.Add(spread)
}

// RemoveOutliers drops observations priced outside the IQR fences. Samples smaller than four
// are returned unchanged.
func RemoveOutliers(obs []models.PriceObservation, multiplier float64) []models.PriceObservation {
	if len(obs) < minOutlierSample {
		return obs
	}
	prices := sortedPrices(obs)
	lower, upper := Fences(prices, multiplier)

	kept := make([]models.PriceObservation, 0, len(obs))
	for _, o := range obs {
		if o.Price.LessThan(lower) || o.Price.GreaterThan(upper) {
			continue
		}
		kept = append(kept, o)
	}
	return kept
}

// Summarize computes min, median, max and mean. The median of an even sample is the mean of
// the two middle values.
func Summarize(obs []models.PriceObservation) Summary {
	if len(obs) == 0 {
		return Summary{}
	}
	prices := sortedPrices(obs)
	n := len(prices)

	sum := decimal.Zero
	for _, p := range prices {
		sum = sum.Add(p)
	}

	median := prices[n/2]
	if n%2 == 0 {
		median = prices[n/2-1].Add(prices[n/2]).Div(two)
	}

	return Summary{
		Min:    prices[0],
		Median: median,
		Max:    prices[n-1],
		Avg:    sum.DivRound(decimal.NewFromInt(int64(n)), 4),
		Count:  n,
	}
}

// Classify assigns the benchmark confidence tier. A single seller is never a market, however
// many points it reported.
func Classify(sellerCount, sampleSize int) models.Confidence {
	switch {
	case sellerCount >= 3 && sampleSize >= 5:
		return models.ConfidenceHigh
	case sellerCount >= 2:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceNone
	}
}

// SourceMixOf classifies where a sample's observations came from.
func SourceMixOf(obs []models.PriceObservation) models.SourceMix {
	var seller, harvested bool
	for _, o := range obs {
		if o.Source == models.SourceHarvested {
			harvested = true
		} else {
			seller = true
		}
	}
	switch {
	case seller && harvested:
		return models.SourceMixMixed
	case harvested:
		return models.SourceMixExternal
	default:
		return models.SourceMixInternal
	}
}

func distinctSellers(obs []models.PriceObservation) int {
	seen := make(map[string]struct{}, len(obs))
	for _, o := range obs {
		seen[o.SellerID] = struct{}{}
	}
	return len(seen)
}

func sortedPrices(obs []models.PriceObservation) []decimal.Decimal {
	prices := make([]decimal.Decimal, len(obs))
	for i, o := range obs {
		prices[i] = o.Price
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	return prices
}
