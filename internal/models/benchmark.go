package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ObservationSource distinguishes direct seller snapshots from independently harvested prices.
type ObservationSource string

const (
	SourceSeller    ObservationSource = "seller"
	SourceHarvested ObservationSource = "harvested"
)

// SourceMix classifies which observation sources fed a benchmark.
type SourceMix string

const (
	SourceMixInternal SourceMix = "INTERNAL"
	SourceMixExternal SourceMix = "EXTERNAL"
	SourceMixMixed    SourceMix = "MIXED"
)

// PriceObservation is one timestamped price point for a canonical product.
type PriceObservation struct {
	SellerID           string
	CanonicalProductID string
	Price              decimal.Decimal
	InStock            bool
	Source             ObservationSource
	ObservedAt         time.Time
}

// HarvestedPrice is one externally collected price point as supplied to an import.
type HarvestedPrice struct {
	Source             string          `json:"source" validate:"required"`
	CanonicalProductID string          `json:"canonicalProductId" validate:"required"`
	Price              decimal.Decimal `json:"price" validate:"gt=0"`
	InStock            bool            `json:"inStock" validate:"-"`
	ObservedAt         time.Time       `json:"observedAt" validate:"required"`
}

// Observation converts the point to a harvested observation. Each source is recorded as its
// own pseudo-seller so distinct sources count as distinct sellers.
func (h HarvestedPrice) Observation() PriceObservation {
	return PriceObservation{
		SellerID:           "harvest:" + h.Source,
		CanonicalProductID: h.CanonicalProductID,
		Price:              h.Price,
		InStock:            h.InStock,
		Source:             SourceHarvested,
		ObservedAt:         h.ObservedAt.UTC(),
	}
}

// Benchmark is the market price summary for a canonical product.
type Benchmark struct {
	CanonicalProductID string
	Min                decimal.Decimal
	Median             decimal.Decimal
	Max                decimal.Decimal
	Avg                decimal.Decimal
	SellerCount        int
	SampleSize         int
	Confidence         Confidence
	SourceMix          SourceMix
	ComputedAt         time.Time
}

// Usable reports whether insights may be derived from the benchmark.
func (b Benchmark) Usable() bool {
	return b.Confidence != ConfidenceNone && b.Confidence != "" && b.Median.IsPositive()
}
