package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InsightType is the kind of actionable comparison emitted for a seller.
type InsightType string

const (
	InsightOverpriced       InsightType = "OVERPRICED"
	InsightUnderpriced      InsightType = "UNDERPRICED"
	InsightStockOpportunity InsightType = "STOCK_OPPORTUNITY"
	InsightAttributeGap     InsightType = "ATTRIBUTE_GAP"
)

// Insight compares one seller's price or assortment against the market.
type Insight struct {
	ID                 string
	SellerID           string
	Type               InsightType
	CanonicalProductID string
	ListingSKU         string
	Confidence         Confidence
	Message            string
	SellerPrice        decimal.Decimal
	BenchmarkPrice     decimal.Decimal
	PriceDelta         decimal.Decimal
	DeltaPercent       decimal.Decimal
	Active             bool
	Dismissed          bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DedupeKey identifies the insight among a seller's active insights.
func (i Insight) DedupeKey() string {
	return strings.Join([]string{i.SellerID, string(i.Type), i.CanonicalProductID, i.ListingSKU}, "|")
}

// ListingView is a seller's active listing joined with its mapping and the product benchmark.
type ListingView struct {
	SellerSKU          string
	Title              string
	Price              decimal.Decimal
	InStock            bool
	CanonicalProductID string
	NeedsReview        bool
	ReviewReason       string
	Attributes         Attributes
	Benchmark          *Benchmark
}
