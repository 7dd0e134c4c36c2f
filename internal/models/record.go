package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// IdentitySource says how a raw record's seller-side identity was derived.
type IdentitySource string

const (
	// IdentityStable is a seller SKU or another identifier stable across runs.
	IdentityStable IdentitySource = "stable"
	// IdentityFallback is a low-trust identity such as a hash of the listing URL.
	IdentityFallback IdentitySource = "fallback"
)

// RawRecord is one listing observed in a feed run, as delivered by the fetch/parse collaborator.
type RawRecord struct {
	ID             string            `json:"id,omitempty" validate:"-"`
	SellerID       string            `json:"sellerId" validate:"required"`
	SellerSKU      string            `json:"sellerSku" validate:"required"`
	IdentitySource IdentitySource    `json:"identitySource" validate:"required,oneof=stable fallback"`
	Title          string            `json:"title" validate:"required"`
	URL            string            `json:"url,omitempty" validate:"omitempty,url"`
	Price          decimal.Decimal   `json:"price" validate:"gt=0"`
	InStock        bool              `json:"inStock" validate:"-"`
	UPC            string            `json:"upc,omitempty" validate:"omitempty,numeric,min=8,max=14"`
	Brand          string            `json:"brand,omitempty" validate:"-"`
	Caliber        string            `json:"caliber,omitempty" validate:"-"`
	Grain          int               `json:"grain,omitempty" validate:"gte=0"`
	RoundCount     int               `json:"roundCount,omitempty" validate:"gte=0"`
	Attributes     map[string]string `json:"attributes,omitempty" validate:"-"`
	SeenRunID      string            `json:"seenRunId,omitempty" validate:"-"`
	Active         bool              `json:"-" validate:"-"`
	FirstSeenAt    time.Time         `json:"-" validate:"-"`
	LastSeenAt     time.Time         `json:"-" validate:"-"`
}

// FetchResult is what the fetch/parse collaborator returns for an IngestFeed job.
type FetchResult struct {
	Records []RawRecord `json:"records"`
	// SeenSuccessCount is the number of listings re-confirmed in this run.
	SeenSuccessCount int `json:"seenSuccessCount"`
	// FallbackIdentifierCount is the number of listings whose identity came from a fallback.
	FallbackIdentifierCount int `json:"fallbackIdentifierCount"`
}
