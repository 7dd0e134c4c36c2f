package models

import (
	"fmt"
	"strings"
	"time"
)

// Confidence is the reliability tier of a match, benchmark or insight.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
	ConfidenceNone   Confidence = "NONE"
)

// Attributes are the normalized specs used to identify an ammunition product.
type Attributes struct {
	Caliber    string `json:"caliber,omitempty"`
	Brand      string `json:"brand,omitempty"`
	Grain      int    `json:"grain,omitempty"`
	RoundCount int    `json:"roundCount,omitempty"`
	BulletType string `json:"bulletType,omitempty"`
	CaseType   string `json:"caseType,omitempty"`
	UPC        string `json:"upc,omitempty"`
}

// Complete reports whether the attributes are enough to form a canonical identity.
func (a Attributes) Complete() bool {
	return a.Caliber != "" && a.Brand != "" && a.Grain > 0 && a.RoundCount > 0
}

// Missing lists the identity attributes that are absent.
func (a Attributes) Missing() []string {
	var missing []string
	if a.Caliber == "" {
		missing = append(missing, "caliber")
	}
	if a.Brand == "" {
		missing = append(missing, "brand")
	}
	if a.Grain <= 0 {
		missing = append(missing, "grain")
	}
	if a.RoundCount <= 0 {
		missing = append(missing, "round count")
	}
	return missing
}

// PrimaryKey is the (caliber, brand) tuple used to look up attribute candidates.
func (a Attributes) PrimaryKey() AttributeKey {
	return AttributeKey{Caliber: a.Caliber, Brand: a.Brand}
}

// IdentityKey is the unique key a canonical product is stored under. Products carrying a UPC
// are keyed by it; the rest by their full attribute tuple.
func (a Attributes) IdentityKey() string {
	if a.UPC != "" {
		return "upc:" + a.UPC
	}
	return fmt.Sprintf("attr:%s|%s|%d|%d|%s", a.Caliber, a.Brand, a.Grain, a.RoundCount, a.BulletType)
}

// DisplayName renders a human readable product name.
func (a Attributes) DisplayName() string {
	parts := []string{a.Brand, a.Caliber}
	if a.Grain > 0 {
		parts = append(parts, fmt.Sprintf("%dgr", a.Grain))
	}
	if a.BulletType != "" {
		parts = append(parts, a.BulletType)
	}
	if a.RoundCount > 0 {
		parts = append(parts, fmt.Sprintf("%d rounds", a.RoundCount))
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// AttributeKey is the (primary attribute, brand) lookup tuple.
type AttributeKey struct {
	Caliber string
	Brand   string
}

// CanonicalProduct is a normalized, seller-independent product identity.
type CanonicalProduct struct {
	ID          string
	IdentityKey string
	UPC         string
	Attributes  Attributes
	Name        string
	CreatedAt   time.Time
}

// Mapping links a seller listing to a canonical product.
type Mapping struct {
	SellerID           string
	SellerSKU          string
	RawRecordID        string
	CanonicalProductID string
	Attributes         Attributes
	Confidence         Confidence
	NeedsReview        bool
	ReviewReason       string
	Tier               string
	MappedAt           time.Time
}

// Matched reports whether the mapping resolved to a product.
func (m Mapping) Matched() bool {
	return m.CanonicalProductID != ""
}

// CandidateSet is the in-memory lookup a matcher batch resolves against.
type CandidateSet struct {
	ByUPC map[string]CanonicalProduct
	ByKey map[AttributeKey][]CanonicalProduct
}

// NewCandidateSet returns an empty set ready for inserts.
func NewCandidateSet() *CandidateSet {
	return &CandidateSet{
		ByUPC: make(map[string]CanonicalProduct),
		ByKey: make(map[AttributeKey][]CanonicalProduct),
	}
}

// Add indexes a product under its UPC and its attribute key.
func (c *CandidateSet) Add(p CanonicalProduct) {
	if p.UPC != "" {
		c.ByUPC[p.UPC] = p
	}
	key := p.Attributes.PrimaryKey()
	for _, existing := range c.ByKey[key] {
		if existing.ID == p.ID {
			return
		}
	}
	c.ByKey[key] = append(c.ByKey[key], p)
}
