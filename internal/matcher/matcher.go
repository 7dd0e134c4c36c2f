// Package matcher resolves seller listings to canonical products.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pauljones0/pricefeed/internal/metrics"
	"github.com/pauljones0/pricefeed/internal/models"
)

// Store is the catalog access a matcher batch needs.
type Store interface {
	LoadCandidates(ctx context.Context, upcs []string, keys []models.AttributeKey) (*models.CandidateSet, error)
	CreateProducts(ctx context.Context, products []models.CanonicalProduct, batchSize int) (map[string]string, int, error)
	UpsertMappings(ctx context.Context, mappings []models.Mapping, batchSize int) error
}

// Result is the outcome of one batch.
type Result struct {
	// Mappings holds one mapping per input record, in input order.
	Mappings []models.Mapping
	Counts   models.RunCounts
}

type Matcher struct {
	store     Store
	patterns  *Patterns
	resolver  *Resolver
	batchSize int
	metrics   metrics.Sink
	now       func() time.Time
}

func New(store Store, patterns *Patterns, resolver *Resolver, batchSize int, sink metrics.Sink) *Matcher {
	if sink == nil {
		sink = metrics.Nop{}
	}
	if resolver == nil {
		resolver = NewResolver()
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Matcher{
		store:     store,
		patterns:  patterns,
		resolver:  resolver,
		batchSize: batchSize,
		metrics:   sink,
		now:       time.Now,
	}
}

// Match resolves a batch of one seller's records. Candidates are loaded in one round trip,
// matching happens in memory and new products and mappings are written in bounded batches.
func (m *Matcher) Match(ctx context.Context, sellerID string, records []models.RawRecord) (Result, error) {
	start := time.Now()
	defer func() { m.metrics.Timing(metrics.MatchDuration, time.Since(start)) }()

	attrs := make([]models.Attributes, len(records))
	upcSet := make(map[string]struct{})
	keySet := make(map[models.AttributeKey]struct{})
	for i, r := range records {
		a := m.patterns.Extract(r)
		attrs[i] = a
		if a.UPC != "" {
			upcSet[a.UPC] = struct{}{}
		}
		if a.Caliber != "" && a.Brand != "" {
			keySet[a.PrimaryKey()] = struct{}{}
		}
	}

	upcs := make([]string, 0, len(upcSet))
	for u := range upcSet {
		upcs = append(upcs, u)
	}
	keys := make([]models.AttributeKey, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}

	candidates, err := m.store.LoadCandidates(ctx, upcs, keys)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load candidates: %w", err)
	}
	if candidates == nil {
		candidates = models.NewCandidateSet()
	}

	now := m.now()
	res := Result{Mappings: make([]models.Mapping, len(records))}
	var created []models.CanonicalProduct
	// identity keys of products created in this batch, by their provisional id
	provisional := make(map[string]string)

	for i, r := range records {
		q := &Query{Record: r, Attrs: attrs[i], Candidates: candidates}
		d := m.resolver.Resolve(ctx, q)

		mp := models.Mapping{
			SellerID:     sellerID,
			SellerSKU:    r.SellerSKU,
			RawRecordID:  r.ID,
			Attributes:   attrs[i],
			Confidence:   d.Confidence,
			NeedsReview:  d.NeedsReview,
			ReviewReason: d.Reason,
			Tier:         d.Tier,
			MappedAt:     now,
		}

		switch {
		case d.Create:
			p := newProduct(attrs[i], now)
			// Later records of the batch match the new product instead of creating it again.
			candidates.Add(p)
			created = append(created, p)
			provisional[p.ID] = p.IdentityKey
			mp.CanonicalProductID = p.ID
			res.Counts.Created++
		case d.Product != nil:
			mp.CanonicalProductID = d.Product.ID
			res.Counts.Matched++
		}
		if mp.NeedsReview {
			res.Counts.Review++
		}
		res.Mappings[i] = mp
	}

	if len(created) > 0 {
		ids, inserted, err := m.store.CreateProducts(ctx, created, m.batchSize)
		if err != nil {
			return Result{}, fmt.Errorf("failed to create products: %w", err)
		}
		// A concurrent creator may have won; point mappings at the stored id.
		for i, mp := range res.Mappings {
			key, ok := provisional[mp.CanonicalProductID]
			if !ok {
				continue
			}
			if id, ok := ids[key]; ok {
				res.Mappings[i].CanonicalProductID = id
			}
		}
		m.metrics.Incr(metrics.ProductsCreated, int64(inserted))
	}

	if err := m.store.UpsertMappings(ctx, res.Mappings, m.batchSize); err != nil {
		return Result{}, fmt.Errorf("failed to upsert mappings: %w", err)
	}

	m.metrics.Incr(metrics.RecordsMatched, int64(res.Counts.Matched))
	m.metrics.Incr(metrics.RecordsNeedReview, int64(res.Counts.Review))
	slog.Info("Matched batch", "seller_id", sellerID, "records", len(records),
		"matched", res.Counts.Matched, "created", res.Counts.Created, "review", res.Counts.Review)
	return res, nil
}

func newProduct(a models.Attributes, now time.Time) models.CanonicalProduct {
	return models.CanonicalProduct{
		ID:          uuid.NewString(),
		IdentityKey: a.IdentityKey(),
		UPC:         a.UPC,
		Attributes:  a,
		Name:        a.DisplayName(),
		CreatedAt:   now,
	}
}
