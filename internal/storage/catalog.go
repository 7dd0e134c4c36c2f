package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pauljones0/pricefeed/internal/models"
	"github.com/pauljones0/pricefeed/internal/util"
)

const productColumns = `p.id, p.identity_key, p.upc, p.caliber, p.brand, p.grain, p.round_count, p.bullet_type,
	p.case_type, p.name, p.created_at`

func scanProduct(row pgx.CollectableRow) (models.CanonicalProduct, error) {
	var p models.CanonicalProduct
	a := &p.Attributes
	err := row.Scan(&p.ID, &p.IdentityKey, &p.UPC, &a.Caliber, &a.Brand, &a.Grain, &a.RoundCount, &a.BulletType,
		&a.CaseType, &p.Name, &p.CreatedAt)
	a.UPC = p.UPC
	return p, err
}

// LoadCandidates fetches every product matching one of the identifiers and every product
// sharing one of the attribute keys, in a single round trip.
func (s *Store) LoadCandidates(ctx context.Context, upcs []string, keys []models.AttributeKey) (*models.CandidateSet, error) {
	set := models.NewCandidateSet()
	calibers := make([]string, len(keys))
	brands := make([]string, len(keys))
	for i, k := range keys {
		calibers[i] = k.Caliber
		brands[i] = k.Brand
	}

	b := &pgx.Batch{}
	b.Queue("SELECT "+productColumns+" FROM canonical_products p WHERE p.upc <> '' AND p.upc = ANY($1)", upcs)
	b.Queue("SELECT "+productColumns+` FROM canonical_products p
		JOIN unnest($1::text[], $2::text[]) AS k(caliber, brand) ON p.caliber = k.caliber AND p.brand = k.brand`,
		calibers, brands)

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for i := 0; i < b.Len(); i++ {
		rows, err := br.Query()
		if err != nil {
			return nil, fmt.Errorf("failed to load candidates: %w", util.WrapUnavailable(err))
		}
		products, err := pgx.CollectRows(rows, scanProduct)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidates: %w", util.WrapUnavailable(err))
		}
		for _, p := range products {
			set.Add(p)
		}
	}
	return set, nil
}

// CreateProducts inserts products keyed by identity, converging with concurrent creators: a
// product that already exists is returned instead of duplicated. It returns identity key to id
// and the number of rows actually inserted.
func (s *Store) CreateProducts(ctx context.Context, products []models.CanonicalProduct, batchSize int) (map[string]string, int, error) {
	ids := make(map[string]string, len(products))
	inserted := 0
	for _, c := range chunks(len(products), batchSize) {
		err := s.runInTx(ctx, func(tx pgx.Tx) error {
			b := &pgx.Batch{}
			part := products[c[0]:c[1]]
			for _, p := range part {
				a := p.Attributes
				b.Queue(`
					INSERT INTO canonical_products (id, identity_key, upc, caliber, brand, grain, round_count,
						bullet_type, case_type, name, created_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
					ON CONFLICT (identity_key) DO UPDATE SET identity_key = EXCLUDED.identity_key
					RETURNING id, (xmax = 0)`,
					p.ID, p.IdentityKey, p.UPC, a.Caliber, a.Brand, a.Grain, a.RoundCount, a.BulletType,
					a.CaseType, p.Name, p.CreatedAt)
			}
			br := tx.SendBatch(ctx, b)
			for _, p := range part {
				var id string
				var fresh bool
				if err := br.QueryRow().Scan(&id, &fresh); err != nil {
					_ = br.Close()
					return fmt.Errorf("create product %s: %w", p.IdentityKey, util.WrapUnavailable(err))
				}
				ids[p.IdentityKey] = id
				if fresh {
					inserted++
				}
			}
			return br.Close()
		})
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create products: %w", err)
		}
	}
	return ids, inserted, nil
}

// UpsertMappings writes mappings in bounded transactional batches. Each seller SKU keeps one
// mapping, overwritten on every run.
func (s *Store) UpsertMappings(ctx context.Context, mappings []models.Mapping, batchSize int) error {
	for _, c := range chunks(len(mappings), batchSize) {
		err := s.runInTx(ctx, func(tx pgx.Tx) error {
			b := &pgx.Batch{}
			for _, m := range mappings[c[0]:c[1]] {
				var productID *string
				if m.CanonicalProductID != "" {
					id := m.CanonicalProductID
					productID = &id
				}
				b.Queue(`
					INSERT INTO mappings (seller_id, seller_sku, raw_record_id, canonical_product_id, attributes,
						confidence, needs_review, review_reason, tier, mapped_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
					ON CONFLICT (seller_id, seller_sku) DO UPDATE SET
						raw_record_id = EXCLUDED.raw_record_id,
						canonical_product_id = EXCLUDED.canonical_product_id,
						attributes = EXCLUDED.attributes,
						confidence = EXCLUDED.confidence,
						needs_review = EXCLUDED.needs_review,
						review_reason = EXCLUDED.review_reason,
						tier = EXCLUDED.tier,
						mapped_at = EXCLUDED.mapped_at`,
					m.SellerID, m.SellerSKU, m.RawRecordID, productID, m.Attributes, string(m.Confidence),
					m.NeedsReview, m.ReviewReason, m.Tier, m.MappedAt)
			}
			return sendBatch(ctx, tx, b)
		})
		if err != nil {
			return fmt.Errorf("failed to upsert mappings: %w", err)
		}
	}
	return nil
}

// GetProduct returns one canonical product.
func (s *Store) GetProduct(ctx context.Context, id string) (*models.CanonicalProduct, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+productColumns+" FROM canonical_products p WHERE p.id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", id, util.WrapUnavailable(err))
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, fmt.Errorf("failed to scan product %s: %w", id, util.WrapUnavailable(err))
	}
	if len(products) == 0 {
		return nil, models.ErrNotFound
	}
	return &products[0], nil
}
