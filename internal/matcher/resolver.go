package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pauljones0/pricefeed/internal/models"
)

// Tier names recorded on mappings.
const (
	TierIdentifier = "identifier"
	TierAttribute  = "attribute"
	TierHint       = "hint"
	TierCreate     = "create"
	TierNone       = "none"
)

// Query is one record being resolved against a batch's candidates.
type Query struct {
	Record     models.RawRecord
	Attrs      models.Attributes
	Candidates *models.CandidateSet
	// Ambiguous holds the candidates an earlier tier could not choose between.
	Ambiguous []models.CanonicalProduct
}

// Decision is a tier's verdict for one record.
type Decision struct {
	Tier       string
	Product    *models.CanonicalProduct
	Create     bool
	Confidence models.Confidence
	// NeedsReview marks matches that should be looked at by an operator.
	NeedsReview bool
	Reason      string
}

// Tier is one matching strategy. Tiers run in order; the first to return a decision wins.
// Returning nil passes the record to the next tier.
type Tier interface {
	Name() string
	Resolve(ctx context.Context, q *Query) (*Decision, error)
}

// Resolver runs the tier chain.
type Resolver struct {
	tiers []Tier
}

// NewResolver builds the standard chain: identifier, attribute, the optional hint tiers, then
// creation.
func NewResolver(hints ...Tier) *Resolver {
	tiers := []Tier{IdentifierTier{}, AttributeTier{}}
	tiers = append(tiers, hints...)
	tiers = append(tiers, CreateTier{})
	return &Resolver{tiers: tiers}
}

// Resolve returns the first decision in the chain. A tier error is logged and the record
// continues down the chain. With no decision the record is left unmatched and flagged.
func (r *Resolver) Resolve(ctx context.Context, q *Query) Decision {
	for _, t := range r.tiers {
		d, err := t.Resolve(ctx, q)
		if err != nil {
			slog.Warn("Matcher tier failed", "tier", t.Name(), "seller_sku", q.Record.SellerSKU, "error", err)
			continue
		}
		if d != nil {
			if d.Tier == "" {
				d.Tier = t.Name()
			}
			return *d
		}
	}

	d := Decision{Tier: TierNone, Confidence: models.ConfidenceNone, NeedsReview: true}
	if len(q.Ambiguous) > 0 {
		d.Reason = fmt.Sprintf("ambiguous: %d candidate products", len(q.Ambiguous))
	} else {
		d.Reason = "missing attributes: " + strings.Join(q.Attrs.Missing(), ", ")
	}
	return d
}

// IdentifierTier matches on an exact stable external identifier.
type IdentifierTier struct{}

func (IdentifierTier) Name() string { return TierIdentifier }

func (IdentifierTier) Resolve(_ context.Context, q *Query) (*Decision, error) {
	if q.Attrs.UPC == "" {
		return nil, nil
	}
	p, ok := q.Candidates.ByUPC[q.Attrs.UPC]
	if !ok {
		return nil, nil
	}
	return &Decision{Product: &p, Confidence: models.ConfidenceHigh}, nil
}

// AttributeTier narrows candidates sharing caliber and brand by grain and round count, then by
// bullet type when more than one is left.
type AttributeTier struct{}

func (AttributeTier) Name() string { return TierAttribute }

func (AttributeTier) Resolve(_ context.Context, q *Query) (*Decision, error) {
	a := q.Attrs
	if a.Caliber == "" || a.Brand == "" {
		return nil, nil
	}
	candidates := q.Candidates.ByKey[a.PrimaryKey()]
	if len(candidates) == 0 {
		return nil, nil
	}

	narrowed := filter(candidates, func(p models.CanonicalProduct) bool {
		return (a.Grain <= 0 || p.Attributes.Grain == a.Grain) &&
			(a.RoundCount <= 0 || p.Attributes.RoundCount == a.RoundCount)
	})
	secondaryComplete := a.Grain > 0 && a.RoundCount > 0

	if len(narrowed) > 1 && a.BulletType != "" {
		narrowed = filter(narrowed, func(p models.CanonicalProduct) bool {
			return strings.EqualFold(p.Attributes.BulletType, a.BulletType)
		})
	}

	switch len(narrowed) {
	case 0:
		return nil, nil
	case 1:
		p := narrowed[0]
		if secondaryComplete {
			return &Decision{Product: &p, Confidence: models.ConfidenceMedium}, nil
		}
		return &Decision{
			Product:     &p,
			Confidence:  models.ConfidenceLow,
			NeedsReview: true,
			Reason:      "matched without " + strings.Join(a.Missing(), ", "),
		}, nil
	default:
		q.Ambiguous = narrowed
		return nil, nil
	}
}

// CreateTier creates a product for an unmatched record whose attributes form a complete
// identity. It never creates when candidates were ambiguous.
type CreateTier struct{}

func (CreateTier) Name() string { return TierCreate }

func (CreateTier) Resolve(_ context.Context, q *Query) (*Decision, error) {
	if len(q.Ambiguous) > 0 || !q.Attrs.Complete() {
		return nil, nil
	}
	confidence := models.ConfidenceMedium
	if q.Attrs.UPC != "" {
		confidence = models.ConfidenceHigh
	}
	return &Decision{Create: true, Confidence: confidence}, nil
}

func filter(in []models.CanonicalProduct, keep func(models.CanonicalProduct) bool) []models.CanonicalProduct {
	var out []models.CanonicalProduct
	for _, p := range in {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}
