package matcher

import (
	"context"
	"fmt"

	"github.com/pauljones0/pricefeed/internal/models"
)

// Hinter picks the candidate a listing most likely refers to. It returns an empty id when none
// fits.
type Hinter interface {
	Choose(ctx context.Context, title string, attrs models.Attributes, candidates []models.CanonicalProduct) (string, error)
}

// HintTier asks a Hinter to break ties the attribute tier left. Its matches are always LOW
// confidence and flagged for review.
type HintTier struct {
	hinter Hinter
}

func NewHintTier(h Hinter) *HintTier {
	return &HintTier{hinter: h}
}

func (*HintTier) Name() string { return TierHint }

func (t *HintTier) Resolve(ctx context.Context, q *Query) (*Decision, error) {
	if t == nil || t.hinter == nil || len(q.Ambiguous) == 0 {
		return nil, nil
	}
	id, err := t.hinter.Choose(ctx, CleanTitle(q.Record.Title), q.Attrs, q.Ambiguous)
	if err != nil {
		return nil, fmt.Errorf("hint for %s: %w", q.Record.SellerSKU, err)
	}
	if id == "" {
		return nil, nil
	}
	for _, p := range q.Ambiguous {
		if p.ID == id {
			return &Decision{
				Product:     &p,
				Confidence:  models.ConfidenceLow,
				NeedsReview: true,
				Reason:      fmt.Sprintf("hinted among %d candidates", len(q.Ambiguous)),
			}, nil
		}
	}
	return nil, fmt.Errorf("hint for %s returned unknown product %q", q.Record.SellerSKU, id)
}
