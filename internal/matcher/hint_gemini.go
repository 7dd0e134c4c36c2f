package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/pauljones0/pricefeed/internal/models"
)

// GeminiHinter chooses between ambiguous candidates with a Gemini model.
type GeminiHinter struct {
	client  *genai.Client
	model   string
	limiter *rate.Limiter
}

type hintResult struct {
	ProductID string `json:"product_id"`
}

// NewGeminiHinter returns nil when no API key is configured; the hint tier is then skipped.
func NewGeminiHinter(ctx context.Context, apiKey, model string, perSecond float64) (*GeminiHinter, error) {
	if apiKey == "" {
		return nil, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	if perSecond <= 0 {
		perSecond = 1
	}
	return &GeminiHinter{
		client:  client,
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}, nil
}

func (g *GeminiHinter) Choose(ctx context.Context, title string, attrs models.Attributes, candidates []models.CanonicalProduct) (string, error) {
	if g == nil || g.client == nil {
		return "", nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0.1),
		ResponseMIMEType: "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"product_id": {
					Type:        genai.TypeString,
					Description: "The id of the candidate the listing describes, or an empty string if none clearly matches.",
				},
			},
			Required: []string{"product_id"},
		},
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(hintPrompt(title, attrs, candidates)), config)
	if err != nil {
		return "", fmt.Errorf("gemini generation failed: %w", err)
	}

	// Clean up potential markdown formatting just in case
	text := strings.TrimSpace(resp.Text())
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	if text == "" {
		return "", fmt.Errorf("empty response from gemini")
	}

	var result hintResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return "", fmt.Errorf("failed to parse gemini response: %w", err)
	}
	return result.ProductID, nil
}

func hintPrompt(title string, attrs models.Attributes, candidates []models.CanonicalProduct) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A seller lists this ammunition product:\nTitle: %q\n", title)
	fmt.Fprintf(&b, "Parsed attributes: caliber=%q brand=%q grain=%d rounds=%d bullet=%q case=%q\n\n",
		attrs.Caliber, attrs.Brand, attrs.Grain, attrs.RoundCount, attrs.BulletType, attrs.CaseType)
	b.WriteString("Candidate catalog products:\n")
	for _, c := range candidates {
		a := c.Attributes
		fmt.Fprintf(&b, "- id=%s name=%q grain=%d rounds=%d bullet=%q case=%q\n",
			c.ID, c.Name, a.Grain, a.RoundCount, a.BulletType, a.CaseType)
	}
	b.WriteString(`
Task: pick the single candidate that is the same product as the listing. If the title does not
clearly identify one of them, answer with an empty product_id.

Output JSON adhering to the schema.
`)
	return b.String()
}
