package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pauljones0/pricefeed/internal/models"
	"github.com/pauljones0/pricefeed/internal/util"
)

// fetchRequest is the body posted to the fetch/parse service.
type fetchRequest struct {
	FeedID    string `json:"feedId"`
	RunID     string `json:"runId"`
	SellerID  string `json:"sellerId"`
	AccessURL string `json:"accessUrl"`
	Format    string `json:"format"`
}

// HTTPFetcher asks an external fetch/parse service for a feed's records. The service owns
// network access and file-format parsing.
type HTTPFetcher struct {
	endpoint   string
	httpClient *http.Client
	retry      util.Policy
}

func NewHTTPFetcher(endpoint string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPFetcher{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		retry: util.Policy{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
			Retryable:  util.IsRetryable,
		},
	}
}

// Fetch posts the feed to the service. Transport errors and 5xx responses are retried;
// other failures are permanent.
func (f *HTTPFetcher) Fetch(ctx context.Context, feed models.Feed, runID string) (*models.FetchResult, error) {
	body, err := json.Marshal(fetchRequest{
		FeedID:    feed.ID,
		RunID:     runID,
		SellerID:  feed.SellerID,
		AccessURL: feed.AccessURL,
		Format:    feed.Format,
	})
	if err != nil {
		return nil, err
	}

	var result *models.FetchResult
	err = util.Retry(ctx, f.retry, func(attempt int) error {
		if attempt > 0 {
			slog.Warn("Retrying feed fetch", "feed_id", feed.ID, "run_id", runID, "attempt", attempt+1)
		}
		result, err = f.attemptFetch(ctx, body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed %s: %w", feed.ID, err)
	}
	return result, nil
}

func (f *HTTPFetcher) attemptFetch(ctx context.Context, body []byte) (*models.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: fetcher status %s: %s", models.ErrUnavailable, resp.Status, msg)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: fetcher status %s: %s", models.ErrPermanent, resp.Status, msg)
	}

	var result models.FetchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode fetcher response: %v", models.ErrPermanent, err)
	}
	return &result, nil
}
