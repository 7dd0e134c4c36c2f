package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pauljones0/pricefeed/internal/models"
)

func newTestFetcher(url string) *HTTPFetcher {
	f := NewHTTPFetcher(url, 5*time.Second)
	f.retry.BaseDelay = time.Millisecond
	f.retry.MaxDelay = 5 * time.Millisecond
	return f
}

var testFeed = models.Feed{ID: "feed-1", SellerID: "acme", AccessURL: "https://acme.example/feed.csv", Format: "csv"}

func TestHTTPFetcher_Fetch(t *testing.T) {
	var got fetchRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Write([]byte(`{"records":[{"sellerSku":"fed-9","identitySource":"stable","title":"Federal 9mm","price":"18.99","inStock":true}],"seenSuccessCount":1}`))
	}))
	defer server.Close()

	res, err := newTestFetcher(server.URL).Fetch(context.Background(), testFeed, "run-1")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got.FeedID != "feed-1" || got.RunID != "run-1" || got.SellerID != "acme" || got.Format != "csv" {
		t.Errorf("Unexpected request %+v", got)
	}
	if len(res.Records) != 1 || res.Records[0].SellerSKU != "fed-9" {
		t.Fatalf("Unexpected records %+v", res.Records)
	}
	if res.Records[0].Price.String() != "18.99" {
		t.Errorf("Price = %s", res.Records[0].Price)
	}
	if res.SeenSuccessCount != 1 {
		t.Errorf("SeenSuccessCount = %d", res.SeenSuccessCount)
	}
}

func TestHTTPFetcher_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"records":[]}`))
	}))
	defer server.Close()

	if _, err := newTestFetcher(server.URL).Fetch(context.Background(), testFeed, "run-1"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestHTTPFetcher_GivesUpAsUnavailable(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestFetcher(server.URL).Fetch(context.Background(), testFeed, "run-1")
	if !errors.Is(err, models.ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	if calls != 4 {
		t.Errorf("Expected 1 call plus 3 retries, got %d", calls)
	}
}

func TestHTTPFetcher_PermanentErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"rejected feed", http.StatusUnprocessableEntity, "bad format"},
		{"malformed body", http.StatusOK, "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestFetcher(server.URL).Fetch(context.Background(), testFeed, "run-1")
			if !errors.Is(err, models.ErrPermanent) {
				t.Fatalf("Expected ErrPermanent, got %v", err)
			}
			if calls != 1 {
				t.Errorf("Permanent errors should not be retried, got %d calls", calls)
			}
		})
	}
}
