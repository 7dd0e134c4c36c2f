// Package reviewlog keeps the operator review queue of blocked feed runs in Firestore.
package reviewlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pauljones0/pricefeed/internal/models"
)

const firestoreCollection = "run_reviews"

const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Entry is one blocked run awaiting operator action. The document ID is the run ID.
type Entry struct {
	RunID      string         `firestore:"runId"`
	FeedID     string         `firestore:"feedId"`
	FeedName   string         `firestore:"feedName"`
	SellerID   string         `firestore:"sellerId"`
	Reason     string         `firestore:"reason"`
	Metrics    map[string]int `firestore:"metrics"`
	Status     string         `firestore:"status"`
	Note       string         `firestore:"note,omitempty"`
	CreatedAt  time.Time      `firestore:"createdAt"`
	ResolvedAt time.Time      `firestore:"resolvedAt,omitempty"`
}

// EntryFromEvent converts a breaker event into an open review entry.
func EntryFromEvent(ev models.BreakerEvent) Entry {
	return Entry{
		RunID:    ev.RunID,
		FeedID:   ev.FeedID,
		FeedName: ev.FeedName,
		SellerID: ev.SellerID,
		Reason:   ev.Reason,
		Metrics: map[string]int{
			"activeCountBefore":       ev.Metrics.ActiveCountBefore,
			"seenSuccessCount":        ev.Metrics.SeenSuccessCount,
			"fallbackIdentifierCount": ev.Metrics.FallbackIdentifierCount,
			"totalUpserted":           ev.Metrics.TotalUpserted,
			"wouldExpireCount":        ev.Metrics.WouldExpireCount(),
		},
		Status:    StatusOpen,
		CreatedAt: ev.OccurredAt,
	}
}

type Client struct {
	client *firestore.Client
}

func New(ctx context.Context, projectID string) (*Client, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// NotifyBreaker records the blocked run. A run is recorded once; repeats are ignored.
func (c *Client) NotifyBreaker(ctx context.Context, ev models.BreakerEvent) error {
	entry := EntryFromEvent(ev)
	_, err := c.client.Collection(firestoreCollection).Doc(entry.RunID).Create(ctx, entry)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			slog.Debug("Review entry already recorded", "run_id", entry.RunID)
			return nil
		}
		return fmt.Errorf("failed to record review for run %s: %w", entry.RunID, err)
	}
	return nil
}

// Get returns the review entry for a run.
func (c *Client) Get(ctx context.Context, runID string) (*Entry, error) {
	doc, err := c.client.Collection(firestoreCollection).Doc(runID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get review %s: %w", runID, err)
	}
	var entry Entry
	if err := doc.DataTo(&entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal review data: %w", err)
	}
	return &entry, nil
}

// ListOpen returns open entries, newest first.
func (c *Client) ListOpen(ctx context.Context, limit int) ([]Entry, error) {
	q := c.client.Collection(firestoreCollection).Where("status", "==", StatusOpen)
	if limit > 0 {
		q = q.Limit(limit)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var entries []Entry
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate reviews: %w", err)
		}
		var entry Entry
		if err := doc.DataTo(&entry); err != nil {
			slog.Warn("Skipping malformed review entry", "id", doc.Ref.ID, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// Resolve closes an entry with an operator note.
func (c *Client) Resolve(ctx context.Context, runID, note string) error {
	_, err := c.client.Collection(firestoreCollection).Doc(runID).Update(ctx, []firestore.Update{
		{Path: "status", Value: StatusResolved},
		{Path: "note", Value: note},
		{Path: "resolvedAt", Value: time.Now()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return models.ErrNotFound
		}
		return fmt.Errorf("failed to resolve review %s: %w", runID, err)
	}
	return nil
}

// CountOpen returns the number of open entries.
func (c *Client) CountOpen(ctx context.Context) (int64, error) {
	q := c.client.Collection(firestoreCollection).
		Where("status", "==", StatusOpen)
	result, err := q.NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count open reviews: %w", err)
	}
	return aggregateCount(result, "all")
}

// PurgeResolved deletes resolved entries created before cutoff.
func (c *Client) PurgeResolved(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	iter := c.client.Collection(firestoreCollection).
		Where("status", "==", StatusResolved).
		Where("createdAt", "<", cutoff).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	deleted := 0
	bulkWriter := c.client.BulkWriter(ctx)
	defer bulkWriter.End()

	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("failed to iterate reviews for purge: %w", err)
		}
		if _, err := bulkWriter.Delete(doc.Ref); err != nil {
			slog.Warn("Error queueing review delete", "id", doc.Ref.ID, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		bulkWriter.Flush()
		slog.Info("Purged resolved reviews", "count", deleted)
	}
	return deleted, nil
}

func aggregateCount(result firestore.AggregationResult, alias string) (int64, error) {
	value, ok := result[alias]
	if !ok {
		return 0, fmt.Errorf("count aggregation result was invalid: %q key missing", alias)
	}
	switch v := value.(type) {
	case int64:
		return v, nil
	case *firestorepb.Value:
		return v.GetIntegerValue(), nil
	default:
		return 0, fmt.Errorf("count aggregation result has unexpected type %T", value)
	}
}
