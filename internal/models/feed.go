package models

import (
	"time"
)

// FeedStatus is the lifecycle status of a seller feed.
type FeedStatus string

const (
	FeedStatusEnabled FeedStatus = "enabled"
	FeedStatusPaused  FeedStatus = "paused"
	FeedStatusFailed  FeedStatus = "failed"
)

// RunStatus is the state of a single ingestion attempt.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Trigger records why a run was started.
type Trigger string

const (
	TriggerScheduled Trigger = "SCHEDULED"
	TriggerManual    Trigger = "MANUAL"
)

// Feed is a seller's feed configuration.
type Feed struct {
	ID                string
	SellerID          string
	Name              string
	AccessURL         string
	Format            string
	Interval          time.Duration
	Enabled           bool
	Status            FeedStatus
	LastRunAt         *time.Time
	NextRunAt         time.Time
	ManualRunPending  bool
	ConsecutiveFailed int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ClaimedFeed is a feed reserved by a scheduler tick together with the run created for it.
type ClaimedFeed struct {
	Feed         Feed
	RunID        string
	ScheduledFor time.Time
	NextRunAt    time.Time
}

// FeedRun is one ingestion attempt for a feed.
type FeedRun struct {
	ID           string
	FeedID       string
	SellerID     string
	Trigger      Trigger
	Status       RunStatus
	NeedsReview  bool
	SeenCount    int
	MatchedCount int
	CreatedCount int
	ReviewCount  int
	ExpiredCount int
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// RunCounts are the counters attached to a run once matching completes.
type RunCounts struct {
	Seen    int
	Matched int
	Created int
	Review  int
	Expired int
}

// Seller standing values used to decide benchmark eligibility.
const (
	StandingActive    = "active"
	StandingGrace     = "grace"
	StandingSuspended = "suspended"
)

// Seller is a merchant whose feeds are ingested.
type Seller struct {
	ID         string
	Name       string
	Standing   string
	GraceUntil *time.Time
}

// Eligible reports whether the seller's prices may contribute to benchmarks at now.
func (s Seller) Eligible(now time.Time) bool {
	switch s.Standing {
	case StandingActive:
		return true
	case StandingGrace:
		return s.GraceUntil != nil && s.GraceUntil.After(now)
	default:
		return false
	}
}

// RunMetrics are the run-level counts the circuit breaker evaluates.
type RunMetrics struct {
	ActiveCountBefore       int `json:"activeCountBefore"`
	SeenSuccessCount        int `json:"seenSuccessCount"`
	FallbackIdentifierCount int `json:"fallbackIdentifierCount"`
	TotalUpserted           int `json:"totalUpserted"`
}

// WouldExpireCount is the number of live listings the run did not re-confirm.
func (m RunMetrics) WouldExpireCount() int {
	if n := m.ActiveCountBefore - m.SeenSuccessCount; n > 0 {
		return n
	}
	return 0
}

// BreakerEvent is emitted to operators when the circuit breaker blocks a run.
type BreakerEvent struct {
	RunID      string
	FeedID     string
	FeedName   string
	SellerID   string
	Reason     string
	Metrics    RunMetrics
	OccurredAt time.Time
}
