package models

import (
	"time"
)

type TrackingStatus string

const (
	TrackingPending TrackingStatus = "pending"
	TrackingRunning TrackingStatus = "running"
	TrackingDone    TrackingStatus = "done"
	TrackingFailed  TrackingStatus = "failed"
)

// AuctionTracking is a single URL checked on its own backoff schedule.
type AuctionTracking struct {
	ID            int64          `json:"id" db:"id"`
	TargetURL     string         `json:"target_url" db:"target_url"`
	SourceKey     string         `json:"source_key" db:"source_key"`
	Status        TrackingStatus `json:"status" db:"status"`
	Attempts      int            `json:"attempts" db:"attempts"`
	NextCheckAt   *time.Time     `json:"next_check_at" db:"next_check_at"`
	ClaimToken    *string        `json:"claim_token" db:"claim_token"`
	ClaimedAt     *time.Time     `json:"claimed_at" db:"claimed_at"`
	LastCheckedAt *time.Time     `json:"last_checked_at" db:"last_checked_at"`
	LastError     *string        `json:"last_error" db:"last_error"`
	LastHTTP      *int           `json:"last_http_status" db:"last_http_status"`
	Stats         TrackingStats  `json:"stats" db:"stats"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

// TrackingClaimLease is how long a running row may go unfinished before the
// due scan takes it back. It outlives any single fetch by a wide margin.
const TrackingClaimLease = 30 * time.Minute

// Reclaimable reports whether the due scan may claim t at now.
func (t *AuctionTracking) Reclaimable(now time.Time) bool {
	switch t.Status {
	case TrackingPending, TrackingFailed:
		return t.NextCheckAt != nil && !t.NextCheckAt.After(now)
	case TrackingRunning:
		return t.ClaimedAt == nil || !t.ClaimedAt.After(now.Add(-TrackingClaimLease))
	}
	return false
}

// DueAt orders claimable rows. A stranded running row is due when its lease ran out.
func (t *AuctionTracking) DueAt() time.Time {
	if t.Status == TrackingRunning && t.ClaimedAt != nil {
		return t.ClaimedAt.Add(TrackingClaimLease)
	}
	if t.NextCheckAt != nil {
		return *t.NextCheckAt
	}
	return time.Time{}
}

type TrackingStats struct {
	ItemsFound  int     `json:"items_found"`
	ItemsStaged int     `json:"items_staged"`
	ItemsMerged int     `json:"items_merged"`
	ItemErrors  int     `json:"item_errors"`
	Outcome     Outcome `json:"outcome,omitempty"`
}

// TrackingBackoff returns the delay before the next check after attempts failures:
// 2^attempts minutes, capped at one day.
func TrackingBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	// 2^11 already exceeds the cap
	if attempts > 10 {
		return MaxBackoffMinutes * time.Minute
	}
	minutes := 1 << attempts
	if minutes > MaxBackoffMinutes {
		minutes = MaxBackoffMinutes
	}
	return time.Duration(minutes) * time.Minute
}
