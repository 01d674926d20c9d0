package models

import "time"

// BacklogSnapshot is computed on demand and never stored.
type BacklogSnapshot struct {
	ProjectID               string     `json:"project_id"`
	PendingCount            int        `json:"pending_count"`
	HypothesisCount         int        `json:"hypothesis_count"`
	OldestPendingAt         *time.Time `json:"oldest_pending_at,omitempty"`
	OldestPendingAgeSeconds float64    `json:"oldest_pending_age_seconds"`
	AvgResolutionSeconds    float64    `json:"avg_resolution_seconds"`
	ResolvedInWindow        int        `json:"resolved_in_window"`
	ThresholdDays           int        `json:"threshold_days"`
	ThresholdCount          int        `json:"threshold_count"`
	IsHealthy               bool       `json:"is_healthy"`
	Alerts                  []string   `json:"alerts"`
	ComputedAt              time.Time  `json:"computed_at"`
}

// BacklogStats is the raw aggregate read from the store.
type BacklogStats struct {
	PendingCount     int
	HypothesisCount  int
	OldestOpenAt     *time.Time
	ResolvedCount    int
	AvgResolutionSec float64
}
