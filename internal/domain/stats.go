package domain

import "time"

// KeyCount is one row of a TopN result.
type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// BucketCounts is one point of a time series.
type BucketCounts struct {
	Start  time.Time               `json:"start"`
	Counts map[InteractionType]int `json:"counts"`
}

// Total sums the per-type counts of the bucket.
func (b BucketCounts) Total() int {
	total := 0
	for _, c := range b.Counts {
		total += c
	}
	return total
}

// SeriesStats describes the distribution of per-bucket totals.
type SeriesStats struct {
	Buckets int     `json:"buckets"`
	Mean    float64 `json:"mean"`
	Median  float64 `json:"median"`
	Max     float64 `json:"max"`
	StdDev  float64 `json:"stddev"`
	P90     float64 `json:"p90"`
}

// Report is the digest consumed by the email reporter and dashboard.
type Report struct {
	Start              time.Time               `json:"start"`
	End                time.Time               `json:"end"`
	Filter             Filter                  `json:"filter"`
	Total              int                     `json:"total_interactions"`
	CountsByType       map[InteractionType]int `json:"interaction_counts"`
	TopRepositories    []KeyCount              `json:"top_repositories"`
	TopUsers           []KeyCount              `json:"top_users"`
	TopOrganizations   []KeyCount              `json:"top_organizations"`
	UniqueRepositories int                     `json:"unique_repositories"`
	UniqueUsers        int                     `json:"unique_users"`
	MostActiveWeekday  string                  `json:"most_active_weekday,omitempty"`
	Daily              SeriesStats             `json:"daily"`
	// WeekOverWeek is nil when there is not enough history to compare.
	WeekOverWeek *float64 `json:"week_over_week,omitempty"`
}

// RateLimit is the provider quota as last observed or queried.
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Used      int       `json:"used"`
	ResetAt   time.Time `json:"reset_at"`
}

// KindSummary is the outcome of one (target, kind) pipeline.
type KindSummary struct {
	Inserted  int `json:"inserted"`
	Duplicate int `json:"duplicate"`
	Filled    int `json:"filled"`
	Skipped   int `json:"skipped"`
	Pages     int `json:"pages"`
	// Unsupported is set when the kind has no source at the target's scope.
	Unsupported bool   `json:"unsupported,omitempty"`
	Note        string `json:"note,omitempty"`
	Failure     string `json:"failure,omitempty"`
}

// FailureNote records a partial failure.
type FailureNote struct {
	Target string          `json:"target"`
	Kind   InteractionType `json:"kind,omitempty"`
	Error  string          `json:"error"`
}

// IngestionSummary is returned by every ingestion run. Repositories holds the
// per-repository summaries of an organization fan-out.
type IngestionSummary struct {
	RunID        string                           `json:"run_id"`
	Target       string                           `json:"target"`
	StartedAt    time.Time                        `json:"started_at"`
	Elapsed      time.Duration                    `json:"elapsed"`
	Kinds        map[InteractionType]*KindSummary `json:"kinds"`
	Failures     []FailureNote                    `json:"failures,omitempty"`
	Repositories []*IngestionSummary              `json:"repositories,omitempty"`
	Cancelled    bool                             `json:"cancelled,omitempty"`
}

// Inserted totals inserts across kinds and fanned-out repositories.
func (s *IngestionSummary) Inserted() int {
	total := 0
	for _, k := range s.Kinds {
		total += k.Inserted
	}
	for _, child := range s.Repositories {
		total += child.Inserted()
	}
	return total
}

// AllFailures flattens the failures of the run and its fanned-out repositories.
func (s *IngestionSummary) AllFailures() []FailureNote {
	out := append([]FailureNote(nil), s.Failures...)
	for _, child := range s.Repositories {
		out = append(out, child.AllFailures()...)
	}
	return out
}
