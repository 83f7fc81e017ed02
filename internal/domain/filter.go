package domain

import (
	"fmt"
	"strings"
	"time"
)

// Filter selects interactions. Empty fields are unconstrained; values inside a
// field are OR'd, fields are AND'd. Start and End are inclusive.
type Filter struct {
	Organizations    []string          `json:"organizations,omitempty"`
	Repositories     []string          `json:"repositories,omitempty"` // org/repo
	Users            []string          `json:"users,omitempty"`
	InteractionTypes []InteractionType `json:"interaction_types,omitempty"`
	Start            time.Time         `json:"start,omitzero"`
	End              time.Time         `json:"end,omitzero"`
}

// Validate normalizes names and rejects malformed filters before any storage
// access. Normalized slices are fresh copies; the caller's slices are untouched.
func (f *Filter) Validate() error {
	if !f.Start.IsZero() && !f.End.IsZero() && f.Start.After(f.End) {
		return &ConfigurationError{Field: "filter", Msg: fmt.Sprintf("start date %s is after end date %s",
			f.Start.Format(time.RFC3339), f.End.Format(time.RFC3339))}
	}
	var orgs []string
	for _, org := range f.Organizations {
		if NormalizeName(org) == "" {
			return &ConfigurationError{Field: "filter", Msg: "empty organization name"}
		}
		orgs = append(orgs, NormalizeName(org))
	}
	var repos []string
	for _, repo := range f.Repositories {
		org, name, ok := strings.Cut(repo, "/")
		if !ok || NormalizeName(org) == "" || NormalizeName(name) == "" {
			return &ConfigurationError{Field: "filter", Msg: fmt.Sprintf("repository %q is not in org/repo form", repo)}
		}
		repos = append(repos, FullName(org, name))
	}
	for _, t := range f.InteractionTypes {
		if !t.Valid() {
			return &ConfigurationError{Field: "filter", Msg: fmt.Sprintf("unknown interaction type %q", t)}
		}
	}
	f.Organizations, f.Repositories = orgs, repos
	return nil
}

// Dimension is a grouping key for TopN.
type Dimension string

const (
	DimensionRepository   Dimension = "repository"
	DimensionUser         Dimension = "user"
	DimensionOrganization Dimension = "organization"
)

func ParseDimension(s string) (Dimension, error) {
	switch d := Dimension(strings.ToLower(s)); d {
	case DimensionRepository, DimensionUser, DimensionOrganization:
		return d, nil
	}
	return "", &ConfigurationError{Field: "dimension", Msg: fmt.Sprintf("unknown dimension %q", s)}
}

// Field is a column ListDistinct can enumerate.
type Field string

const (
	FieldOrganization Field = "organization"
	FieldRepository   Field = "repository"
	FieldUser         Field = "user"
	FieldAction       Field = "action"
	FieldType         Field = "type"
)

func ParseField(s string) (Field, error) {
	switch f := Field(strings.ToLower(s)); f {
	case FieldOrganization, FieldRepository, FieldUser, FieldAction, FieldType:
		return f, nil
	}
	return "", &ConfigurationError{Field: "field", Msg: fmt.Sprintf("unknown field %q", s)}
}

// Bucket is a calendar-aligned UTC interval width.
type Bucket string

const (
	BucketDay   Bucket = "day"
	BucketWeek  Bucket = "week"
	BucketMonth Bucket = "month"
)

func ParseBucket(s string) (Bucket, error) {
	switch b := Bucket(strings.ToLower(s)); b {
	case BucketDay, BucketWeek, BucketMonth:
		return b, nil
	}
	return "", &ConfigurationError{Field: "bucket", Msg: fmt.Sprintf("unknown bucket %q", s)}
}

// Floor returns the start of the bucket containing t. Weeks start on Monday.
func (b Bucket) Floor(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch b {
	case BucketWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case BucketMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

// Next returns the start of the bucket following the one starting at start.
func (b Bucket) Next(start time.Time) time.Time {
	switch b {
	case BucketWeek:
		return start.AddDate(0, 0, 7)
	case BucketMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}
