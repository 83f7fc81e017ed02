// Package domain contains the core data structures and domain logic for the application.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// InteractionType classifies an Interaction.
type InteractionType string

const (
	InteractionAPICall     InteractionType = "api_call"
	InteractionCommit      InteractionType = "commit"
	InteractionPullRequest InteractionType = "pull_request"
	InteractionIssue       InteractionType = "issue"
	InteractionComment     InteractionType = "comment"
	InteractionReview      InteractionType = "review"
	InteractionFork        InteractionType = "fork"
	InteractionStar        InteractionType = "star"
	InteractionWatch       InteractionType = "watch"
	InteractionRelease     InteractionType = "release"
	InteractionWorkflowRun InteractionType = "workflow_run"
)

// AllInteractionTypes lists every kind in a stable order.
var AllInteractionTypes = []InteractionType{
	InteractionAPICall,
	InteractionCommit,
	InteractionPullRequest,
	InteractionIssue,
	InteractionComment,
	InteractionReview,
	InteractionFork,
	InteractionStar,
	InteractionWatch,
	InteractionRelease,
	InteractionWorkflowRun,
}

// IngestibleTypes are the kinds fetched from a provider resource. API_CALL is
// recorded by the pipeline itself.
var IngestibleTypes = AllInteractionTypes[1:]

// Valid reports whether t is one of the enumerated kinds.
func (t InteractionType) Valid() bool {
	for _, known := range AllInteractionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseInteractionType accepts the canonical lower-case name as well as the
// upper-case constant style ("PULL_REQUEST").
func ParseInteractionType(s string) (InteractionType, error) {
	t := InteractionType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", &ConfigurationError{Field: "interaction type", Msg: fmt.Sprintf("unknown interaction type %q", s)}
	}
	return t, nil
}

// Organization is a tracked GitHub organization. Names are stored lower-cased.
type Organization struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	FirstTrackedAt time.Time `json:"first_tracked_at"`
}

// Repository is a tracked repository owned by exactly one Organization.
// Stars and Forks are cached from the last sync and are advisory only.
type Repository struct {
	ID             int64      `json:"id"`
	OrganizationID int64      `json:"organization_id"`
	Organization   string     `json:"organization"`
	Name           string     `json:"name"`
	FullName       string     `json:"full_name"`
	FirstTrackedAt time.Time  `json:"first_tracked_at"`
	Stars          *int       `json:"stars,omitempty"`
	Forks          *int       `json:"forks,omitempty"`
	SyncedAt       *time.Time `json:"synced_at,omitempty"`
}

// NormalizeName lower-cases and trims an organization or repository name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// FullName joins an organization and repository name as org/repo.
func FullName(org, repo string) string {
	return NormalizeName(org) + "/" + NormalizeName(repo)
}

// Candidate is a normalized, not yet persisted Interaction.
type Candidate struct {
	Organization string
	// Repository is the bare repository name; empty for organization-scoped interactions.
	Repository string
	Type       InteractionType
	SourceID   string
	Actor      *string
	Action     *string
	OccurredAt time.Time
	URL        string
	Payload    json.RawMessage
}

// Scope is the "repo:org/name" or "org:name" half of the natural key.
func (c Candidate) Scope() string {
	if c.Repository != "" {
		return "repo:" + FullName(c.Organization, c.Repository)
	}
	return "org:" + NormalizeName(c.Organization)
}

// NaturalKey identifies the interaction regardless of how many times it is observed.
func (c Candidate) NaturalKey() string {
	return c.Scope() + "|" + string(c.Type) + "|" + c.SourceID
}

// Validate checks the fields the store needs to derive identity.
func (c Candidate) Validate() error {
	switch {
	case NormalizeName(c.Organization) == "":
		return fmt.Errorf("candidate has no organization")
	case !c.Type.Valid():
		return fmt.Errorf("candidate has invalid type %q", c.Type)
	case c.SourceID == "":
		return fmt.Errorf("candidate %s has no source id", c.Type)
	case c.OccurredAt.IsZero():
		return fmt.Errorf("candidate %s/%s has no occurred-at", c.Type, c.SourceID)
	}
	return nil
}

// SyntheticSourceID builds the source id for interactions the provider does not
// identify, such as API calls.
func SyntheticSourceID(endpoint string, at time.Time, actor string) string {
	return fmt.Sprintf("%s@%s#%s", endpoint, at.UTC().Format(time.RFC3339Nano), actor)
}

// Interaction is a persisted, deduplicated record. It is a read-only projection:
// callers never write through it.
type Interaction struct {
	ID           int64           `json:"id"`
	NaturalKey   string          `json:"natural_key"`
	Type         InteractionType `json:"type"`
	Organization string          `json:"organization"`
	Repository   string          `json:"repository,omitempty"` // full name, empty when organization-scoped
	SourceID     string          `json:"source_id"`
	Actor        *string         `json:"actor,omitempty"`
	Action       *string         `json:"action,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
	IngestedAt   time.Time       `json:"ingested_at"`
	URL          string          `json:"url,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// UpsertStatus is what an upsert reports to its caller.
type UpsertStatus int

const (
	UpsertInserted UpsertStatus = iota
	UpsertDuplicate
)

func (s UpsertStatus) String() string {
	if s == UpsertInserted {
		return "inserted"
	}
	return "duplicate"
}

// UpsertResult is the outcome of Store.UpsertInteraction. Filled is only ever set
// together with UpsertDuplicate.
type UpsertResult struct {
	Status UpsertStatus
	Filled bool
}

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
