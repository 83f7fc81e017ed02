// Package normalize maps raw provider items onto interaction candidates. There
// is one Normalizer per ingestible InteractionType.
package normalize

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v84/github"
	"github.com/naka-gawa/github-interactions/internal/domain"
	"github.com/naka-gawa/github-interactions/internal/gateway"
)

// Item is the result of normalizing one raw provider item.
type Item struct {
	// At orders the item within its page. A zero At marks the item unusable.
	At time.Time
	// Candidates is empty when the item belongs to another kind, e.g. a
	// WatchEvent on a stream read for reviews.
	Candidates []domain.Candidate
}

// Normalizer turns items of one resource into candidates of one kind.
type Normalizer interface {
	Type() domain.InteractionType
	// Source returns the resource listing this kind for the target, or false
	// when the kind is not available at the target's scope.
	Source(target domain.Target) (gateway.Resource, bool)
	// NewestFirst reports whether the source is ordered newest first, which
	// makes early stop on since valid.
	NewestFirst() bool
	Normalize(target domain.Target, res gateway.Resource, raw json.RawMessage) (Item, error)
}

var registry = map[domain.InteractionType]Normalizer{
	domain.InteractionCommit:      commits{},
	domain.InteractionPullRequest: pullRequests{},
	domain.InteractionIssue:       issues{},
	domain.InteractionComment:     comments{},
	domain.InteractionReview:      reviews{},
	domain.InteractionFork:        forks{},
	domain.InteractionStar:        stars{},
	domain.InteractionWatch:       watches{},
	domain.InteractionRelease:     releases{},
	domain.InteractionWorkflowRun: workflowRuns{},
}

// For returns the normalizer of kind. API_CALL has none.
func For(kind domain.InteractionType) (Normalizer, bool) {
	n, ok := registry[kind]
	return n, ok
}

// APICall records one provider request made while ingesting target. actor is
// the authenticated login, nil when unknown.
func APICall(target domain.Target, page *gateway.Page, actor *string) domain.Candidate {
	method := page.Method
	if method == "" {
		method = http.MethodGet
	}
	name := ""
	if actor != nil {
		name = *actor
	}
	endpoint := page.Endpoint
	if page.Cursor != "" {
		endpoint += "?" + string(page.Cursor)
	}
	return domain.Candidate{
		Organization: target.Organization,
		Repository:   target.Repository,
		Type:         domain.InteractionAPICall,
		SourceID:     domain.SyntheticSourceID(endpoint, page.FetchedAt, name),
		Actor:        actor,
		Action:       domain.StringPtr(method),
		OccurredAt:   page.FetchedAt.UTC(),
		Payload: payload(map[string]interface{}{
			"endpoint":             page.Endpoint,
			"cursor":               string(page.Cursor),
			"items":                len(page.Items),
			"rate_limit_remaining": page.RateLimit.Remaining,
		}),
	}
}

// repoCandidate fills the fields every repository-scoped candidate shares.
func repoCandidate(target domain.Target, kind domain.InteractionType, sourceID string, actor *string, action string, at time.Time, url string) domain.Candidate {
	return domain.Candidate{
		Organization: target.Organization,
		Repository:   target.Repository,
		Type:         kind,
		SourceID:     sourceID,
		Actor:        actor,
		Action:       domain.StringPtr(action),
		OccurredAt:   at,
		URL:          url,
	}
}

func login(u *github.User) *string {
	return domain.StringPtr(u.GetLogin())
}

func timeOf(ts github.Timestamp) time.Time {
	if ts.IsZero() {
		return time.Time{}
	}
	return ts.Time.UTC()
}

func firstTime(ts ...github.Timestamp) time.Time {
	for _, t := range ts {
		if at := timeOf(t); !at.IsZero() {
			return at
		}
	}
	return time.Time{}
}

func itoa(n int) string { return strconv.Itoa(n) }

func i64toa(n int64) string { return strconv.FormatInt(n, 10) }

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func payload(fields map[string]interface{}) json.RawMessage {
	b, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return b
}

func decode(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode item: %w", err)
	}
	return nil
}
