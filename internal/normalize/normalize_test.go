package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/naka-gawa/github-interactions/internal/domain"
	"github.com/naka-gawa/github-interactions/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	repoTarget = domain.Target{Organization: "acme", Repository: "widget"}
	orgTarget  = domain.Target{Organization: "acme"}
)

func ptr(s string) *string { return &s }

func TestNormalizers(t *testing.T) {
	testCases := []struct {
		name       string
		kind       domain.InteractionType
		target     domain.Target
		raw        string
		wantAt     time.Time
		wantKey    string
		wantActor  *string
		wantAction *string
		wantNone   bool
	}{
		{
			name:       "commit uses author date and login",
			kind:       domain.InteractionCommit,
			target:     repoTarget,
			raw:        `{"sha":"abc123","html_url":"https://github.com/acme/widget/commit/abc123","author":{"login":"octo"},"commit":{"message":"fix: thing\n\nbody","author":{"name":"Octo Cat","date":"2026-01-02T03:04:05Z"},"committer":{"date":"2026-01-09T00:00:00Z"}}}`,
			wantAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			wantKey:    "repo:acme/widget|commit|abc123",
			wantActor:  ptr("octo"),
			wantAction: ptr("commit"),
		},
		{
			name:       "commit without linked account falls back to git author name",
			kind:       domain.InteractionCommit,
			target:     repoTarget,
			raw:        `{"sha":"def456","commit":{"message":"m","author":{"name":"Octo Cat","date":"2026-01-02T03:04:05Z"}}}`,
			wantAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			wantKey:    "repo:acme/widget|commit|def456",
			wantActor:  ptr("Octo Cat"),
			wantAction: ptr("commit"),
		},
		{
			name:       "merged pull request",
			kind:       domain.InteractionPullRequest,
			target:     repoTarget,
			raw:        `{"number":42,"state":"closed","merged_at":"2026-01-05T00:00:00Z","created_at":"2026-01-04T00:00:00Z","user":{"login":"hubot"},"title":"Add"}`,
			wantAt:     time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC),
			wantKey:    "repo:acme/widget|pull_request|42",
			wantActor:  ptr("hubot"),
			wantAction: ptr("merged"),
		},
		{
			name:       "open issue",
			kind:       domain.InteractionIssue,
			target:     repoTarget,
			raw:        `{"number":7,"state":"open","created_at":"2026-01-04T00:00:00Z","user":{"login":"octo"},"labels":[{"name":"bug"}]}`,
			wantAt:     time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC),
			wantKey:    "repo:acme/widget|issue|7",
			wantActor:  ptr("octo"),
			wantAction: ptr("opened"),
		},
		{
			name:     "issue listing skips pull requests",
			kind:     domain.InteractionIssue,
			target:   repoTarget,
			raw:      `{"number":8,"state":"open","created_at":"2026-01-04T00:00:00Z","pull_request":{"url":"x"}}`,
			wantAt:   time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC),
			wantNone: true,
		},
		{
			name:       "comment",
			kind:       domain.InteractionComment,
			target:     repoTarget,
			raw:        `{"id":1001,"created_at":"2026-01-04T00:00:00Z","user":{"login":"octo"},"issue_url":"https://api.github.com/repos/acme/widget/issues/7"}`,
			wantAt:     time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC),
			wantKey:    "repo:acme/widget|comment|1001",
			wantActor:  ptr("octo"),
			wantAction: ptr("created"),
		},
		{
			name:       "fork",
			kind:       domain.InteractionFork,
			target:     repoTarget,
			raw:        `{"id":555,"full_name":"octo/widget","owner":{"login":"octo"},"created_at":"2026-01-04T00:00:00Z"}`,
			wantAt:     time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC),
			wantKey:    "repo:acme/widget|fork|555",
			wantActor:  ptr("octo"),
			wantAction: ptr("fork"),
		},
		{
			name:       "star",
			kind:       domain.InteractionStar,
			target:     repoTarget,
			raw:        `{"starred_at":"2026-01-04T00:00:00Z","user":{"id":77,"login":"octo"}}`,
			wantAt:     time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC),
			wantKey:    "repo:acme/widget|star|77",
			wantActor:  ptr("octo"),
			wantAction: ptr("star"),
		},
		{
			name:       "prerelease falls back to created_at",
			kind:       domain.InteractionRelease,
			target:     repoTarget,
			raw:        `{"id":9,"tag_name":"v1.0.0-rc1","prerelease":true,"created_at":"2026-01-03T00:00:00Z","author":{"login":"octo"}}`,
			wantAt:     time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
			wantKey:    "repo:acme/widget|release|9",
			wantActor:  ptr("octo"),
			wantAction: ptr("prerelease"),
		},
		{
			name:       "workflow run",
			kind:       domain.InteractionWorkflowRun,
			target:     repoTarget,
			raw:        `{"id":31,"name":"ci","status":"completed","conclusion":"success","created_at":"2026-01-04T00:00:00Z","actor":{"login":"octo"}}`,
			wantAt:     time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC),
			wantKey:    "repo:acme/widget|workflow_run|31",
			wantActor:  ptr("octo"),
			wantAction: ptr("completed"),
		},
		{
			name:       "review from repository events",
			kind:       domain.InteractionReview,
			target:     repoTarget,
			raw:        `{"id":"e1","type":"PullRequestReviewEvent","created_at":"2026-01-06T00:00:00Z","actor":{"login":"octo"},"repo":{"name":"acme/widget"},"payload":{"action":"created","review":{"id":88,"state":"APPROVED","submitted_at":"2026-01-06T00:00:00Z","user":{"login":"reviewer"}},"pull_request":{"number":42}}}`,
			wantAt:     time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC),
			wantKey:    "repo:acme/widget|review|88",
			wantActor:  ptr("reviewer"),
			wantAction: ptr("approved"),
		},
		{
			name:       "watch from repository events",
			kind:       domain.InteractionWatch,
			target:     repoTarget,
			raw:        `{"id":"e2","type":"WatchEvent","created_at":"2026-01-06T00:00:00Z","actor":{"login":"octo"},"repo":{"name":"acme/widget"},"payload":{"action":"started"}}`,
			wantAt:     time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC),
			wantKey:    "repo:acme/widget|watch|e2",
			wantActor:  ptr("octo"),
			wantAction: ptr("started"),
		},
		{
			name:     "event of another type yields no candidate",
			kind:     domain.InteractionWatch,
			target:   repoTarget,
			raw:      `{"id":"e3","type":"PushEvent","created_at":"2026-01-06T00:00:00Z","payload":{}}`,
			wantAt:   time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC),
			wantNone: true,
		},
		{
			name:       "organization event is attributed to its repository",
			kind:       domain.InteractionPullRequest,
			target:     orgTarget,
			raw:        `{"id":"e4","type":"PullRequestEvent","created_at":"2026-01-06T00:00:00Z","actor":{"login":"octo"},"repo":{"name":"acme/Gadget"},"payload":{"action":"opened","number":3,"pull_request":{"number":3,"created_at":"2026-01-06T00:00:00Z","user":{"login":"octo"}}}}`,
			wantAt:     time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC),
			wantKey:    "repo:acme/gadget|pull_request|3",
			wantActor:  ptr("octo"),
			wantAction: ptr("opened"),
		},
		{
			name:       "organization event release",
			kind:       domain.InteractionRelease,
			target:     orgTarget,
			raw:        `{"id":"e5","type":"ReleaseEvent","created_at":"2026-01-07T00:00:00Z","actor":{"login":"octo"},"repo":{"name":"acme/widget"},"payload":{"action":"published","release":{"id":9,"published_at":"2026-01-07T00:00:00Z"}}}`,
			wantAt:     time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC),
			wantKey:    "repo:acme/widget|release|9",
			wantActor:  ptr("octo"),
			wantAction: ptr("published"),
		},
		{
			name:     "missing timestamp is unusable",
			kind:     domain.InteractionIssue,
			target:   repoTarget,
			raw:      `{"number":7,"state":"open"}`,
			wantNone: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n, ok := For(tc.kind)
			require.True(t, ok)
			res, ok := n.Source(tc.target)
			require.True(t, ok)

			item, err := n.Normalize(tc.target, res, json.RawMessage(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.wantAt, item.At)
			if tc.wantNone {
				assert.Empty(t, item.Candidates)
				return
			}
			require.Len(t, item.Candidates, 1)
			cand := item.Candidates[0]
			require.NoError(t, cand.Validate())
			assert.Equal(t, tc.kind, cand.Type)
			assert.Equal(t, tc.wantKey, cand.NaturalKey())
			assert.Equal(t, tc.wantActor, cand.Actor)
			assert.Equal(t, tc.wantAction, cand.Action)
			assert.Equal(t, tc.wantAt, cand.OccurredAt)
		})
	}
}

func TestNormalize_MalformedItem(t *testing.T) {
	n, _ := For(domain.InteractionCommit)
	_, err := n.Normalize(repoTarget, gateway.ResourceCommits, json.RawMessage(`"not an object"`))
	assert.Error(t, err)
}

func TestSources(t *testing.T) {
	testCases := []struct {
		kind        domain.InteractionType
		wantRepo    gateway.Resource
		orgOK       bool
		newestFirst bool
	}{
		{domain.InteractionCommit, gateway.ResourceCommits, false, true},
		{domain.InteractionPullRequest, gateway.ResourcePulls, true, true},
		{domain.InteractionIssue, gateway.ResourceIssues, true, true},
		{domain.InteractionComment, gateway.ResourceIssueComments, true, true},
		{domain.InteractionReview, gateway.ResourceRepoEvents, true, true},
		{domain.InteractionFork, gateway.ResourceForks, true, true},
		{domain.InteractionStar, gateway.ResourceStargazers, false, false},
		{domain.InteractionWatch, gateway.ResourceRepoEvents, true, true},
		{domain.InteractionRelease, gateway.ResourceReleases, true, true},
		{domain.InteractionWorkflowRun, gateway.ResourceWorkflowRuns, false, true},
	}
	for _, tc := range testCases {
		t.Run(string(tc.kind), func(t *testing.T) {
			n, ok := For(tc.kind)
			require.True(t, ok)
			assert.Equal(t, tc.kind, n.Type())
			assert.Equal(t, tc.newestFirst, n.NewestFirst())

			res, ok := n.Source(repoTarget)
			assert.True(t, ok)
			assert.Equal(t, tc.wantRepo, res)

			res, ok = n.Source(orgTarget)
			assert.Equal(t, tc.orgOK, ok)
			if ok {
				assert.Equal(t, gateway.ResourceOrgEvents, res)
			}
		})
	}

	_, ok := For(domain.InteractionAPICall)
	assert.False(t, ok)
}

func TestAPICall(t *testing.T) {
	fetched := time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)
	page := &gateway.Page{Method: "GET", Endpoint: "/repos/acme/widget/commits", FetchedAt: fetched}

	cand := APICall(repoTarget, page, nil)
	require.NoError(t, cand.Validate())
	assert.Equal(t, domain.InteractionAPICall, cand.Type)
	assert.Nil(t, cand.Actor)
	assert.Equal(t, ptr("GET"), cand.Action)
	assert.Equal(t, fetched, cand.OccurredAt)
	assert.Equal(t, "repo:acme/widget|api_call|/repos/acme/widget/commits@2026-01-06T12:00:00Z#", cand.NaturalKey())

	next := *page
	next.Cursor = "page=2"
	paged := APICall(repoTarget, &next, ptr("octo-bot"))
	assert.Equal(t, ptr("octo-bot"), paged.Actor)
	assert.Equal(t, "repo:acme/widget|api_call|/repos/acme/widget/commits?page=2@2026-01-06T12:00:00Z#octo-bot", paged.NaturalKey())
}
