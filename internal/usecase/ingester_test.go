package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/naka-gawa/github-interactions/internal/clock"
	"github.com/naka-gawa/github-interactions/internal/config"
	"github.com/naka-gawa/github-interactions/internal/domain"
	"github.com/naka-gawa/github-interactions/internal/gateway"
	"github.com/naka-gawa/github-interactions/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	testNow  = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	repo     = domain.Target{Organization: "acme", Repository: "widget"}
	org      = domain.Target{Organization: "acme"}
	repoInfo = &gateway.RepositoryInfo{FullName: "acme/widget", Stars: 5, Forks: 2}
)

// mockFetcher is a mock implementation of the gateway.Fetcher interface.
type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchPage(ctx context.Context, req gateway.PageRequest) (*gateway.Page, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Page), args.Error(1)
}

func (m *mockFetcher) GetRepository(ctx context.Context, target domain.Target) (*gateway.RepositoryInfo, error) {
	args := m.Called(ctx, target)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.RepositoryInfo), args.Error(1)
}

func (m *mockFetcher) CurrentRateLimit(ctx context.Context) (domain.RateLimit, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.RateLimit), args.Error(1)
}

func (m *mockFetcher) AuthenticatedLogin(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func request(target domain.Target, res gateway.Resource, cursor gateway.Cursor) interface{} {
	return mock.MatchedBy(func(r gateway.PageRequest) bool {
		return r.Target == target && r.Resource == res && r.Cursor == cursor
	})
}

func page(next gateway.Cursor, items ...string) *gateway.Page {
	p := &gateway.Page{Method: "GET", Endpoint: "/test", FetchedAt: testNow, Next: next, HasNext: next != ""}
	for _, it := range items {
		p.Items = append(p.Items, json.RawMessage(it))
	}
	return p
}

func pullJSON(number int, at time.Time, user string) string {
	if user == "" {
		return fmt.Sprintf(`{"number":%d,"state":"open","created_at":%q}`, number, at.Format(time.RFC3339))
	}
	return fmt.Sprintf(`{"number":%d,"state":"open","created_at":%q,"user":{"login":%q}}`, number, at.Format(time.RFC3339), user)
}

func issueJSON(number int, at time.Time) string {
	return fmt.Sprintf(`{"number":%d,"state":"open","created_at":%q,"user":{"login":"octo"}}`, number, at.Format(time.RFC3339))
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		MaxPages:    100,
		Concurrency: 1,
	}
}

func setupIngester(t *testing.T, cfg config.IngestConfig) (*Ingester, *mockFetcher, *store.Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testNow)
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "ghstats.db"), clk, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fetcher := new(mockFetcher)
	return NewIngester(fetcher, s, cfg, clk, zerolog.Nop()), fetcher, s, clk
}

func countStored(t *testing.T, s *store.Store, f domain.Filter) []domain.Interaction {
	t.Helper()
	var out []domain.Interaction
	for it, err := range s.Query(context.Background(), f) {
		require.NoError(t, err)
		out = append(out, it)
	}
	return out
}

func TestIngester_Idempotent(t *testing.T) {
	ingester, fetcher, s, _ := setupIngester(t, testIngestConfig())
	day := testNow.Add(-24 * time.Hour)

	fetcher.On("GetRepository", mock.Anything, repo).Return(repoInfo, nil)
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourcePulls, "")).
		Return(page("page=2", pullJSON(3, day, "octo"), pullJSON(2, day.Add(-time.Hour), "")), nil)
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourcePulls, "page=2")).
		Return(page("", pullJSON(1, day.Add(-2*time.Hour), "hubot")), nil)

	req := IngestRequest{Target: repo, Kinds: []domain.InteractionType{domain.InteractionPullRequest}}
	first, err := ingester.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, &domain.KindSummary{Inserted: 3, Pages: 2}, first.Kinds[domain.InteractionPullRequest])
	assert.Empty(t, first.Failures)
	assert.NotEmpty(t, first.RunID)

	before := countStored(t, s, domain.Filter{})

	second, err := ingester.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Inserted())
	assert.Equal(t, 3, second.Kinds[domain.InteractionPullRequest].Duplicate)
	assert.NotEqual(t, first.RunID, second.RunID)

	assert.Equal(t, before, countStored(t, s, domain.Filter{}))

	repos, err := s.ListRepositories(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, 5, *repos[0].Stars)
}

func TestIngester_FillsMissingActorOnDuplicate(t *testing.T) {
	ingester, fetcher, s, _ := setupIngester(t, testIngestConfig())
	at := testNow.Add(-time.Hour)

	fetcher.On("GetRepository", mock.Anything, repo).Return(repoInfo, nil)
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourcePulls, "")).
		Return(page("", pullJSON(9, at, "")), nil).Once()
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourcePulls, "")).
		Return(page("", pullJSON(9, at, "octo")), nil).Once()

	req := IngestRequest{Target: repo, Kinds: []domain.InteractionType{domain.InteractionPullRequest}}
	_, err := ingester.Ingest(context.Background(), req)
	require.NoError(t, err)
	summary, err := ingester.Ingest(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, &domain.KindSummary{Duplicate: 1, Filled: 1, Pages: 1}, summary.Kinds[domain.InteractionPullRequest])
	stored := countStored(t, s, domain.Filter{})
	require.Len(t, stored, 1)
	require.NotNil(t, stored[0].Actor)
	assert.Equal(t, "octo", *stored[0].Actor)
}

func TestIngester_EarlyStopOnSince(t *testing.T) {
	ingester, fetcher, s, _ := setupIngester(t, testIngestConfig())
	base := testNow.Add(-time.Hour)
	items := make([]string, 5)
	for i := range items {
		items[i] = pullJSON(10-i, base.Add(-time.Duration(i)*time.Minute), "octo")
	}
	since := base.Add(-2 * time.Minute)

	fetcher.On("GetRepository", mock.Anything, repo).Return(repoInfo, nil)
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourcePulls, "")).
		Return(page("page=2", items...), nil)

	summary, err := ingester.Ingest(context.Background(), IngestRequest{
		Target: repo,
		Kinds:  []domain.InteractionType{domain.InteractionPullRequest},
		Since:  since,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Kinds[domain.InteractionPullRequest].Inserted)
	fetcher.AssertNumberOfCalls(t, "FetchPage", 1)
	stored := countStored(t, s, domain.Filter{})
	require.Len(t, stored, 2)
	assert.Equal(t, "9", stored[0].SourceID)
	assert.Equal(t, "10", stored[1].SourceID)
}

func TestIngester_SinceDoesNotStopOldestFirstSources(t *testing.T) {
	ingester, fetcher, _, _ := setupIngester(t, testIngestConfig())
	since := testNow.Add(-24 * time.Hour)
	star := func(id int, at time.Time) string {
		return fmt.Sprintf(`{"starred_at":%q,"user":{"id":%d,"login":"u%d"}}`, at.Format(time.RFC3339), id, id)
	}

	fetcher.On("GetRepository", mock.Anything, repo).Return(repoInfo, nil)
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourceStargazers, "")).
		Return(page("page=2", star(1, since.Add(-time.Hour)), star(2, since)), nil)
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourceStargazers, "page=2")).
		Return(page("", star(3, since.Add(time.Hour))), nil)

	summary, err := ingester.Ingest(context.Background(), IngestRequest{
		Target: repo,
		Kinds:  []domain.InteractionType{domain.InteractionStar},
		Since:  since,
	})
	require.NoError(t, err)
	assert.Equal(t, &domain.KindSummary{Inserted: 1, Pages: 2}, summary.Kinds[domain.InteractionStar])
}

func TestIngester_PartialFailureIsolation(t *testing.T) {
	ingester, fetcher, s, _ := setupIngester(t, testIngestConfig())
	at := testNow.Add(-time.Hour)
	commit := fmt.Sprintf(`{"sha":"abc","commit":{"author":{"name":"Octo","date":%q}}}`, at.Format(time.RFC3339))

	fetcher.On("GetRepository", mock.Anything, repo).Return(repoInfo, nil)
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourceCommits, "")).
		Return(page("page=2", commit), nil)
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourceCommits, "page=2")).
		Return(nil, &domain.PermanentError{Op: "/repos/acme/widget/commits", StatusCode: 404, Err: fmt.Errorf("not found")})
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourceIssues, "")).
		Return(page("", issueJSON(1, at), issueJSON(2, at)), nil)

	summary, err := ingester.Ingest(context.Background(), IngestRequest{
		Target: repo,
		Kinds:  []domain.InteractionType{domain.InteractionCommit, domain.InteractionIssue},
	})
	require.NoError(t, err)

	commits := summary.Kinds[domain.InteractionCommit]
	assert.Equal(t, 1, commits.Inserted)
	assert.Contains(t, commits.Failure, "status 404")

	issues := summary.Kinds[domain.InteractionIssue]
	assert.Equal(t, &domain.KindSummary{Inserted: 2, Pages: 1}, issues)

	require.Len(t, summary.Failures, 1)
	assert.Equal(t, domain.InteractionCommit, summary.Failures[0].Kind)
	assert.Len(t, countStored(t, s, domain.Filter{}), 3)
	// Permanent errors are not retried.
	fetcher.AssertNumberOfCalls(t, "FetchPage", 3)
}

func TestIngester_RetriesTransientErrors(t *testing.T) {
	ingester, fetcher, _, clk := setupIngester(t, testIngestConfig())
	transient := &domain.TransientError{Op: "/repos/acme/widget/issues", Err: fmt.Errorf("502")}

	fetcher.On("GetRepository", mock.Anything, repo).Return(repoInfo, nil)
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourceIssues, "")).Return(nil, transient).Once()
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourceIssues, "")).
		Return(page("", issueJSON(1, testNow.Add(-time.Hour))), nil).Once()

	summary, err := ingester.Ingest(context.Background(), IngestRequest{Target: repo, Kinds: []domain.InteractionType{domain.InteractionIssue}})
	require.NoError(t, err)
	assert.Equal(t, &domain.KindSummary{Inserted: 1, Pages: 1}, summary.Kinds[domain.InteractionIssue])
	assert.Empty(t, summary.Failures)

	sleeps := clk.Sleeps()
	require.Len(t, sleeps, 1)
	assert.InDelta(t, float64(time.Second), float64(sleeps[0]), float64(100*time.Millisecond))
}

func TestIngester_RetryCapIsHonored(t *testing.T) {
	ingester, fetcher, _, clk := setupIngester(t, testIngestConfig())
	transient := &domain.TransientError{Op: "/repos/acme/widget/issues", Err: fmt.Errorf("502")}

	fetcher.On("GetRepository", mock.Anything, repo).Return(repoInfo, nil)
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourceIssues, "")).Return(nil, transient)

	summary, err := ingester.Ingest(context.Background(), IngestRequest{Target: repo, Kinds: []domain.InteractionType{domain.InteractionIssue}})
	require.NoError(t, err)

	fetcher.AssertNumberOfCalls(t, "FetchPage", 3)
	assert.Len(t, clk.Sleeps(), 2)
	require.Len(t, summary.Failures, 1)
	assert.Contains(t, summary.Failures[0].Error, "gave up after 3 attempts")
	assert.Contains(t, summary.Kinds[domain.InteractionIssue].Failure, "transient")
}

func TestIngester_CancellationAtPageBoundary(t *testing.T) {
	ingester, fetcher, s, _ := setupIngester(t, testIngestConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	at := testNow.Add(-time.Hour)

	fetcher.On("GetRepository", mock.Anything, repo).Return(repoInfo, nil)
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourceIssues, "")).
		Run(func(mock.Arguments) { cancel() }).
		Return(page("page=2", issueJSON(2, at), issueJSON(1, at.Add(-time.Minute))), nil)

	summary, err := ingester.Ingest(ctx, IngestRequest{
		Target: repo,
		Kinds:  []domain.InteractionType{domain.InteractionIssue, domain.InteractionCommit},
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)
	assert.True(t, summary.Cancelled)

	// The in-flight page was applied completely and nothing after it ran.
	assert.Equal(t, 2, summary.Kinds[domain.InteractionIssue].Inserted)
	assert.Empty(t, summary.Kinds[domain.InteractionIssue].Failure)
	assert.Equal(t, 0, summary.Kinds[domain.InteractionCommit].Pages)
	assert.Empty(t, summary.Failures)
	fetcher.AssertNumberOfCalls(t, "FetchPage", 1)
	assert.Len(t, countStored(t, s, domain.Filter{}), 2)
}

func TestIngester_PageLimit(t *testing.T) {
	cfg := testIngestConfig()
	cfg.MaxPages = 1
	ingester, fetcher, _, _ := setupIngester(t, cfg)

	fetcher.On("GetRepository", mock.Anything, repo).Return(repoInfo, nil)
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourceIssues, "")).
		Return(page("page=2", issueJSON(1, testNow)), nil)

	summary, err := ingester.Ingest(context.Background(), IngestRequest{Target: repo, Kinds: []domain.InteractionType{domain.InteractionIssue}})
	require.NoError(t, err)
	assert.Equal(t, "page limit reached", summary.Kinds[domain.InteractionIssue].Note)
	assert.Empty(t, summary.Failures)
}

func TestIngester_RecordsAPICalls(t *testing.T) {
	ingester, fetcher, s, _ := setupIngester(t, testIngestConfig())
	releasePage := page("", `{"id":1,"published_at":"2026-03-01T00:00:00Z","author":{"login":"octo"}}`)
	releasePage.Endpoint = "/repos/acme/widget/releases"
	releasePage.FetchedAt = testNow.Add(time.Second)

	fetcher.On("AuthenticatedLogin", mock.Anything).Return("octo-bot", nil)
	fetcher.On("GetRepository", mock.Anything, repo).Return(repoInfo, nil)
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourceReleases, "")).Return(releasePage, nil)

	summary, err := ingester.Ingest(context.Background(), IngestRequest{
		Target: repo,
		Kinds:  []domain.InteractionType{domain.InteractionAPICall, domain.InteractionRelease},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Kinds[domain.InteractionAPICall].Inserted)
	assert.Equal(t, 1, summary.Kinds[domain.InteractionRelease].Inserted)

	calls := countStored(t, s, domain.Filter{InteractionTypes: []domain.InteractionType{domain.InteractionAPICall}})
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, domain.StringPtr("octo-bot"), c.Actor)
		assert.Equal(t, "GET", *c.Action)
	}
}

func TestIngester_RecordsEveryPageOfAnEndpoint(t *testing.T) {
	ingester, fetcher, s, _ := setupIngester(t, testIngestConfig())
	day := testNow.Add(-24 * time.Hour)

	fetcher.On("AuthenticatedLogin", mock.Anything).Return("", fmt.Errorf("bad credentials"))
	fetcher.On("GetRepository", mock.Anything, repo).Return(repoInfo, nil)
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourcePulls, "")).
		Return(page("page=2", pullJSON(2, day, "octo")), nil)
	second := page("", pullJSON(1, day.Add(-time.Hour), "octo"))
	second.Cursor = "page=2"
	fetcher.On("FetchPage", mock.Anything, request(repo, gateway.ResourcePulls, "page=2")).Return(second, nil)

	summary, err := ingester.Ingest(context.Background(), IngestRequest{
		Target: repo,
		Kinds:  []domain.InteractionType{domain.InteractionAPICall, domain.InteractionPullRequest},
	})
	require.NoError(t, err)

	// Repository metadata plus two pulls pages fetched at the same instant.
	assert.Equal(t, 3, summary.Kinds[domain.InteractionAPICall].Inserted)
	calls := countStored(t, s, domain.Filter{InteractionTypes: []domain.InteractionType{domain.InteractionAPICall}})
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Nil(t, c.Actor)
	}
}

func TestIngester_OrganizationScope(t *testing.T) {
	ingester, fetcher, s, _ := setupIngester(t, testIngestConfig())
	event := `{"id":"e1","type":"WatchEvent","created_at":"2026-03-01T00:00:00Z","actor":{"login":"octo"},"repo":{"name":"acme/gadget"},"payload":{"action":"started"}}`

	fetcher.On("FetchPage", mock.Anything, request(org, gateway.ResourceOrgEvents, "")).Return(page("", event), nil)

	summary, err := ingester.Ingest(context.Background(), IngestRequest{
		Target: org,
		Kinds:  []domain.InteractionType{domain.InteractionCommit, domain.InteractionWatch},
	})
	require.NoError(t, err)

	assert.True(t, summary.Kinds[domain.InteractionCommit].Unsupported)
	assert.Empty(t, summary.Failures)
	assert.Equal(t, 1, summary.Kinds[domain.InteractionWatch].Inserted)
	fetcher.AssertNotCalled(t, "GetRepository", mock.Anything, mock.Anything)

	stored := countStored(t, s, domain.Filter{})
	require.Len(t, stored, 1)
	assert.Equal(t, "acme/gadget", stored[0].Repository)
}

func TestIngester_FanOut(t *testing.T) {
	cfg := testIngestConfig()
	cfg.Concurrency = 2
	ingester, fetcher, s, _ := setupIngester(t, cfg)
	alpha := domain.Target{Organization: "acme", Repository: "alpha"}
	beta := domain.Target{Organization: "acme", Repository: "beta"}
	star := func(id int) string {
		return fmt.Sprintf(`{"starred_at":"2026-03-01T00:00:00Z","user":{"id":%d,"login":"u%d"}}`, id, id)
	}

	fetcher.On("FetchPage", mock.Anything, request(org, gateway.ResourceOrgRepos, "")).
		Return(page("after=Y3Vy", `{"name":"alpha","nameWithOwner":"acme/alpha","stargazerCount":2,"forkCount":0}`), nil)
	fetcher.On("FetchPage", mock.Anything, request(org, gateway.ResourceOrgRepos, "after=Y3Vy")).
		Return(page("", `{"name":"Beta","nameWithOwner":"acme/Beta","stargazerCount":1,"forkCount":4}`), nil)
	fetcher.On("FetchPage", mock.Anything, request(alpha, gateway.ResourceStargazers, "")).Return(page("", star(1), star(2)), nil)
	fetcher.On("FetchPage", mock.Anything, request(beta, gateway.ResourceStargazers, "")).
		Return(nil, &domain.PermanentError{Op: "/repos/acme/beta/stargazers", StatusCode: 403, Err: fmt.Errorf("forbidden")})

	summary, err := ingester.Ingest(context.Background(), IngestRequest{
		Target:     org,
		Kinds:      []domain.InteractionType{domain.InteractionStar},
		FetchRepos: true,
	})
	require.NoError(t, err)

	assert.True(t, summary.Kinds[domain.InteractionStar].Unsupported)
	require.Len(t, summary.Repositories, 2)
	assert.Equal(t, "acme/alpha", summary.Repositories[0].Target)
	assert.Equal(t, 2, summary.Repositories[0].Kinds[domain.InteractionStar].Inserted)
	assert.Equal(t, "acme/beta", summary.Repositories[1].Target)
	assert.Equal(t, 2, summary.Inserted())

	failures := summary.AllFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, "acme/beta", failures[0].Target)

	repos, err := s.ListRepositories(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, repos, 2)
	assert.Equal(t, 2, *repos[0].Stars)
	assert.Equal(t, 4, *repos[1].Forks)
}

func TestIngester_ConfigurationErrors(t *testing.T) {
	ingester, fetcher, _, _ := setupIngester(t, testIngestConfig())

	testCases := []struct {
		name string
		req  IngestRequest
	}{
		{"missing organization", IngestRequest{}},
		{"unknown kind", IngestRequest{Target: repo, Kinds: []domain.InteractionType{"gist"}}},
		{"fan-out from a repository", IngestRequest{Target: repo, FetchRepos: true}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingester.Ingest(context.Background(), tc.req)
			assert.True(t, domain.IsConfiguration(err))
		})
	}
	fetcher.AssertNotCalled(t, "FetchPage", mock.Anything, mock.Anything)
}
