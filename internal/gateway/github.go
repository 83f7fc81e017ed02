// Package gateway provides a gateway to the GitHub API,
// abstracting away the underlying REST and GraphQL clients.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"github.com/google/go-github/v84/github"
	"github.com/naka-gawa/github-interactions/internal/clock"
	"github.com/naka-gawa/github-interactions/internal/config"
	"github.com/naka-gawa/github-interactions/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// lowRateLimitWarning is the remaining quota below which every response is logged at warn level.
const lowRateLimitWarning = 10

const (
	categoryCore    = "core"
	categoryGraphQL = "graphql"
)

// Cursor is an opaque pagination position. The zero value is the first page.
type Cursor string

// PageRequest identifies one page of a resource listing.
type PageRequest struct {
	Resource Resource
	Target   domain.Target
	Cursor   Cursor
	// Since is forwarded to endpoints that accept it. Callers must still
	// check item timestamps themselves.
	Since time.Time
}

// Page is one page of raw items in provider order.
type Page struct {
	Items     []json.RawMessage
	// Cursor is the position this page was fetched from.
	Cursor    Cursor
	Next      Cursor
	HasNext   bool
	Method    string
	Endpoint  string
	FetchedAt time.Time
	RateLimit domain.RateLimit
}

// RepositoryInfo is the repository metadata cached on tracked repositories.
type RepositoryInfo struct {
	FullName string
	Stars    int
	Forks    int
}

// Fetcher defines the behavior of a gateway for fetching information from GitHub.
type Fetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)
	GetRepository(ctx context.Context, target domain.Target) (*RepositoryInfo, error)
	CurrentRateLimit(ctx context.Context) (domain.RateLimit, error)
	AuthenticatedLogin(ctx context.Context) (string, error)
}

type rateState struct {
	known bool
	limit domain.RateLimit
}

// GitHubGateway is the concrete implementation of the Fetcher interface.
// It is the only component that waits on the provider's rate limit.
type GitHubGateway struct {
	restClient    *github.Client
	graphqlClient *githubv4.Client
	limiter       *rate.Limiter
	clock         clock.Clock
	perPage       int
	floor         int
	maxJitter     time.Duration
	logger        zerolog.Logger

	mu    sync.Mutex
	rates map[string]rateState
}

// NewGitHubGateway is a constructor that creates a new instance of GitHubGateway.
func NewGitHubGateway(cfg config.GitHubConfig, clk clock.Clock, logger zerolog.Logger) (*GitHubGateway, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, &domain.ConfigurationError{Field: "github.token", Msg: "GITHUB_TOKEN is not set"}
	}
	rateLimitWaiter, err := github_ratelimit.NewRateLimitWaiter(nil, github_ratelimit.WithSingleSleepLimit(cfg.SecondaryLimitMaxSleep, nil))
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit waiter: %w", err)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &oauth2.Transport{
			Base:   rateLimitWaiter,
			Source: ts,
		},
	}

	restClient := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		baseURL, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, &domain.ConfigurationError{Field: "github.base_url", Msg: err.Error()}
		}
		restClient.BaseURL = baseURL
	}
	graphqlURL := cfg.GraphQLURL
	if graphqlURL == "" {
		graphqlURL = "https://api.github.com/graphql"
	}

	return newGitHubGateway(restClient, githubv4.NewEnterpriseClient(graphqlURL, httpClient), cfg, clk, logger), nil
}

func newGitHubGateway(restClient *github.Client, graphqlClient *githubv4.Client, cfg config.GitHubConfig, clk clock.Clock, logger zerolog.Logger) *GitHubGateway {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	perPage := cfg.PerPage
	if perPage <= 0 || perPage > 100 {
		perPage = 100
	}
	return &GitHubGateway{
		restClient:    restClient,
		graphqlClient: graphqlClient,
		limiter:       rate.NewLimiter(limit, 1),
		clock:         clk,
		perPage:       perPage,
		floor:         cfg.RateLimitFloor,
		maxJitter:     cfg.RateLimitJitter,
		logger:        logger,
		rates:         make(map[string]rateState),
	}
}

// FetchPage fetches one page of the requested resource, suspending first if
// the last observed quota is at or below the configured floor.
func (g *GitHubGateway) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	if req.Resource == ResourceOrgRepos {
		return g.fetchOrgRepositories(ctx, req)
	}
	ep, ok := endpoints[req.Resource]
	if !ok {
		return nil, &domain.PermanentError{Op: string(req.Resource), Err: fmt.Errorf("unknown resource")}
	}
	path, ok := ep.path(req.Target)
	if !ok {
		return nil, &domain.PermanentError{Op: string(req.Resource), Err: fmt.Errorf("resource is not available for target %s", req.Target)}
	}

	query := url.Values{}
	query.Set("per_page", strconv.Itoa(g.perPage))
	for k, v := range ep.params {
		query.Set(k, v)
	}
	if ep.since && !req.Since.IsZero() {
		query.Set("since", req.Since.UTC().Format(time.RFC3339))
	}
	cursorValues, err := url.ParseQuery(string(req.Cursor))
	if err != nil {
		return nil, &domain.PermanentError{Op: path, Err: fmt.Errorf("malformed cursor %q: %w", req.Cursor, err)}
	}
	for k := range cursorValues {
		query.Set(k, cursorValues.Get(k))
	}

	var body json.RawMessage
	resp, err := g.do(ctx, path+"?"+query.Encode(), ep.accept, &body)
	if err != nil {
		return nil, err
	}

	items, err := splitItems(body, ep.envelope)
	if err != nil {
		return nil, &domain.PermanentError{Op: path, Err: fmt.Errorf("failed to decode page: %w", err)}
	}
	next, hasNext := nextCursor(resp)

	g.logger.Debug().Str("endpoint", path).Str("cursor", string(req.Cursor)).Int("items", len(items)).
		Bool("has_next", hasNext).Msg("fetched page")

	return &Page{
		Items:     items,
		Cursor:    req.Cursor,
		Next:      next,
		HasNext:   hasNext,
		Method:    http.MethodGet,
		Endpoint:  "/" + path,
		FetchedAt: g.clock.Now().UTC(),
		RateLimit: g.lastRate(categoryCore),
	}, nil
}

// GetRepository fetches the repository's metadata.
func (g *GitHubGateway) GetRepository(ctx context.Context, target domain.Target) (*RepositoryInfo, error) {
	if !target.IsRepository() {
		return nil, &domain.ConfigurationError{Field: "target", Msg: fmt.Sprintf("%s is not a repository", target)}
	}
	var repo github.Repository
	if _, err := g.do(ctx, fmt.Sprintf("repos/%s/%s", target.Organization, target.Repository), "", &repo); err != nil {
		return nil, err
	}
	return &RepositoryInfo{
		FullName: repo.GetFullName(),
		Stars:    repo.GetStargazersCount(),
		Forks:    repo.GetForksCount(),
	}, nil
}

// AuthenticatedLogin returns the login of the token's owner.
func (g *GitHubGateway) AuthenticatedLogin(ctx context.Context) (string, error) {
	var user github.User
	if _, err := g.do(ctx, "user", "", &user); err != nil {
		return "", err
	}
	return user.GetLogin(), nil
}

type rateLimitResponse struct {
	Resources struct {
		Core *github.Rate `json:"core"`
	} `json:"resources"`
}

// CurrentRateLimit queries the core REST quota. The call itself does not
// consume quota.
func (g *GitHubGateway) CurrentRateLimit(ctx context.Context) (domain.RateLimit, error) {
	var body rateLimitResponse
	if _, err := g.do(ctx, "rate_limit", "", &body); err != nil {
		return domain.RateLimit{}, err
	}
	if body.Resources.Core == nil {
		return domain.RateLimit{}, &domain.PermanentError{Op: "rate_limit", Err: fmt.Errorf("response has no core rate")}
	}
	rl := toRateLimit(*body.Resources.Core)
	g.setRate(categoryCore, rl)
	return rl, nil
}

// LastRateLimit returns the most recently observed core quota without a request.
func (g *GitHubGateway) LastRateLimit() (domain.RateLimit, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.rates[categoryCore]
	return st.limit, st.known
}

// do performs a REST GET against the base URL and decodes the body into v.
func (g *GitHubGateway) do(ctx context.Context, path, accept string, v interface{}) (*github.Response, error) {
	if err := g.awaitQuota(ctx, categoryCore); err != nil {
		return nil, err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := g.restClient.NewRequest(http.MethodGet, path, nil)
	if err != nil {
		return nil, &domain.PermanentError{Op: path, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	// The adapter owns the primary rate-limit policy; go-github's own
	// pre-emptive check would reject without issuing the request.
	resp, err := g.restClient.Do(context.WithValue(ctx, github.BypassRateLimitCheck, true), req, v)
	g.observe(categoryCore, resp)
	if err != nil {
		return resp, classify(ctx, g.clock.Now(), "/"+path, err)
	}
	return resp, nil
}

// awaitQuota suspends until the quota resets when the last observed remaining
// count is at or below the floor. No storage lock is held by any caller here.
func (g *GitHubGateway) awaitQuota(ctx context.Context, category string) error {
	g.mu.Lock()
	st := g.rates[category]
	g.mu.Unlock()

	if !st.known || st.limit.Remaining > g.floor {
		return nil
	}
	now := g.clock.Now()
	if !st.limit.ResetAt.After(now) {
		return nil
	}

	wait := st.limit.ResetAt.Sub(now) + g.jitter()
	g.logger.Warn().Str("category", category).Int("remaining", st.limit.Remaining).
		Time("reset_at", st.limit.ResetAt).Dur("wait", wait).Msg("rate limit floor reached, suspending")
	if err := g.clock.Sleep(ctx, wait); err != nil {
		return err
	}

	// The next response re-establishes the quota.
	g.mu.Lock()
	if cur := g.rates[category]; cur.limit.ResetAt.Equal(st.limit.ResetAt) {
		g.rates[category] = rateState{}
	}
	g.mu.Unlock()
	return nil
}

func (g *GitHubGateway) jitter() time.Duration {
	if g.maxJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(g.maxJitter) + 1))
}

func (g *GitHubGateway) observe(category string, resp *github.Response) {
	if resp == nil || resp.Response == nil || resp.Header.Get("X-RateLimit-Remaining") == "" {
		return
	}
	g.setRate(category, toRateLimit(resp.Rate))
}

func (g *GitHubGateway) setRate(category string, rl domain.RateLimit) {
	g.mu.Lock()
	g.rates[category] = rateState{known: true, limit: rl}
	g.mu.Unlock()

	if rl.Remaining < lowRateLimitWarning {
		g.logger.Warn().Str("category", category).Int("remaining", rl.Remaining).
			Time("reset_at", rl.ResetAt).Msg("low rate limit remaining")
	}
}

func (g *GitHubGateway) lastRate(category string) domain.RateLimit {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rates[category].limit
}

func toRateLimit(r github.Rate) domain.RateLimit {
	return domain.RateLimit{
		Limit:     r.Limit,
		Remaining: r.Remaining,
		Used:      r.Used,
		ResetAt:   r.Reset.Time.UTC(),
	}
}

// nextCursor folds GitHub's page-number and opaque-cursor Link idioms into one
// Cursor holding the query parameters of the next page.
func nextCursor(resp *github.Response) (Cursor, bool) {
	if resp == nil {
		return "", false
	}
	next := url.Values{}
	switch {
	case resp.NextPage != 0:
		next.Set("page", strconv.Itoa(resp.NextPage))
	case resp.After != "":
		next.Set("after", resp.After)
	case resp.Cursor != "":
		next.Set("cursor", resp.Cursor)
	case resp.NextPageToken != "":
		next.Set("page", resp.NextPageToken)
	default:
		return "", false
	}
	return Cursor(next.Encode()), true
}

func splitItems(body json.RawMessage, envelope string) ([]json.RawMessage, error) {
	if envelope != "" {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, err
		}
		body = wrapped[envelope]
	}
	if len(body) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, err
	}
	return items, nil
}
