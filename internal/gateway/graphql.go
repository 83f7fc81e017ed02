package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/naka-gawa/github-interactions/internal/domain"
	"github.com/shurcooL/githubv4"
)

// RepositoryNode is one item of a ResourceOrgRepos page.
type RepositoryNode struct {
	Name           string `json:"name"`
	NameWithOwner  string `json:"nameWithOwner"`
	StargazerCount int    `json:"stargazerCount"`
	ForkCount      int    `json:"forkCount"`
	IsArchived     bool   `json:"isArchived"`
}

type orgRepositoriesQuery struct {
	Organization struct {
		Repositories struct {
			PageInfo struct {
				HasNextPage bool
				EndCursor   githubv4.String
			}
			Nodes []struct {
				Name           githubv4.String
				NameWithOwner  githubv4.String
				StargazerCount githubv4.Int
				ForkCount      githubv4.Int
				IsArchived     githubv4.Boolean
			}
		} `graphql:"repositories(first: $first, after: $cursor, orderBy: {field: NAME, direction: ASC})"`
	} `graphql:"organization(login: $login)"`
	RateLimit struct {
		Limit     githubv4.Int
		Remaining githubv4.Int
		Used      githubv4.Int
		ResetAt   githubv4.DateTime
	}
}

// fetchOrgRepositories lists an organization's repositories in name order.
func (g *GitHubGateway) fetchOrgRepositories(ctx context.Context, req PageRequest) (*Page, error) {
	op := "graphql:organization.repositories"
	if req.Target.IsRepository() {
		return nil, &domain.PermanentError{Op: op, Err: fmt.Errorf("resource is not available for target %s", req.Target)}
	}
	cursorValues, err := url.ParseQuery(string(req.Cursor))
	if err != nil {
		return nil, &domain.PermanentError{Op: op, Err: fmt.Errorf("malformed cursor %q: %w", req.Cursor, err)}
	}

	if err := g.awaitQuota(ctx, categoryGraphQL); err != nil {
		return nil, err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var cursor *githubv4.String
	if after := cursorValues.Get("after"); after != "" {
		cursor = githubv4.NewString(githubv4.String(after))
	}
	variables := map[string]interface{}{
		"login":  githubv4.String(req.Target.Organization),
		"first":  githubv4.Int(g.perPage),
		"cursor": cursor,
	}

	var q orgRepositoriesQuery
	if err := g.graphqlClient.Query(ctx, &q, variables); err != nil {
		return nil, classifyGraphQL(ctx, op, err)
	}
	g.setRate(categoryGraphQL, domain.RateLimit{
		Limit:     int(q.RateLimit.Limit),
		Remaining: int(q.RateLimit.Remaining),
		Used:      int(q.RateLimit.Used),
		ResetAt:   q.RateLimit.ResetAt.UTC(),
	})

	repos := q.Organization.Repositories
	items := make([]json.RawMessage, 0, len(repos.Nodes))
	for _, n := range repos.Nodes {
		raw, err := json.Marshal(RepositoryNode{
			Name:           string(n.Name),
			NameWithOwner:  string(n.NameWithOwner),
			StargazerCount: int(n.StargazerCount),
			ForkCount:      int(n.ForkCount),
			IsArchived:     bool(n.IsArchived),
		})
		if err != nil {
			return nil, &domain.PermanentError{Op: op, Err: err}
		}
		items = append(items, raw)
	}

	page := &Page{
		Items:     items,
		Cursor:    req.Cursor,
		Method:    "POST",
		Endpoint:  "/graphql",
		FetchedAt: g.clock.Now().UTC(),
		RateLimit: g.lastRate(categoryGraphQL),
	}
	if repos.PageInfo.HasNextPage {
		page.HasNext = true
		page.Next = Cursor(url.Values{"after": {string(repos.PageInfo.EndCursor)}}.Encode())
	}

	g.logger.Debug().Str("org", req.Target.Organization).Int("items", len(items)).
		Bool("has_next", page.HasNext).Msg("fetched organization repositories")
	return page, nil
}
