package gateway

import (
	"fmt"

	"github.com/naka-gawa/github-interactions/internal/domain"
)

// Resource is a provider listing the pipeline can page through.
type Resource string

const (
	ResourceCommits       Resource = "commits"
	ResourcePulls         Resource = "pulls"
	ResourceIssues        Resource = "issues"
	ResourceIssueComments Resource = "issue_comments"
	ResourceStargazers    Resource = "stargazers"
	ResourceForks         Resource = "forks"
	ResourceReleases      Resource = "releases"
	ResourceWorkflowRuns  Resource = "workflow_runs"
	ResourceRepoEvents    Resource = "repo_events"
	ResourceOrgEvents     Resource = "org_events"
	// ResourceOrgRepos pages through GraphQL; items decode into RepositoryNode.
	ResourceOrgRepos Resource = "org_repos"
)

type endpoint struct {
	repoPath string // owner, repo
	orgPath  string // org
	params   map[string]string
	accept   string
	envelope string
	since    bool
}

var endpoints = map[Resource]endpoint{
	ResourceCommits: {repoPath: "repos/%s/%s/commits", since: true},
	ResourcePulls: {
		repoPath: "repos/%s/%s/pulls",
		params:   map[string]string{"state": "all", "sort": "created", "direction": "desc"},
	},
	ResourceIssues: {
		repoPath: "repos/%s/%s/issues",
		params:   map[string]string{"state": "all", "sort": "created", "direction": "desc"},
		since:    true,
	},
	ResourceIssueComments: {
		repoPath: "repos/%s/%s/issues/comments",
		params:   map[string]string{"sort": "created", "direction": "desc"},
		since:    true,
	},
	ResourceStargazers: {repoPath: "repos/%s/%s/stargazers", accept: "application/vnd.github.star+json"},
	ResourceForks: {
		repoPath: "repos/%s/%s/forks",
		params:   map[string]string{"sort": "newest"},
	},
	ResourceReleases:     {repoPath: "repos/%s/%s/releases"},
	ResourceWorkflowRuns: {repoPath: "repos/%s/%s/actions/runs", envelope: "workflow_runs"},
	ResourceRepoEvents:   {repoPath: "repos/%s/%s/events"},
	ResourceOrgEvents:    {orgPath: "orgs/%s/events"},
}

func (e endpoint) path(target domain.Target) (string, bool) {
	if target.IsRepository() {
		if e.repoPath == "" {
			return "", false
		}
		return fmt.Sprintf(e.repoPath, target.Organization, target.Repository), true
	}
	if e.orgPath == "" {
		return "", false
	}
	return fmt.Sprintf(e.orgPath, target.Organization), true
}

// Supports reports whether the resource can be listed for the target's scope.
func Supports(res Resource, target domain.Target) bool {
	if res == ResourceOrgRepos {
		return !target.IsRepository()
	}
	ep, ok := endpoints[res]
	if !ok {
		return false
	}
	_, ok = ep.path(target)
	return ok
}
