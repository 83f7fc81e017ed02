package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/go-github/v84/github"
	"github.com/naka-gawa/github-interactions/internal/domain"
	"github.com/naka-gawa/github-interactions/internal/gateway"
)

func isEventStream(res gateway.Resource) bool {
	return res == gateway.ResourceRepoEvents || res == gateway.ResourceOrgEvents
}

// repoOrEvents lists repoRes for repositories and the organization event
// stream for organizations.
func repoOrEvents(target domain.Target, repoRes gateway.Resource) (gateway.Resource, bool) {
	res := gateway.ResourceOrgEvents
	if target.IsRepository() {
		res = repoRes
	}
	return res, gateway.Supports(res, target)
}

func repoOnly(target domain.Target, repoRes gateway.Resource) (gateway.Resource, bool) {
	return repoRes, gateway.Supports(repoRes, target)
}

type commits struct{}

func (commits) Type() domain.InteractionType { return domain.InteractionCommit }
func (commits) NewestFirst() bool { return true }
func (commits) Source(t domain.Target) (gateway.Resource, bool) {
	return repoOnly(t, gateway.ResourceCommits)
}

// Normalize dates a commit by its author date; the committer date moves on
// rebase.
func (commits) Normalize(target domain.Target, _ gateway.Resource, raw json.RawMessage) (Item, error) {
	var c github.RepositoryCommit
	if err := decode(raw, &c); err != nil {
		return Item{}, err
	}
	at := timeOf(c.GetCommit().GetAuthor().GetDate())
	if at.IsZero() || c.GetSHA() == "" {
		return Item{}, nil
	}
	actor := login(c.GetAuthor())
	if actor == nil {
		actor = domain.StringPtr(c.GetCommit().GetAuthor().GetName())
	}
	cand := repoCandidate(target, domain.InteractionCommit, c.GetSHA(), actor, "commit", at, c.GetHTMLURL())
	cand.Payload = payload(map[string]interface{}{
		"sha":            c.GetSHA(),
		"message":        firstLine(c.GetCommit().GetMessage()),
		"author_date":    at,
		"committer_date": timeOf(c.GetCommit().GetCommitter().GetDate()),
	})
	return Item{At: at, Candidates: []domain.Candidate{cand}}, nil
}

type pullRequests struct{}

func (pullRequests) Type() domain.InteractionType { return domain.InteractionPullRequest }
func (pullRequests) NewestFirst() bool { return true }
func (pullRequests) Source(t domain.Target) (gateway.Resource, bool) {
	return repoOrEvents(t, gateway.ResourcePulls)
}

func (pullRequests) Normalize(target domain.Target, res gateway.Resource, raw json.RawMessage) (Item, error) {
	if isEventStream(res) {
		return pullRequestEvent(target, raw)
	}
	var pr github.PullRequest
	if err := decode(raw, &pr); err != nil {
		return Item{}, err
	}
	at := timeOf(pr.GetCreatedAt())
	if at.IsZero() || pr.GetNumber() == 0 {
		return Item{}, nil
	}
	return Item{At: at, Candidates: []domain.Candidate{pullRequestCandidate(target, &pr, pullRequestState(&pr), at)}}, nil
}

func pullRequestState(pr *github.PullRequest) string {
	switch {
	case pr.GetMerged() || pr.MergedAt != nil:
		return "merged"
	case pr.GetState() == "closed":
		return "closed"
	default:
		return "opened"
	}
}

func pullRequestCandidate(target domain.Target, pr *github.PullRequest, action string, at time.Time) domain.Candidate {
	cand := repoCandidate(target, domain.InteractionPullRequest, itoa(pr.GetNumber()), login(pr.GetUser()), action, at, pr.GetHTMLURL())
	cand.Payload = payload(map[string]interface{}{
		"title": pr.GetTitle(),
		"state": pr.GetState(),
		"draft": pr.GetDraft(),
		"base":  pr.GetBase().GetRef(),
		"head":  pr.GetHead().GetRef(),
	})
	return cand
}

type issues struct{}

func (issues) Type() domain.InteractionType { return domain.InteractionIssue }
func (issues) NewestFirst() bool { return true }
func (issues) Source(t domain.Target) (gateway.Resource, bool) {
	return repoOrEvents(t, gateway.ResourceIssues)
}

// Normalize ignores pull requests, which the issues listing also returns.
func (issues) Normalize(target domain.Target, res gateway.Resource, raw json.RawMessage) (Item, error) {
	if isEventStream(res) {
		return issueEvent(target, raw)
	}
	var is github.Issue
	if err := decode(raw, &is); err != nil {
		return Item{}, err
	}
	at := timeOf(is.GetCreatedAt())
	if at.IsZero() || is.GetNumber() == 0 {
		return Item{}, nil
	}
	if is.IsPullRequest() {
		return Item{At: at}, nil
	}
	action := "opened"
	if is.GetState() == "closed" {
		action = "closed"
	}
	return Item{At: at, Candidates: []domain.Candidate{issueCandidate(target, &is, action, at)}}, nil
}

func issueCandidate(target domain.Target, is *github.Issue, action string, at time.Time) domain.Candidate {
	labels := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		labels = append(labels, l.GetName())
	}
	cand := repoCandidate(target, domain.InteractionIssue, itoa(is.GetNumber()), login(is.GetUser()), action, at, is.GetHTMLURL())
	cand.Payload = payload(map[string]interface{}{
		"title":    is.GetTitle(),
		"state":    is.GetState(),
		"labels":   labels,
		"comments": is.GetComments(),
	})
	return cand
}

type comments struct{}

func (comments) Type() domain.InteractionType { return domain.InteractionComment }
func (comments) NewestFirst() bool { return true }
func (comments) Source(t domain.Target) (gateway.Resource, bool) {
	return repoOrEvents(t, gateway.ResourceIssueComments)
}

func (comments) Normalize(target domain.Target, res gateway.Resource, raw json.RawMessage) (Item, error) {
	if isEventStream(res) {
		return issueCommentEvent(target, raw)
	}
	var c github.IssueComment
	if err := decode(raw, &c); err != nil {
		return Item{}, err
	}
	at := timeOf(c.GetCreatedAt())
	if at.IsZero() || c.GetID() == 0 {
		return Item{}, nil
	}
	return Item{At: at, Candidates: []domain.Candidate{commentCandidate(target, &c, "created", at)}}, nil
}

func commentCandidate(target domain.Target, c *github.IssueComment, action string, at time.Time) domain.Candidate {
	cand := repoCandidate(target, domain.InteractionComment, i64toa(c.GetID()), login(c.GetUser()), action, at, c.GetHTMLURL())
	cand.Payload = payload(map[string]interface{}{
		"issue_url": c.GetIssueURL(),
	})
	return cand
}

// reviews have no repository listing; they come from the event streams.
type reviews struct{}

func (reviews) Type() domain.InteractionType { return domain.InteractionReview }
func (reviews) NewestFirst() bool { return true }
func (reviews) Source(t domain.Target) (gateway.Resource, bool) {
	return repoOrEvents(t, gateway.ResourceRepoEvents)
}

func (reviews) Normalize(target domain.Target, _ gateway.Resource, raw json.RawMessage) (Item, error) {
	return reviewEvent(target, raw)
}

type forks struct{}

func (forks) Type() domain.InteractionType { return domain.InteractionFork }
func (forks) NewestFirst() bool { return true }
func (forks) Source(t domain.Target) (gateway.Resource, bool) {
	return repoOrEvents(t, gateway.ResourceForks)
}

func (forks) Normalize(target domain.Target, res gateway.Resource, raw json.RawMessage) (Item, error) {
	if isEventStream(res) {
		return forkEvent(target, raw)
	}
	var fork github.Repository
	if err := decode(raw, &fork); err != nil {
		return Item{}, err
	}
	at := timeOf(fork.GetCreatedAt())
	if at.IsZero() || fork.GetID() == 0 {
		return Item{}, nil
	}
	return Item{At: at, Candidates: []domain.Candidate{forkCandidate(target, &fork, at)}}, nil
}

func forkCandidate(target domain.Target, fork *github.Repository, at time.Time) domain.Candidate {
	cand := repoCandidate(target, domain.InteractionFork, i64toa(fork.GetID()), login(fork.GetOwner()), "fork", at, fork.GetHTMLURL())
	cand.Payload = payload(map[string]interface{}{
		"full_name": fork.GetFullName(),
	})
	return cand
}

// stars are listed oldest first, so since never stops the traversal early.
type stars struct{}

func (stars) Type() domain.InteractionType { return domain.InteractionStar }
func (stars) NewestFirst() bool { return false }
func (stars) Source(t domain.Target) (gateway.Resource, bool) {
	return repoOnly(t, gateway.ResourceStargazers)
}

func (stars) Normalize(target domain.Target, _ gateway.Resource, raw json.RawMessage) (Item, error) {
	var s github.Stargazer
	if err := decode(raw, &s); err != nil {
		return Item{}, err
	}
	at := timeOf(s.GetStarredAt())
	if at.IsZero() || s.GetUser().GetID() == 0 {
		return Item{}, nil
	}
	cand := repoCandidate(target, domain.InteractionStar, i64toa(s.GetUser().GetID()), login(s.GetUser()), "star", at, s.GetUser().GetHTMLURL())
	return Item{At: at, Candidates: []domain.Candidate{cand}}, nil
}

type watches struct{}

func (watches) Type() domain.InteractionType { return domain.InteractionWatch }
func (watches) NewestFirst() bool { return true }
func (watches) Source(t domain.Target) (gateway.Resource, bool) {
	return repoOrEvents(t, gateway.ResourceRepoEvents)
}

func (watches) Normalize(target domain.Target, _ gateway.Resource, raw json.RawMessage) (Item, error) {
	return watchEvent(target, raw)
}

type releases struct{}

func (releases) Type() domain.InteractionType { return domain.InteractionRelease }
func (releases) NewestFirst() bool { return true }
func (releases) Source(t domain.Target) (gateway.Resource, bool) {
	return repoOrEvents(t, gateway.ResourceReleases)
}

func (releases) Normalize(target domain.Target, res gateway.Resource, raw json.RawMessage) (Item, error) {
	if isEventStream(res) {
		return releaseEvent(target, raw)
	}
	var rel github.RepositoryRelease
	if err := decode(raw, &rel); err != nil {
		return Item{}, err
	}
	at := firstTime(rel.GetPublishedAt(), rel.GetCreatedAt())
	if at.IsZero() || rel.GetID() == 0 {
		return Item{}, nil
	}
	return Item{At: at, Candidates: []domain.Candidate{releaseCandidate(target, &rel, at)}}, nil
}

func releaseState(rel *github.RepositoryRelease) string {
	switch {
	case rel.GetDraft():
		return "draft"
	case rel.GetPrerelease():
		return "prerelease"
	default:
		return "published"
	}
}

func releaseCandidate(target domain.Target, rel *github.RepositoryRelease, at time.Time) domain.Candidate {
	cand := repoCandidate(target, domain.InteractionRelease, i64toa(rel.GetID()), login(rel.GetAuthor()), releaseState(rel), at, rel.GetHTMLURL())
	cand.Payload = payload(map[string]interface{}{
		"tag":  rel.GetTagName(),
		"name": rel.GetName(),
	})
	return cand
}

type workflowRuns struct{}

func (workflowRuns) Type() domain.InteractionType { return domain.InteractionWorkflowRun }
func (workflowRuns) NewestFirst() bool { return true }
func (workflowRuns) Source(t domain.Target) (gateway.Resource, bool) {
	return repoOnly(t, gateway.ResourceWorkflowRuns)
}

func (workflowRuns) Normalize(target domain.Target, _ gateway.Resource, raw json.RawMessage) (Item, error) {
	var run github.WorkflowRun
	if err := decode(raw, &run); err != nil {
		return Item{}, err
	}
	at := timeOf(run.GetCreatedAt())
	if at.IsZero() || run.GetID() == 0 {
		return Item{}, nil
	}
	cand := repoCandidate(target, domain.InteractionWorkflowRun, i64toa(run.GetID()), login(run.GetActor()),
		strings.ToLower(run.GetStatus()), at, run.GetHTMLURL())
	cand.Payload = payload(map[string]interface{}{
		"name":        run.GetName(),
		"event":       run.GetEvent(),
		"conclusion":  run.GetConclusion(),
		"head_branch": run.GetHeadBranch(),
		"run_number":  run.GetRunNumber(),
	})
	return Item{At: at, Candidates: []domain.Candidate{cand}}, nil
}
