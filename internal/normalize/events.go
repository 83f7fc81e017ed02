package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/go-github/v84/github"
	"github.com/naka-gawa/github-interactions/internal/domain"
)

// decodeEvent decodes an event and, when its type is want, its payload into v.
// The returned Item carries the event time even when the type does not match,
// so early stop keeps working on mixed streams.
func decodeEvent(raw json.RawMessage, want string, v interface{}) (*github.Event, Item, bool, error) {
	var ev github.Event
	if err := decode(raw, &ev); err != nil {
		return nil, Item{}, false, err
	}
	item := Item{At: timeOf(ev.GetCreatedAt())}
	if item.At.IsZero() || ev.GetType() != want || ev.RawPayload == nil {
		return &ev, item, false, nil
	}
	if err := json.Unmarshal(*ev.RawPayload, v); err != nil {
		return nil, Item{}, false, fmt.Errorf("failed to decode %s payload: %w", want, err)
	}
	return &ev, item, true, nil
}

// eventTarget attributes an event to the repository it names so that the
// natural key matches the one the repository listing produces.
func eventTarget(target domain.Target, ev *github.Event) domain.Target {
	if _, name, ok := strings.Cut(ev.GetRepo().GetName(), "/"); ok && name != "" {
		return domain.Target{Organization: target.Organization, Repository: domain.NormalizeName(name)}
	}
	return target
}

func eventActor(primary *github.User, ev *github.Event) *string {
	if actor := login(primary); actor != nil {
		return actor
	}
	return login(ev.GetActor())
}

func pullRequestEvent(target domain.Target, raw json.RawMessage) (Item, error) {
	var p github.PullRequestEvent
	ev, item, ok, err := decodeEvent(raw, "PullRequestEvent", &p)
	if !ok || err != nil {
		return item, err
	}
	pr := p.GetPullRequest()
	if pr == nil {
		pr = &github.PullRequest{}
	}
	if pr.Number == nil {
		pr.Number = p.Number
	}
	if pr.GetNumber() == 0 {
		return item, nil
	}
	action := p.GetAction()
	if action == "closed" && pr.GetMerged() {
		action = "merged"
	}
	at := firstTime(pr.GetCreatedAt(), ev.GetCreatedAt())
	cand := pullRequestCandidate(eventTarget(target, ev), pr, action, at)
	cand.Actor = eventActor(pr.GetUser(), ev)
	item.Candidates = []domain.Candidate{cand}
	return item, nil
}

func issueEvent(target domain.Target, raw json.RawMessage) (Item, error) {
	var p github.IssuesEvent
	ev, item, ok, err := decodeEvent(raw, "IssuesEvent", &p)
	if !ok || err != nil {
		return item, err
	}
	is := p.GetIssue()
	if is == nil || is.GetNumber() == 0 || is.IsPullRequest() {
		return item, nil
	}
	at := firstTime(is.GetCreatedAt(), ev.GetCreatedAt())
	cand := issueCandidate(eventTarget(target, ev), is, p.GetAction(), at)
	cand.Actor = eventActor(is.GetUser(), ev)
	item.Candidates = []domain.Candidate{cand}
	return item, nil
}

func issueCommentEvent(target domain.Target, raw json.RawMessage) (Item, error) {
	var p github.IssueCommentEvent
	ev, item, ok, err := decodeEvent(raw, "IssueCommentEvent", &p)
	if !ok || err != nil {
		return item, err
	}
	c := p.GetComment()
	if c == nil || c.GetID() == 0 {
		return item, nil
	}
	at := firstTime(c.GetCreatedAt(), ev.GetCreatedAt())
	cand := commentCandidate(eventTarget(target, ev), c, p.GetAction(), at)
	cand.Actor = eventActor(c.GetUser(), ev)
	item.Candidates = []domain.Candidate{cand}
	return item, nil
}

func reviewEvent(target domain.Target, raw json.RawMessage) (Item, error) {
	var p github.PullRequestReviewEvent
	ev, item, ok, err := decodeEvent(raw, "PullRequestReviewEvent", &p)
	if !ok || err != nil {
		return item, err
	}
	r := p.GetReview()
	if r == nil || r.GetID() == 0 {
		return item, nil
	}
	at := firstTime(r.GetSubmittedAt(), ev.GetCreatedAt())
	cand := repoCandidate(eventTarget(target, ev), domain.InteractionReview, i64toa(r.GetID()),
		eventActor(r.GetUser(), ev), strings.ToLower(r.GetState()), at, r.GetHTMLURL())
	cand.Payload = payload(map[string]interface{}{
		"pull_request": p.GetPullRequest().GetNumber(),
	})
	item.Candidates = []domain.Candidate{cand}
	return item, nil
}

func watchEvent(target domain.Target, raw json.RawMessage) (Item, error) {
	var p github.WatchEvent
	ev, item, ok, err := decodeEvent(raw, "WatchEvent", &p)
	if !ok || err != nil {
		return item, err
	}
	if ev.GetID() == "" {
		return item, nil
	}
	cand := repoCandidate(eventTarget(target, ev), domain.InteractionWatch, ev.GetID(), login(ev.GetActor()),
		p.GetAction(), item.At, "")
	item.Candidates = []domain.Candidate{cand}
	return item, nil
}

func forkEvent(target domain.Target, raw json.RawMessage) (Item, error) {
	var p github.ForkEvent
	ev, item, ok, err := decodeEvent(raw, "ForkEvent", &p)
	if !ok || err != nil {
		return item, err
	}
	fork := p.GetForkee()
	if fork == nil || fork.GetID() == 0 {
		return item, nil
	}
	at := firstTime(fork.GetCreatedAt(), ev.GetCreatedAt())
	cand := forkCandidate(eventTarget(target, ev), fork, at)
	cand.Actor = eventActor(fork.GetOwner(), ev)
	item.Candidates = []domain.Candidate{cand}
	return item, nil
}

func releaseEvent(target domain.Target, raw json.RawMessage) (Item, error) {
	var p github.ReleaseEvent
	ev, item, ok, err := decodeEvent(raw, "ReleaseEvent", &p)
	if !ok || err != nil {
		return item, err
	}
	rel := p.GetRelease()
	if rel == nil || rel.GetID() == 0 {
		return item, nil
	}
	at := firstTime(rel.GetPublishedAt(), rel.GetCreatedAt(), ev.GetCreatedAt())
	cand := releaseCandidate(eventTarget(target, ev), rel, at)
	cand.Actor = eventActor(rel.GetAuthor(), ev)
	item.Candidates = []domain.Candidate{cand}
	return item, nil
}
