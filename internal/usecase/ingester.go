package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/naka-gawa/github-interactions/internal/clock"
	"github.com/naka-gawa/github-interactions/internal/config"
	"github.com/naka-gawa/github-interactions/internal/domain"
	"github.com/naka-gawa/github-interactions/internal/gateway"
	"github.com/naka-gawa/github-interactions/internal/normalize"
	"github.com/naka-gawa/github-interactions/internal/retry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const notePageLimit = "page limit reached"

// Store is the part of the entity store the ingester writes through.
type Store interface {
	UpsertOrganization(ctx context.Context, name string) (*domain.Organization, error)
	UpsertRepository(ctx context.Context, org, name string) (*domain.Repository, error)
	UpdateRepositoryCounts(ctx context.Context, org, name string, stars, forks int) error
	UpsertInteraction(ctx context.Context, c domain.Candidate) (domain.UpsertResult, error)
}

// IngestRequest is one ingestion trigger.
type IngestRequest struct {
	Target domain.Target
	// Kinds defaults to every ingestible kind. API_CALL is only recorded when
	// listed explicitly.
	Kinds []domain.InteractionType
	// Since enables incremental sync; the zero value fetches everything.
	Since time.Time
	// FetchRepos fans out to every repository of an organization target.
	FetchRepos bool
}

// Ingester drives fetch, normalize and upsert for each requested kind.
type Ingester struct {
	fetcher gateway.Fetcher
	store   Store
	cfg     config.IngestConfig
	clock   clock.Clock
	logger  zerolog.Logger
}

// NewIngester creates a new Ingester instance.
func NewIngester(fetcher gateway.Fetcher, store Store, cfg config.IngestConfig, clk clock.Clock, logger zerolog.Logger) *Ingester {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Ingester{
		fetcher: fetcher,
		store:   store,
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
	}
}

// run carries the per-invocation settings shared by every target of a run.
type run struct {
	id          string
	kinds       []domain.InteractionType
	recordCalls bool
	// login is the API_CALL actor, nil when unknown.
	login       *string
	since       time.Time
	logger      zerolog.Logger
}

// Ingest ingests req.Target. Failures scoped to one (target, kind) are
// collected in the summary and never abort sibling kinds. When ctx is
// cancelled the summary so far is returned together with ctx's error.
func (in *Ingester) Ingest(ctx context.Context, req IngestRequest) (*domain.IngestionSummary, error) {
	r, err := in.newRun(req)
	if err != nil {
		return nil, err
	}
	started := in.clock.Now()
	r.logger.Info().Strs("kinds", kindNames(r.kinds)).Time("since", req.Since).Bool("fetch_repos", req.FetchRepos).
		Msg("ingestion started")

	summary := in.newSummary(r, req.Target)
	if r.recordCalls {
		r.login = in.authenticatedLogin(ctx, r)
	}
	if err := in.register(ctx, req.Target); err != nil {
		return nil, err
	}
	if req.Target.IsRepository() {
		in.syncRepository(ctx, r, req.Target, summary)
	}
	in.ingestKinds(ctx, r, req.Target, summary)

	if req.FetchRepos && ctx.Err() == nil {
		in.fanOut(ctx, r, req.Target, summary)
	}

	summary.Elapsed = in.clock.Now().Sub(started)
	summary.Cancelled = ctx.Err() != nil
	r.logger.Info().Int("inserted", summary.Inserted()).Int("failures", len(summary.AllFailures())).
		Dur("elapsed", summary.Elapsed).Bool("cancelled", summary.Cancelled).Msg("ingestion finished")
	if summary.Cancelled {
		return summary, ctx.Err()
	}
	return summary, nil
}

func (in *Ingester) newRun(req IngestRequest) (*run, error) {
	if domain.NormalizeName(req.Target.Organization) == "" {
		return nil, &domain.ConfigurationError{Field: "target", Msg: "organization is required"}
	}
	if req.FetchRepos && req.Target.IsRepository() {
		return nil, &domain.ConfigurationError{Field: "fetch_repos", Msg: "requires an organization target"}
	}

	r := &run{id: uuid.NewString(), since: req.Since}
	requested := req.Kinds
	if len(requested) == 0 {
		requested = domain.IngestibleTypes
	}
	for _, k := range requested {
		if !k.Valid() {
			return nil, &domain.ConfigurationError{Field: "kinds", Msg: fmt.Sprintf("unknown interaction type %q", k)}
		}
		if k == domain.InteractionAPICall {
			r.recordCalls = true
			continue
		}
		if !slices.Contains(r.kinds, k) {
			r.kinds = append(r.kinds, k)
		}
	}
	r.logger = in.logger.With().Str("run_id", r.id).Str("target", req.Target.String()).Logger()
	return r, nil
}

// authenticatedLogin resolves the token owner once per run. A failure only
// leaves the API_CALL actor unknown.
func (in *Ingester) authenticatedLogin(ctx context.Context, r *run) *string {
	login, err := in.fetcher.AuthenticatedLogin(ctx)
	if err != nil || login == "" {
		r.logger.Warn().Err(err).Msg("authenticated login unknown, recording api calls without an actor")
		return nil
	}
	return &login
}

func (in *Ingester) newSummary(r *run, target domain.Target) *domain.IngestionSummary {
	summary := &domain.IngestionSummary{
		RunID:     r.id,
		Target:    target.String(),
		StartedAt: in.clock.Now().UTC(),
		Kinds:     make(map[domain.InteractionType]*domain.KindSummary),
	}
	for _, k := range r.kinds {
		summary.Kinds[k] = &domain.KindSummary{}
	}
	if r.recordCalls {
		summary.Kinds[domain.InteractionAPICall] = &domain.KindSummary{}
	}
	return summary
}

func (in *Ingester) register(ctx context.Context, target domain.Target) error {
	if target.IsRepository() {
		if _, err := in.store.UpsertRepository(ctx, target.Organization, target.Repository); err != nil {
			return fmt.Errorf("failed to register repository %s: %w", target, err)
		}
		return nil
	}
	if _, err := in.store.UpsertOrganization(ctx, target.Organization); err != nil {
		return fmt.Errorf("failed to register organization %s: %w", target, err)
	}
	return nil
}

// syncRepository caches the repository's stargazer and fork counts. A failure
// is noted and does not stop the kinds.
func (in *Ingester) syncRepository(ctx context.Context, r *run, target domain.Target, summary *domain.IngestionSummary) {
	var info *gateway.RepositoryInfo
	res := retry.Do(ctx, in.cfg.Retry(), in.clock, r.logger, domain.IsTransient, func(ctx context.Context) error {
		var err error
		info, err = in.fetcher.GetRepository(ctx, target)
		return err
	})
	if res.Err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn().Err(res.Err).Msg("failed to fetch repository metadata")
		summary.Failures = append(summary.Failures, domain.FailureNote{
			Target: target.String(),
			Error:  fmt.Sprintf("repository metadata: %v", res.Err),
		})
		return
	}

	applyCtx := context.WithoutCancel(ctx)
	in.recordCall(applyCtx, r, target, &gateway.Page{
		Method:    http.MethodGet,
		Endpoint:  fmt.Sprintf("/repos/%s/%s", target.Organization, target.Repository),
		FetchedAt: in.clock.Now().UTC(),
	}, summary)
	if err := in.store.UpdateRepositoryCounts(applyCtx, target.Organization, target.Repository, info.Stars, info.Forks); err != nil {
		r.logger.Warn().Err(err).Msg("failed to cache repository counts")
	}
}

func (in *Ingester) ingestKinds(ctx context.Context, r *run, target domain.Target, summary *domain.IngestionSummary) {
	for _, kind := range r.kinds {
		if ctx.Err() != nil {
			return
		}
		ks := summary.Kinds[kind]
		logger := r.logger.With().Str("kind", string(kind)).Logger()

		err := in.ingestKind(ctx, r, logger, target, kind, ks, summary)
		switch {
		case err == nil:
		case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
			logger.Info().Int("pages", ks.Pages).Msg("ingestion cancelled at page boundary")
			return
		default:
			ks.Failure = err.Error()
			summary.Failures = append(summary.Failures, domain.FailureNote{Target: target.String(), Kind: kind, Error: err.Error()})
			logger.Error().Err(err).Int("pages", ks.Pages).Msg("kind failed, continuing with the next kind")
		}
	}
}

// ingestKind pages through one (target, kind). Cancellation is honored only
// between pages; a fetched page is always applied completely.
func (in *Ingester) ingestKind(ctx context.Context, r *run, logger zerolog.Logger, target domain.Target, kind domain.InteractionType, ks *domain.KindSummary, summary *domain.IngestionSummary) error {
	n, ok := normalize.For(kind)
	if !ok {
		return fmt.Errorf("no normalizer for %s", kind)
	}
	res, ok := n.Source(target)
	if !ok {
		ks.Unsupported = true
		logger.Debug().Msg("kind is not available at this scope")
		return nil
	}

	var cursor gateway.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if in.cfg.MaxPages > 0 && ks.Pages >= in.cfg.MaxPages {
			ks.Note = notePageLimit
			logger.Warn().Int("max_pages", in.cfg.MaxPages).Msg(notePageLimit)
			return nil
		}

		page, err := in.fetchPage(ctx, logger, gateway.PageRequest{Resource: res, Target: target, Cursor: cursor, Since: r.since})
		if err != nil {
			return err
		}
		ks.Pages++

		applyCtx := context.WithoutCancel(ctx)
		if r.recordCalls {
			in.recordCall(applyCtx, r, target, page, summary)
		}
		stop, err := in.applyPage(applyCtx, r, logger, target, n, res, page, ks)
		if err != nil {
			return err
		}
		logger.Debug().Int("page", ks.Pages).Int("items", len(page.Items)).Int("inserted", ks.Inserted).
			Int("duplicate", ks.Duplicate).Msg("page applied")

		if stop {
			logger.Debug().Time("since", r.since).Msg("reached since, stopping early")
			return nil
		}
		if !page.HasNext {
			return nil
		}
		cursor = page.Next
	}
}

func (in *Ingester) fetchPage(ctx context.Context, logger zerolog.Logger, req gateway.PageRequest) (*gateway.Page, error) {
	var page *gateway.Page
	res := retry.Do(ctx, in.cfg.Retry(), in.clock, logger, domain.IsTransient, func(ctx context.Context) error {
		var err error
		page, err = in.fetcher.FetchPage(ctx, req)
		return err
	})
	if res.Err != nil {
		if domain.IsTransient(res.Err) {
			return nil, fmt.Errorf("gave up after %d attempts: %w", res.Attempts, res.Err)
		}
		return nil, res.Err
	}
	return page, nil
}

// applyPage upserts the page's candidates in provider order. It reports stop
// once an item at or before since is reached on a newest-first source.
func (in *Ingester) applyPage(ctx context.Context, r *run, logger zerolog.Logger, target domain.Target, n normalize.Normalizer, res gateway.Resource, page *gateway.Page, ks *domain.KindSummary) (bool, error) {
	for _, raw := range page.Items {
		item, err := n.Normalize(target, res, raw)
		if err != nil {
			ks.Skipped++
			logger.Warn().Err(err).Msg("skipping undecodable item")
			continue
		}
		if item.At.IsZero() {
			ks.Skipped++
			logger.Debug().RawJSON("item", truncate(raw)).Msg("skipping item without a timestamp")
			continue
		}
		if !r.since.IsZero() && !item.At.After(r.since) {
			if n.NewestFirst() {
				return true, nil
			}
			continue
		}
		for _, c := range item.Candidates {
			result, err := in.store.UpsertInteraction(ctx, c)
			if err != nil {
				return false, fmt.Errorf("failed to store %s: %w", c.NaturalKey(), err)
			}
			tally(ks, result)
		}
	}
	return false, nil
}

// recordCall stores one API_CALL interaction for a fetched page. Failures are
// logged only; call logging never fails a kind.
func (in *Ingester) recordCall(ctx context.Context, r *run, target domain.Target, page *gateway.Page, summary *domain.IngestionSummary) {
	ks, ok := summary.Kinds[domain.InteractionAPICall]
	if !ok || !r.recordCalls {
		return
	}
	ks.Pages++
	result, err := in.store.UpsertInteraction(ctx, normalize.APICall(target, page, r.login))
	if err != nil {
		r.logger.Warn().Err(err).Str("endpoint", page.Endpoint).Msg("failed to record api call")
		return
	}
	tally(ks, result)
}

func (in *Ingester) fanOut(ctx context.Context, r *run, org domain.Target, summary *domain.IngestionSummary) {
	nodes, err := in.listRepositories(ctx, r, org, summary)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error().Err(err).Msg("failed to list organization repositories")
		summary.Failures = append(summary.Failures, domain.FailureNote{
			Target: org.String(),
			Error:  fmt.Sprintf("list repositories: %v", err),
		})
		return
	}
	r.logger.Info().Int("repositories", len(nodes)).Int("concurrency", in.cfg.Concurrency).Msg("fanning out")

	children := make([]*domain.IngestionSummary, len(nodes))
	g := new(errgroup.Group)
	g.SetLimit(in.cfg.Concurrency)
	for i, node := range nodes {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			children[i] = in.ingestRepository(ctx, r, org, node)
			return nil
		})
	}
	_ = g.Wait()

	for _, child := range children {
		if child != nil {
			summary.Repositories = append(summary.Repositories, child)
		}
	}
}

func (in *Ingester) listRepositories(ctx context.Context, r *run, org domain.Target, summary *domain.IngestionSummary) ([]gateway.RepositoryNode, error) {
	var (
		nodes  []gateway.RepositoryNode
		cursor gateway.Cursor
		pages  int
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if in.cfg.MaxPages > 0 && pages >= in.cfg.MaxPages {
			r.logger.Warn().Int("max_pages", in.cfg.MaxPages).Msg("repository listing truncated, " + notePageLimit)
			return nodes, nil
		}
		page, err := in.fetchPage(ctx, r.logger, gateway.PageRequest{Resource: gateway.ResourceOrgRepos, Target: org, Cursor: cursor})
		if err != nil {
			return nil, err
		}
		pages++
		in.recordCall(context.WithoutCancel(ctx), r, org, page, summary)

		for _, raw := range page.Items {
			var node gateway.RepositoryNode
			if err := json.Unmarshal(raw, &node); err != nil {
				return nil, fmt.Errorf("failed to decode repository: %w", err)
			}
			nodes = append(nodes, node)
		}
		if !page.HasNext {
			return nodes, nil
		}
		cursor = page.Next
	}
}

// ingestRepository runs every kind against one repository of a fan-out. The
// listing already carries the counts, so no metadata request is made.
func (in *Ingester) ingestRepository(ctx context.Context, parent *run, org domain.Target, node gateway.RepositoryNode) *domain.IngestionSummary {
	target := domain.Target{Organization: org.Organization, Repository: domain.NormalizeName(node.Name)}
	r := *parent
	r.logger = parent.logger.With().Str("repository", target.String()).Logger()

	started := in.clock.Now()
	summary := in.newSummary(&r, target)
	if err := in.register(ctx, target); err != nil {
		summary.Failures = append(summary.Failures, domain.FailureNote{Target: target.String(), Error: err.Error()})
		return summary
	}
	if err := in.store.UpdateRepositoryCounts(context.WithoutCancel(ctx), target.Organization, target.Repository,
		node.StargazerCount, node.ForkCount); err != nil {
		r.logger.Warn().Err(err).Msg("failed to cache repository counts")
	}

	in.ingestKinds(ctx, &r, target, summary)
	summary.Elapsed = in.clock.Now().Sub(started)
	summary.Cancelled = ctx.Err() != nil
	return summary
}

func tally(ks *domain.KindSummary, result domain.UpsertResult) {
	if result.Status == domain.UpsertInserted {
		ks.Inserted++
		return
	}
	ks.Duplicate++
	if result.Filled {
		ks.Filled++
	}
}

func truncate(raw json.RawMessage) json.RawMessage {
	const limit = 512
	if len(raw) <= limit && json.Valid(raw) {
		return raw
	}
	return json.RawMessage(fmt.Sprintf(`"%d bytes"`, len(raw)))
}

func kindNames(kinds []domain.InteractionType) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}
