// Package usecase contains the business logic of the application: the
// ingestion pipeline and the query engine.
package usecase

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/naka-gawa/github-interactions/internal/clock"
	"github.com/naka-gawa/github-interactions/internal/domain"
	"github.com/rs/zerolog"
)

// InteractionSource is the read side of the entity store.
type InteractionSource interface {
	Query(ctx context.Context, f domain.Filter) iter.Seq2[domain.Interaction, error]
	ListDistinct(ctx context.Context, field domain.Field, f domain.Filter) ([]string, error)
}

// Aggregator is the query engine. Every operation is a single streaming
// reduction over the store's ordered cursor; memory grows with the number of
// distinct keys or buckets, never with the number of interactions.
type Aggregator struct {
	source InteractionSource
	clock  clock.Clock
	logger zerolog.Logger
}

// NewAggregator creates a new Aggregator instance.
func NewAggregator(source InteractionSource, clk clock.Clock, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		source: source,
		clock:  clk,
		logger: logger,
	}
}

// each validates f and feeds every matching interaction to fn in order.
func (a *Aggregator) each(ctx context.Context, f *domain.Filter, fn func(domain.Interaction)) error {
	if err := f.Validate(); err != nil {
		return err
	}
	n := 0
	for it, err := range a.source.Query(ctx, *f) {
		if err != nil {
			return err
		}
		fn(it)
		n++
	}
	a.logger.Debug().Int("rows", n).Msg("query scanned")
	return nil
}

// Count returns the number of interactions matching f.
func (a *Aggregator) Count(ctx context.Context, f domain.Filter) (int, error) {
	total := 0
	if err := a.each(ctx, &f, func(domain.Interaction) { total++ }); err != nil {
		return 0, err
	}
	return total, nil
}

// CountsByType returns the per-type counts of the interactions matching f.
// Types with no interactions are absent.
func (a *Aggregator) CountsByType(ctx context.Context, f domain.Filter) (map[domain.InteractionType]int, error) {
	counts := make(map[domain.InteractionType]int)
	if err := a.each(ctx, &f, func(it domain.Interaction) { counts[it.Type]++ }); err != nil {
		return nil, err
	}
	return counts, nil
}

// TopN returns the n keys of dim with the most interactions, by count
// descending and then key ascending. Interactions without a value for dim
// (no actor, organization-level events) are not counted.
func (a *Aggregator) TopN(ctx context.Context, f domain.Filter, dim domain.Dimension, n int) ([]domain.KeyCount, error) {
	if n <= 0 {
		return nil, &domain.ConfigurationError{Field: "n", Msg: fmt.Sprintf("must be positive, got %d", n)}
	}
	key, err := dimensionKey(dim)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	err = a.each(ctx, &f, func(it domain.Interaction) {
		if k := key(it); k != "" {
			counts[k]++
		}
	})
	if err != nil {
		return nil, err
	}
	return rank(counts, n), nil
}

// TimeSeries buckets the interactions matching f. Buckets without
// interactions are included with zero counts across the requested span: from
// f.Start (or the first observed bucket) through f.End, or through now when
// only f.Start is set, or through the last observed bucket otherwise.
func (a *Aggregator) TimeSeries(ctx context.Context, f domain.Filter, bucket domain.Bucket) ([]domain.BucketCounts, error) {
	if _, err := domain.ParseBucket(string(bucket)); err != nil {
		return nil, err
	}
	b := newSeriesBuilder(bucket, f.InteractionTypes, f.Start)
	if err := a.each(ctx, &f, b.add); err != nil {
		return nil, err
	}
	switch {
	case !f.End.IsZero():
		b.fillThrough(f.End)
	case !f.Start.IsZero():
		b.fillThrough(a.clock.Now())
	}
	return b.series, nil
}

// RateOfChange is the percentage change between the last two buckets of the
// time series. ok is false when there are fewer than two buckets or the
// previous bucket is empty.
func (a *Aggregator) RateOfChange(ctx context.Context, f domain.Filter, bucket domain.Bucket) (float64, bool, error) {
	series, err := a.TimeSeries(ctx, f, bucket)
	if err != nil {
		return 0, false, err
	}
	rate, ok := rateOfChange(series)
	return rate, ok, nil
}

// ListDistinct returns the sorted distinct values of field among the
// interactions matching f.
func (a *Aggregator) ListDistinct(ctx context.Context, field domain.Field, f domain.Filter) ([]string, error) {
	if _, err := domain.ParseField(string(field)); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return a.source.ListDistinct(ctx, field, f)
}

func dimensionKey(dim domain.Dimension) (func(domain.Interaction) string, error) {
	switch dim {
	case domain.DimensionRepository:
		return func(it domain.Interaction) string { return it.Repository }, nil
	case domain.DimensionOrganization:
		return func(it domain.Interaction) string { return it.Organization }, nil
	case domain.DimensionUser:
		return func(it domain.Interaction) string {
			if it.Actor == nil {
				return ""
			}
			return *it.Actor
		}, nil
	}
	return nil, &domain.ConfigurationError{Field: "dimension", Msg: fmt.Sprintf("unknown dimension %q", dim)}
}

// rank orders counts by count descending, then key ascending, keeping at most n.
func rank(counts map[string]int, n int) []domain.KeyCount {
	ranked := make([]domain.KeyCount, 0, len(counts))
	for k, c := range counts {
		ranked = append(ranked, domain.KeyCount{Key: k, Count: c})
	}
	slices.SortFunc(ranked, func(x, y domain.KeyCount) int {
		if x.Count != y.Count {
			return y.Count - x.Count
		}
		return strings.Compare(x.Key, y.Key)
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

func rateOfChange(series []domain.BucketCounts) (float64, bool) {
	if len(series) < 2 {
		return 0, false
	}
	prev := series[len(series)-2].Total()
	last := series[len(series)-1].Total()
	if prev == 0 {
		return 0, false
	}
	return float64(last-prev) / float64(prev) * 100, true
}

// seriesBuilder appends buckets as ordered interactions arrive, zero-filling
// the gaps between them.
type seriesBuilder struct {
	bucket domain.Bucket
	types  []domain.InteractionType
	start  time.Time
	series []domain.BucketCounts
}

func newSeriesBuilder(bucket domain.Bucket, types []domain.InteractionType, start time.Time) *seriesBuilder {
	if len(types) == 0 {
		types = domain.AllInteractionTypes
	}
	b := &seriesBuilder{bucket: bucket, types: types}
	if !start.IsZero() {
		b.start = bucket.Floor(start)
	}
	return b
}

func (b *seriesBuilder) add(it domain.Interaction) {
	b.fillThrough(it.OccurredAt)
	b.series[len(b.series)-1].Counts[it.Type]++
}

// fillThrough appends empty buckets until the one containing t exists.
func (b *seriesBuilder) fillThrough(t time.Time) {
	target := b.bucket.Floor(t)
	if len(b.series) == 0 {
		start := b.start
		if start.IsZero() {
			start = target
		}
		if start.After(target) {
			return
		}
		b.series = append(b.series, b.newBucket(start))
	}
	for last := b.series[len(b.series)-1].Start; last.Before(target); last = b.series[len(b.series)-1].Start {
		b.series = append(b.series, b.newBucket(b.bucket.Next(last)))
	}
}

func (b *seriesBuilder) newBucket(start time.Time) domain.BucketCounts {
	counts := make(map[domain.InteractionType]int, len(b.types))
	for _, t := range b.types {
		counts[t] = 0
	}
	return domain.BucketCounts{Start: start, Counts: counts}
}
