package usecase

import (
	"context"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/naka-gawa/github-interactions/internal/domain"
)

// ReportOptions sizes a report.
type ReportOptions struct {
	TopN int
	// Days is the period length used when the filter has no start.
	Days int
}

// Report builds the digest for the email reporter and dashboard. The period
// defaults to the Days days ending now. WeekOverWeek compares the seven days
// ending at the period's end with the seven days before them, regardless of
// the period's start.
func (a *Aggregator) Report(ctx context.Context, f domain.Filter, opts ReportOptions) (*domain.Report, error) {
	if opts.TopN <= 0 {
		return nil, &domain.ConfigurationError{Field: "report.top_n", Msg: "must be positive"}
	}
	if f.End.IsZero() {
		f.End = a.clock.Now().UTC()
	}
	if f.Start.IsZero() {
		if opts.Days <= 0 {
			return nil, &domain.ConfigurationError{Field: "report.days", Msg: "must be positive"}
		}
		f.Start = domain.BucketDay.Floor(f.End).AddDate(0, 0, -(opts.Days - 1))
	}

	var (
		total    int
		byType   = make(map[domain.InteractionType]int)
		repos    = make(map[string]int)
		users    = make(map[string]int)
		orgs     = make(map[string]int)
		weekdays [7]int
		daily    = newSeriesBuilder(domain.BucketDay, f.InteractionTypes, f.Start)
	)
	err := a.each(ctx, &f, func(it domain.Interaction) {
		total++
		byType[it.Type]++
		orgs[it.Organization]++
		if it.Repository != "" {
			repos[it.Repository]++
		}
		if it.Actor != nil {
			users[*it.Actor]++
		}
		weekdays[it.OccurredAt.UTC().Weekday()]++
		daily.add(it)
	})
	if err != nil {
		return nil, err
	}
	daily.fillThrough(f.End)

	report := &domain.Report{
		Start:              f.Start,
		End:                f.End,
		Filter:             f,
		Total:              total,
		CountsByType:       byType,
		TopRepositories:    rank(repos, opts.TopN),
		TopUsers:           rank(users, opts.TopN),
		TopOrganizations:   rank(orgs, opts.TopN),
		UniqueRepositories: len(repos),
		UniqueUsers:        len(users),
		Daily:              describe(daily.series),
	}
	if total > 0 {
		report.MostActiveWeekday = busiest(weekdays).String()
	}
	if rate, ok, err := a.weekOverWeek(ctx, f); err != nil {
		return nil, err
	} else if ok {
		report.WeekOverWeek = &rate
	}
	a.logger.Debug().Int("total", total).Int("days", report.Daily.Buckets).Msg("report built")
	return report, nil
}

const week = 7 * 24 * time.Hour

// weekOverWeek is the percentage change from [End-14d, End-7d) to
// [End-7d, End]. ok is false when the earlier week is empty.
func (a *Aggregator) weekOverWeek(ctx context.Context, f domain.Filter) (float64, bool, error) {
	split := f.End.Add(-week)
	f.Start = split.Add(-week)
	var last, prev int
	err := a.each(ctx, &f, func(it domain.Interaction) {
		if it.OccurredAt.Before(split) {
			prev++
		} else {
			last++
		}
	})
	if err != nil || prev == 0 {
		return 0, false, err
	}
	return float64(last-prev) / float64(prev) * 100, true, nil
}

// describe summarizes the per-bucket totals of series.
func describe(series []domain.BucketCounts) domain.SeriesStats {
	out := domain.SeriesStats{Buckets: len(series)}
	if len(series) == 0 {
		return out
	}
	data := make(stats.Float64Data, len(series))
	for i, b := range series {
		data[i] = float64(b.Total())
	}
	// Errors only occur on empty input, which is excluded above.
	out.Mean, _ = data.Mean()
	out.Median, _ = data.Median()
	out.Max, _ = data.Max()
	out.StdDev, _ = data.StandardDeviation()
	out.P90, _ = data.Percentile(90)
	return out
}

// busiest returns the weekday with the most interactions, Monday first on ties.
func busiest(counts [7]int) time.Weekday {
	best := time.Monday
	for i := 1; i <= 7; i++ {
		day := time.Weekday(i % 7)
		if counts[day] > counts[best] {
			best = day
		}
	}
	return best
}
