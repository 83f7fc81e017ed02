package cmd

import (
	"fmt"
	"time"

	"github.com/naka-gawa/github-interactions/internal/domain"
	"github.com/spf13/cobra"
)

const inputDateLayout = "2006/01/02"

// addFilterFlags registers the flags shared by every query command.
func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceP("org", "o", nil, "Organization to include (repeatable)")
	cmd.Flags().StringSliceP("repo", "r", nil, "Repository to include as org/repo (repeatable)")
	cmd.Flags().StringSliceP("user", "u", nil, "User (actor login) to include (repeatable)")
	cmd.Flags().StringSliceP("type", "t", nil, "Interaction type to include, e.g. star or PULL_REQUEST (repeatable)")
	cmd.Flags().String("from", "", "Start date, inclusive (YYYY/MM/DD)")
	cmd.Flags().String("to", "", "End date, inclusive (YYYY/MM/DD)")
	cmd.Flags().Int("days", 0, "Restrict to the last N days including today; ignored when --from is set")
}

// filterFromFlags builds the query filter from the shared flags.
func filterFromFlags(cmd *cobra.Command, now time.Time) (domain.Filter, error) {
	var f domain.Filter
	f.Organizations, _ = cmd.Flags().GetStringSlice("org")
	f.Repositories, _ = cmd.Flags().GetStringSlice("repo")
	if users, _ := cmd.Flags().GetStringSlice("user"); len(users) > 0 {
		f.Users = users
	}

	types, _ := cmd.Flags().GetStringSlice("type")
	kinds, err := parseKinds(types)
	if err != nil {
		return domain.Filter{}, err
	}
	f.InteractionTypes = kinds

	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")
	days, _ := cmd.Flags().GetInt("days")
	if fromStr != "" {
		from, err := time.Parse(inputDateLayout, fromStr)
		if err != nil {
			return domain.Filter{}, &domain.ConfigurationError{Field: "from", Msg: fmt.Sprintf("use YYYY/MM/DD: %v", err)}
		}
		f.Start = from
	} else if days > 0 {
		f.Start = domain.BucketDay.Floor(now).AddDate(0, 0, -(days - 1))
	}
	if toStr != "" {
		to, err := time.Parse(inputDateLayout, toStr)
		if err != nil {
			return domain.Filter{}, &domain.ConfigurationError{Field: "to", Msg: fmt.Sprintf("use YYYY/MM/DD: %v", err)}
		}
		// The end date covers its whole day.
		f.End = to.AddDate(0, 0, 1).Add(-time.Millisecond)
	}

	if err := f.Validate(); err != nil {
		return domain.Filter{}, err
	}
	return f, nil
}

// parseSince accepts YYYY/MM/DD or an RFC 3339 timestamp.
func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(inputDateLayout, s)
	if err != nil {
		return time.Time{}, &domain.ConfigurationError{Field: "since", Msg: fmt.Sprintf("use YYYY/MM/DD or RFC 3339: %q", s)}
	}
	return t, nil
}

func parseKinds(values []string) ([]domain.InteractionType, error) {
	var kinds []domain.InteractionType
	for _, s := range values {
		t, err := domain.ParseInteractionType(s)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, t)
	}
	return kinds, nil
}
