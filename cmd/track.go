package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/naka-gawa/github-interactions/internal/clock"
	"github.com/naka-gawa/github-interactions/internal/domain"
	"github.com/naka-gawa/github-interactions/internal/usecase"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Creates or migrates the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		counts, err := s.Stats(cmd.Context())
		if err != nil {
			return err
		}
		if counts.Interactions > 0 {
			logger.Warn().Int("organizations", counts.Organizations).Int("repositories", counts.Repositories).
				Int("interactions", counts.Interactions).Msg("database already contains data, it was kept")
		}
		logger.Info().Str("database", cfg.Database.URL).Msg("database is ready")
		return printJSON(cmd, counts)
	},
}

var trackOrgCmd = &cobra.Command{
	Use:   "track-org <org>",
	Short: "Tracks an organization and ingests its interactions",
	Long: `Registers the organization and ingests its organization-level interactions.
With --fetch-repos every repository of the organization is ingested as well.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := domain.ParseTarget(args[0])
		if err != nil {
			return err
		}
		if target.IsRepository() {
			return &domain.ConfigurationError{Field: "target", Msg: fmt.Sprintf("%q is a repository, use track-repo", args[0])}
		}
		fetchRepos, _ := cmd.Flags().GetBool("fetch-repos")
		return runIngest(cmd, target, fetchRepos)
	},
}

var trackRepoCmd = &cobra.Command{
	Use:   "track-repo <owner/repo>",
	Short: "Tracks a repository and ingests its interactions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := args[0]
		if org, _ := cmd.Flags().GetString("org"); org != "" && !strings.Contains(ref, "/") {
			ref = org + "/" + ref
		}
		target, err := domain.ParseTarget(ref)
		if err != nil {
			return err
		}
		if !target.IsRepository() {
			return &domain.ConfigurationError{Field: "target", Msg: fmt.Sprintf("%q is not in owner/repo form", args[0])}
		}
		return runIngest(cmd, target, false)
	},
}

func init() {
	rootCmd.AddCommand(initCmd, trackOrgCmd, trackRepoCmd)

	for _, c := range []*cobra.Command{trackOrgCmd, trackRepoCmd} {
		c.Flags().StringSliceP("kinds", "k", nil, "Interaction kinds to ingest (default: all; api_call only when listed)")
		c.Flags().String("since", "", "Only ingest interactions after this time (YYYY/MM/DD or RFC 3339)")
	}
	trackOrgCmd.Flags().Bool("fetch-repos", false, "Also ingest every repository of the organization")
	trackRepoCmd.Flags().String("org", "", "Owner to use when the argument is a bare repository name")
}

// runIngest wires the gateway, store and ingester and prints the summary. An
// interrupted run still prints what it completed.
func runIngest(cmd *cobra.Command, target domain.Target, fetchRepos bool) error {
	kindFlags, _ := cmd.Flags().GetStringSlice("kinds")
	kinds, err := parseKinds(kindFlags)
	if err != nil {
		return err
	}
	sinceStr, _ := cmd.Flags().GetString("since")
	since, err := parseSince(sinceStr)
	if err != nil {
		return err
	}

	githubGateway, err := newGateway()
	if err != nil {
		return err
	}
	s, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	ingester := usecase.NewIngester(githubGateway, s, cfg.Ingest, clock.Real{}, logger)
	summary, err := ingester.Ingest(cmd.Context(), usecase.IngestRequest{
		Target:     target,
		Kinds:      kinds,
		Since:      since,
		FetchRepos: fetchRepos,
	})
	if summary != nil {
		if perr := printJSON(cmd, summary); perr != nil {
			return perr
		}
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn().Msg("ingestion interrupted, partial results were kept")
		}
		return err
	}
	if rl, ok := githubGateway.LastRateLimit(); ok {
		logger.Info().Int("remaining", rl.Remaining).Time("reset_at", rl.ResetAt).Msg("rate limit after run")
	}
	return nil
}
