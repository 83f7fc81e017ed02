package cmd

import (
	"github.com/spf13/cobra"
)

var listOrgsCmd = &cobra.Command{
	Use:   "list-orgs",
	Short: "Lists tracked organizations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		orgs, err := s.ListOrganizations(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, orgs)
	},
}

var listReposCmd = &cobra.Command{
	Use:   "list-repos",
	Short: "Lists tracked repositories with their cached stars and forks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		org, _ := cmd.Flags().GetString("org")
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		repos, err := s.ListRepositories(cmd.Context(), org)
		if err != nil {
			return err
		}
		return printJSON(cmd, repos)
	},
}

var rateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Shows the current GitHub API rate limit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		githubGateway, err := newGateway()
		if err != nil {
			return err
		}
		rl, err := githubGateway.CurrentRateLimit(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, rl)
	},
}

func init() {
	rootCmd.AddCommand(listOrgsCmd, listReposCmd, rateLimitCmd)
	listReposCmd.Flags().StringP("org", "o", "", "Only list repositories of this organization")
}
