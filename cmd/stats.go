package cmd

import (
	"time"

	"github.com/naka-gawa/github-interactions/internal/clock"
	"github.com/naka-gawa/github-interactions/internal/domain"
	"github.com/naka-gawa/github-interactions/internal/usecase"
	"github.com/spf13/cobra"
)

// statsResult is the output of the stats command.
type statsResult struct {
	Filter       domain.Filter                  `json:"filter"`
	Total        int                            `json:"total_interactions"`
	CountsByType map[domain.InteractionType]int `json:"interaction_counts"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Counts stored interactions and outputs as JSON",
	Long:  `Counts the stored interactions matching the filter flags, in total and per interaction type, and outputs the result in JSON format.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAggregator(cmd, func(aggregator *usecase.Aggregator, f domain.Filter) error {
			byType, err := aggregator.CountsByType(cmd.Context(), f)
			if err != nil {
				return err
			}
			result := statsResult{Filter: f, CountsByType: byType}
			for _, n := range byType {
				result.Total += n
			}
			return printJSON(cmd, result)
		})
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	addFilterFlags(statsCmd)
}

// withAggregator opens the store, builds the filter from the shared flags and
// runs fn.
func withAggregator(cmd *cobra.Command, fn func(*usecase.Aggregator, domain.Filter) error) error {
	f, err := filterFromFlags(cmd, time.Now())
	if err != nil {
		return err
	}
	s, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(usecase.NewAggregator(s, clock.Real{}, logger), f)
}
