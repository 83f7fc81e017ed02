package cmd

import (
	"github.com/naka-gawa/github-interactions/internal/domain"
	"github.com/naka-gawa/github-interactions/internal/usecase"
	"github.com/spf13/cobra"
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Ranks repositories, users or organizations by interaction count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		dim, err := domain.ParseDimension(by)
		if err != nil {
			return err
		}
		n, _ := cmd.Flags().GetInt("limit")
		return withAggregator(cmd, func(aggregator *usecase.Aggregator, f domain.Filter) error {
			ranked, err := aggregator.TopN(cmd.Context(), f, dim, n)
			if err != nil {
				return err
			}
			return printJSON(cmd, ranked)
		})
	},
}

// timeSeriesResult is the output of the timeseries command.
type timeSeriesResult struct {
	Bucket domain.Bucket         `json:"bucket"`
	Series []domain.BucketCounts `json:"series"`
	// RateOfChange is omitted when it is undefined.
	RateOfChange *float64 `json:"rate_of_change,omitempty"`
}

var timeSeriesCmd = &cobra.Command{
	Use:   "timeseries",
	Short: "Buckets interactions by day, week or month",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bucketStr, _ := cmd.Flags().GetString("bucket")
		bucket, err := domain.ParseBucket(bucketStr)
		if err != nil {
			return err
		}
		return withAggregator(cmd, func(aggregator *usecase.Aggregator, f domain.Filter) error {
			series, err := aggregator.TimeSeries(cmd.Context(), f, bucket)
			if err != nil {
				return err
			}
			result := timeSeriesResult{Bucket: bucket, Series: series}
			if rate, ok, err := aggregator.RateOfChange(cmd.Context(), f, bucket); err != nil {
				return err
			} else if ok {
				result.RateOfChange = &rate
			}
			return printJSON(cmd, result)
		})
	},
}

var distinctCmd = &cobra.Command{
	Use:       "distinct <organization|repository|user|action|type>",
	Short:     "Lists the distinct values of a field",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"organization", "repository", "user", "action", "type"},
	RunE: func(cmd *cobra.Command, args []string) error {
		field, err := domain.ParseField(args[0])
		if err != nil {
			return err
		}
		return withAggregator(cmd, func(aggregator *usecase.Aggregator, f domain.Filter) error {
			values, err := aggregator.ListDistinct(cmd.Context(), field, f)
			if err != nil {
				return err
			}
			return printJSON(cmd, values)
		})
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Builds the summary report consumed by the email reporter and dashboard",
	Long: `Builds the summary report for the period given by the filter flags, by default
the last report.days days, and outputs it in JSON format.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := usecase.ReportOptions{TopN: cfg.Report.TopN, Days: cfg.Report.Days}
		if cmd.Flags().Changed("limit") {
			opts.TopN, _ = cmd.Flags().GetInt("limit")
		}
		if cmd.Flags().Changed("days") {
			opts.Days, _ = cmd.Flags().GetInt("days")
		}
		return withAggregator(cmd, func(aggregator *usecase.Aggregator, f domain.Filter) error {
			report, err := aggregator.Report(cmd.Context(), f, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

func init() {
	rootCmd.AddCommand(topCmd, timeSeriesCmd, distinctCmd, reportCmd)
	for _, c := range []*cobra.Command{topCmd, timeSeriesCmd, distinctCmd, reportCmd} {
		addFilterFlags(c)
	}
	topCmd.Flags().String("by", "repository", "Dimension to rank: repository, user or organization")
	topCmd.Flags().IntP("limit", "n", 10, "Number of entries to return")
	timeSeriesCmd.Flags().StringP("bucket", "b", "day", "Bucket width: day, week or month")
	reportCmd.Flags().IntP("limit", "n", 10, "Entries per top list (default report.top_n)")
}
