// Package cmd contains all the CLI commands for the application,
// built using the Cobra library.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/naka-gawa/github-interactions/internal/clock"
	"github.com/naka-gawa/github-interactions/internal/config"
	"github.com/naka-gawa/github-interactions/internal/gateway"
	"github.com/naka-gawa/github-interactions/internal/logging"
	"github.com/naka-gawa/github-interactions/internal/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	cfg    *config.Config
	logger = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "ghstats",
	Short: "Ingest GitHub interactions and aggregate them.",
	Long: `ghstats ingests GitHub interactions (commits, pull requests, issues, comments,
reviews, forks, stars, watches, releases and workflow runs) for tracked organizations
and repositories into a local database, and answers count, top-N, time-series and
report queries over them. All query output is JSON.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}

		configPath, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		level := cfg.Log.Level
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = "debug"
		}
		logger, err = logging.New(os.Stderr, level, cfg.Log.Format)
		return err
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
// An interrupt cancels the running command at its next page boundary.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	// Add a persistent flag for verbose output, available to all commands.
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose/debug logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a TOML config file (default ./ghstats.toml or $HOME/.ghstats.toml)")
}

func openStore(ctx context.Context) (*store.Store, error) {
	s, err := store.Open(ctx, cfg.Database.URL, clock.Real{}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return s, nil
}

func newGateway() (*gateway.GitHubGateway, error) {
	if err := cfg.RequireToken(); err != nil {
		return nil, err
	}
	g, err := gateway.NewGitHubGateway(cfg.GitHub, clock.Real{}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub gateway: %w", err)
	}
	return g, nil
}

// printJSON writes v to standard output as pretty-printed JSON.
func printJSON(cmd *cobra.Command, v interface{}) error {
	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results to JSON: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(jsonData))
	return nil
}
