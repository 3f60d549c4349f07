// Command impactkit runs the volunteer ledger server and its maintenance jobs.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var source Source

var rootCmd = &cobra.Command{
	Use:   "impactkit",
	Short: "Volunteer impact ledger",
	Long: `impactkit records volunteer activity as points, levels, badges and streaks,
ranks participants and keeps weekly and monthly leaderboard snapshots.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&source.Path, "config", "c", "", "config file (.json or .toml)")
	rootCmd.PersistentFlags().StringVarP(&source.Profile, "profile", "p", "", "built-in profile when no config file is given (development, testing, staging, production)")
}

// withApp builds the App for one command run and releases it afterwards.
func withApp(ctx context.Context, fn func(*App) error) error {
	app, cleanup, err := BuildApp(ctx, source)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer cleanup()
	return fn(app)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
