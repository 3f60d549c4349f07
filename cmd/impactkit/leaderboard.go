package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"impactkit/core"
)

var leaderboardLimit int

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Print the current ranking",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(app *App) error {
			entries, err := app.Kit.Ranker.Rank(cmd.Context(), leaderboardLimit)
			if err != nil {
				return err
			}
			printLeaderboard(cmd.OutOrStdout(), entries)
			return nil
		})
	},
}

func init() {
	leaderboardCmd.Flags().IntVarP(&leaderboardLimit, "limit", "n", 10, "number of participants to show (max 1000)")
	rootCmd.AddCommand(leaderboardCmd)
}

// printLeaderboard writes one line per entry; the podium is highlighted.
func printLeaderboard(w io.Writer, entries []core.LeaderboardEntry) {
	if len(entries) == 0 {
		color.New(color.FgYellow).Fprintln(w, "no participants yet")
		return
	}
	header := color.New(color.FgCyan, color.Bold)
	header.Fprintf(w, "%4s  %-24s %8s %8s %6s\n", "RANK", "PARTICIPANT", "POINTS", "HOURS", "EVENTS")
	for _, e := range entries {
		line := fmt.Sprintf("%4d  %-24s %8d %8.1f %6d\n", e.Rank, e.UserID, e.TotalPoints, e.VolunteerHours, e.CompletedEvents)
		switch e.Rank {
		case 1:
			color.New(color.FgYellow, color.Bold).Fprint(w, line)
		case 2, 3:
			color.New(color.FgYellow).Fprint(w, line)
		default:
			fmt.Fprint(w, line)
		}
	}
}
