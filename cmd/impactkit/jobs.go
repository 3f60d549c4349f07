package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"impactkit/core"
	"impactkit/engine"
	"impactkit/scheduler"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reset streaks of participants inactive for a day",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(app *App) error {
			rep, err := app.Kit.Scheduler.RunStreakSweep(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			printSweep(cmd.OutOrStdout(), rep)
			return nil
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:       "snapshot weekly|monthly",
	Short:     "Capture the leaderboard snapshot of the current period",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{string(core.SnapshotWeekly), string(core.SnapshotMonthly)},
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := core.ParseSnapshotKind(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(app *App) error {
			rep, err := app.Kit.Scheduler.RunSnapshot(cmd.Context(), kind, time.Now().UTC())
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), rep)
			return nil
		})
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay USER",
	Short: "Recompute a participant's stats from the audit log and report drift",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(app *App) error {
			rep, err := app.Kit.Aggregator.Replay(cmd.Context(), core.UserID(args[0]))
			if err != nil {
				return err
			}
			printReplay(cmd.OutOrStdout(), rep)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd, snapshotCmd, replayCmd)
}

func printSweep(w io.Writer, rep scheduler.SweepReport) {
	fmt.Fprintf(w, "streak sweep (cutoff %s): scanned %d, reset %d\n",
		rep.Cutoff.Format(time.RFC3339), rep.Scanned, rep.Reset)
	if rep.FailedBatches > 0 {
		color.New(color.FgRed).Fprintf(w, "%d batch(es) failed, see logs\n", rep.FailedBatches)
	}
}

func printSnapshot(w io.Writer, rep scheduler.SnapshotReport) {
	if !rep.Created {
		color.New(color.FgYellow).Fprintf(w, "snapshot %s already exists, skipped\n", rep.Key)
		return
	}
	color.New(color.FgGreen).Fprintf(w, "snapshot %s created with %d entries\n", rep.Key, rep.Entries)
}

func printReplay(w io.Writer, rep engine.ReplayReport) {
	fmt.Fprintf(w, "%s: %d events replayed\n", rep.UserID, rep.Events)
	if len(rep.Drift) == 0 {
		color.New(color.FgGreen).Fprintln(w, "no drift")
		return
	}
	red := color.New(color.FgRed)
	for _, d := range rep.Drift {
		red.Fprintf(w, "  %-16s stored=%v computed=%v\n", d.Field, d.Stored, d.Computed)
	}
}
