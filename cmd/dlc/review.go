package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/franz/dedup-janitor/internal/review"
	"github.com/franz/dedup-janitor/internal/util"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Show the plan and decide which groups to clean up",
	Long: `Display every duplicate group in the plan file with the copy that will be
kept and the copies that will be removed.

Exact groups are accepted by default. Perceptual and semantic groups are
only approximate and must be accepted before 'dlc apply' touches them.
Use --interactive to step through the groups, accept or skip each one and
pick a different copy to keep. Decisions are written back to the plan file.`,
	RunE: runReview,
}

func init() {
	rootCmd.AddCommand(reviewCmd)

	reviewCmd.Flags().String("plan", "", "plan file to review (default dlc-plan.yaml)")
	reviewCmd.Flags().BoolP("interactive", "i", false, "decide group by group")
}

func planPathFlag(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("plan"); p != "" {
		return p
	}
	return GetConfigString("plan", "dlc-plan.yaml")
}

func runReview(cmd *cobra.Command, args []string) error {
	planPath := planPathFlag(cmd)
	f, err := review.Load(planPath)
	if err != nil {
		return err
	}
	if len(f.Groups) == 0 {
		util.InfoLog("No duplicate groups in %s", planPath)
		return nil
	}

	interactive, _ := cmd.Flags().GetBool("interactive")
	if !interactive {
		review.Render(os.Stdout, f)
		return nil
	}
	if !util.IsTerminal(os.Stdin.Fd()) {
		return fmt.Errorf("interactive review needs a terminal")
	}

	rl, err := review.NewPrompter()
	if err != nil {
		return err
	}
	defer rl.Close()

	stats, err := review.Interactive(f, rl, os.Stdout)
	if err != nil {
		return fmt.Errorf("review failed: %w", err)
	}
	if err := review.Save(planPath, f); err != nil {
		return err
	}

	util.InfoLog("")
	util.SuccessLog("=== Review Summary ===")
	util.InfoLog("  Accepted: %d", stats.Accepted)
	util.InfoLog("  Skipped: %d", stats.Skipped)
	util.InfoLog("  Keeper changed: %d", stats.Rekept)
	if stats.Unseen > 0 {
		util.WarnLog("  Not reviewed: %d (left unchanged)", stats.Unseen)
	}
	util.InfoLog("Plan saved: %s", planPath)
	return nil
}
