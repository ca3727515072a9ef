package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/franz/dedup-janitor/internal/plan"
	"github.com/franz/dedup-janitor/internal/review"
	"github.com/franz/dedup-janitor/internal/store"
	"github.com/franz/dedup-janitor/internal/util"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Remove the duplicates of every accepted group in one transaction",
	Long: `Carry out the accepted groups of a plan file.

This command:
1. Reconciles the accepted groups across tiers (a keeper is never removed)
2. Journals one operation per removal inside a single transaction
3. Copies every affected file to the staging area and verifies the copy
4. Deletes the duplicates, or moves them to the quarantine directory

If anything fails before the commit point nothing is changed. An interrupted
apply is finished or rolled back by the next dlc command. Every removal can
be reverted later with 'dlc undo'.`,
	RunE: runApply,
}

func init() {
	rootCmd.AddCommand(applyCmd)

	applyCmd.Flags().String("plan", "", "plan file to apply (default dlc-plan.yaml)")
	applyCmd.Flags().Bool("dry-run", false, "show the operations without touching any file")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	planPath := planPathFlag(cmd)
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	f, err := review.Load(planPath)
	if err != nil {
		return err
	}
	verdicts, err := f.Accepted()
	if err != nil {
		return err
	}
	if len(verdicts) == 0 {
		util.WarnLog("No accepted groups in %s. Run 'dlc review --plan %s' first.", planPath, planPath)
		return nil
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	quarantine := f.Quarantine
	if quarantine != "" {
		if quarantine, err = filepath.Abs(quarantine); err != nil {
			return fmt.Errorf("quarantine: %w", err)
		}
	}

	planner := plan.New(&plan.Config{Quarantine: quarantine, Logger: a.logger})
	planned := planner.Plan(verdicts)
	for _, e := range planned.Errors {
		util.WarnLog("  - %v", e)
	}
	if len(planned.Actions) == 0 {
		util.WarnLog("Nothing to apply")
		return nil
	}

	if dryRun {
		util.InfoLog("=== Dry Run ===")
		for _, action := range planned.Actions {
			if action.Kind == store.OpMove {
				util.InfoLog("  move   %s -> %s", action.File.Path, action.Dest)
			} else {
				util.InfoLog("  delete %s (keeping %s)", action.File.Path, action.Keep)
			}
		}
		util.InfoLog("")
		util.InfoLog("%d operations, %s would be reclaimed", len(planned.Actions), util.FormatBytes(planned.Bytes()))
		return nil
	}

	util.InfoLog("=== Apply ===")
	startTime := time.Now()

	txID, err := a.journal.Begin(ctx, "apply "+planPath)
	if err != nil {
		return err
	}
	for _, action := range planned.Actions {
		if _, err := a.journal.Append(ctx, txID, action.Intent()); err != nil {
			if rbErr := a.journal.Rollback(ctx, txID); rbErr != nil {
				util.ErrorLog("Rollback of %s failed: %v", txID, rbErr)
			}
			a.metrics.ObserveTransaction(store.TxRolledBack)
			return fmt.Errorf("failed to journal %s: %w", action.File.Path, err)
		}
	}

	if err := a.journal.Commit(ctx, txID); err != nil {
		a.metrics.ObserveTransaction(store.TxRolledBack)
		return fmt.Errorf("transaction %s was not applied: %w", txID, err)
	}
	a.metrics.ObserveTransaction(store.TxCommitted)

	util.InfoLog("")
	util.SuccessLog("=== Apply Summary ===")
	util.InfoLog("Total time: %v", time.Since(startTime).Round(time.Millisecond))
	util.InfoLog("Transaction: %s", txID)
	util.InfoLog("  Operations: %d", len(planned.Actions))
	if planned.Pinned > 0 {
		util.InfoLog("  Keepers carried over from an earlier tier: %d", planned.Pinned)
	}
	if len(planned.Skipped) > 0 {
		util.InfoLog("  Groups skipped: %d", len(planned.Skipped))
	}
	util.InfoLog("  Reclaimed: %s", util.FormatBytes(planned.Bytes()))
	util.InfoLog("Backups: %s", a.stager.Root())
	util.InfoLog("")
	util.InfoLog("To revert: dlc undo --tx %s", txID)
	return nil
}
