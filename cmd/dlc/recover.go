package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/franz/dedup-janitor/internal/util"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Finish or roll back transactions interrupted by a crash",
	Long: `Resolve every transaction a previous run left open.

A transaction interrupted before its commit point is rolled back and no
file is touched. One interrupted after it is completed when every staged
backup still verifies, and rolled back otherwise.

Every dlc command that opens the journal runs this first; use it on its own
to resolve the journal without doing anything else.`,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	a, err := openApp(context.Background())
	if err != nil {
		return err
	}
	defer a.close()

	rep := a.recovered
	if len(rep.RolledForward) == 0 && len(rep.RolledBack) == 0 {
		util.SuccessLog("Journal is clean, nothing to recover")
		return nil
	}
	util.SuccessLog("=== Recovery Summary ===")
	util.InfoLog("  Completed: %d", len(rep.RolledForward))
	util.InfoLog("  Rolled back: %d", len(rep.RolledBack))
	return nil
}
