package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/franz/dedup-janitor/internal/util"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete staged backups older than the retention window",
	Long: `Free the space held by staged backups of closed transactions.

Only backups of transactions that ended before the cutoff are removed.
Operations whose backup is gone can still be undone from the quarantine
directory, but deletions can no longer be reverted.`,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)

	pruneCmd.Flags().Duration("older-than", 0, "retention window (default from config, 720h)")
	viper.BindPFlag("retention", pruneCmd.Flags().Lookup("older-than"))
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	retention := viper.GetDuration("retention")
	if retention < 0 {
		return fmt.Errorf("retention must not be negative: %w", util.ErrInvalidConfig)
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	cutoff := time.Now().Add(-retention)
	util.InfoLog("Pruning backups of transactions closed before %s", cutoff.Format("2006-01-02 15:04"))

	res, err := a.stager.Prune(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}
	for _, e := range res.Errors {
		util.WarnLog("  - %v", e)
	}
	util.SuccessLog("Removed %d backups (%s)", res.Removed, util.FormatBytes(res.Bytes))
	return nil
}
