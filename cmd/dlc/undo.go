package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/franz/dedup-janitor/internal/store"
	"github.com/franz/dedup-janitor/internal/util"
)

var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Restore files removed by an operation or a whole transaction",
	Long: `Put removed files back at their original paths.

With --op a single operation is reverted. With --tx every applied operation
of a committed transaction is reverted, newest first; the command stops at
the first operation that cannot be reverted and lists what is still applied.

Files come back from the quarantine directory when they are still there,
otherwise from the verified copy in the staging area. A restore is refused
when the original path is occupied or when a later operation reused it.
Use --check to ask whether an operation can be reverted without doing it.`,
	RunE: runUndo,
}

var redoCmd = &cobra.Command{
	Use:   "redo",
	Short: "Re-apply an operation that was undone",
	Long: `Re-apply the removal of an undone operation.

--op may name the original operation or the restore that reverted it. The
file at the original path must still be the one that was restored; if it
was changed or removed since, the redo is refused.`,
	RunE: runRedo,
}

func init() {
	rootCmd.AddCommand(undoCmd)
	rootCmd.AddCommand(redoCmd)

	undoCmd.Flags().String("op", "", "operation to revert")
	undoCmd.Flags().String("tx", "", "transaction to revert")
	undoCmd.Flags().Bool("check", false, "only report whether --op can be reverted")

	redoCmd.Flags().String("op", "", "operation to re-apply")
	redoCmd.MarkFlagRequired("op")
}

func runUndo(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opID, _ := cmd.Flags().GetString("op")
	txID, _ := cmd.Flags().GetString("tx")
	check, _ := cmd.Flags().GetBool("check")
	if (opID == "") == (txID == "") {
		return fmt.Errorf("exactly one of --op or --tx is required: %w", util.ErrInvalidConfig)
	}
	if check && opID == "" {
		return fmt.Errorf("--check needs --op: %w", util.ErrInvalidConfig)
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if check {
		if ok, reason := a.undo.CanUndo(opID); !ok {
			util.WarnLog("Operation %s cannot be undone: %s", opID, reason)
			return nil
		}
		util.SuccessLog("Operation %s can be undone", opID)
		return nil
	}

	if opID != "" {
		rev, err := a.undo.Undo(ctx, opID)
		if err != nil {
			return err
		}
		a.metrics.ObserveTransaction(store.TxCommitted)
		util.InfoLog("Restore operation: %s (transaction %s)", rev.NewOpID, rev.TxID)
		return nil
	}

	res, err := a.undo.UndoTransaction(ctx, txID)
	if res != nil {
		for range res.Succeeded {
			a.metrics.ObserveTransaction(store.TxCommitted)
		}
		util.InfoLog("")
		util.SuccessLog("=== Undo Summary ===")
		util.InfoLog("  Restored: %d", len(res.Succeeded))
		for _, rev := range res.Succeeded {
			util.DebugLog("    %s (%s)", rev.Path, rev.OpID)
		}
		if res.Failed != "" {
			util.WarnLog("  Stopped at: %s", res.Failed)
			util.WarnLog("  Still applied: %d", len(res.Remaining))
			for _, id := range res.Remaining {
				util.WarnLog("    - %s", id)
			}
		}
	}
	return err
}

func runRedo(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opID, _ := cmd.Flags().GetString("op")

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	rev, err := a.undo.Redo(ctx, opID)
	if err != nil {
		return err
	}
	a.metrics.ObserveTransaction(store.TxCommitted)
	util.InfoLog("Operation: %s (transaction %s)", rev.NewOpID, rev.TxID)
	return nil
}
