package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franz/dedup-janitor/internal/store"
	"github.com/franz/dedup-janitor/internal/util"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List journaled transactions and their operations",
	Long: `Show the most recent transactions with their outcome, or every
operation of one transaction with --tx.

Operation ids shown here are what 'dlc undo --op' and 'dlc redo --op' take.`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().String("tx", "", "show the operations of this transaction")
	historyCmd.Flags().Int("limit", 20, "number of transactions to list")
}

func runHistory(cmd *cobra.Command, args []string) error {
	txID, _ := cmd.Flags().GetString("tx")
	limit, _ := cmd.Flags().GetInt("limit")

	// Read-only: no recovery, no journal lock
	db, err := store.Open(GetConfigString("db", "dlc-state.db"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if txID != "" {
		return showTransaction(db, txID)
	}

	txs, err := db.ListTransactions(limit)
	if err != nil {
		return fmt.Errorf("failed to list transactions: %w", err)
	}
	if len(txs) == 0 {
		util.InfoLog("No transactions yet")
		return nil
	}

	util.InfoLog("=== Transactions ===")
	for _, tx := range txs {
		ops, err := db.ListOperations(tx.ID)
		if err != nil {
			return fmt.Errorf("failed to list operations of %s: %w", tx.ID, err)
		}
		line := fmt.Sprintf("%s  %-11s  %3d ops  %s  %s", tx.ID, tx.Status, len(ops), humanize.Time(tx.CreatedAt), tx.Note)
		if tx.Status == store.TxOpen {
			util.WarnLog("%s", line)
		} else {
			util.InfoLog("%s", line)
		}
	}
	return nil
}

func showTransaction(db *store.Store, txID string) error {
	tx, err := db.GetTransaction(txID)
	if err != nil {
		return err
	}
	ops, err := db.ListOperations(txID)
	if err != nil {
		return fmt.Errorf("failed to list operations: %w", err)
	}

	util.InfoLog("Transaction %s (%s)", tx.ID, tx.Status)
	util.InfoLog("  Note: %s", tx.Note)
	util.InfoLog("  Created: %s", tx.CreatedAt.Format("2006-01-02 15:04:05"))
	if !tx.ClosedAt.IsZero() {
		util.InfoLog("  Closed: %s", tx.ClosedAt.Format("2006-01-02 15:04:05"))
	}
	util.InfoLog("")

	for _, op := range ops {
		target := op.Source
		if op.Destination != "" {
			target = fmt.Sprintf("%s -> %s", op.Source, op.Destination)
		}
		util.InfoLog("%3d. %s  %-7s  %-7s  %s  (%s)", op.Seq, op.ID, op.Kind, op.Status, target, util.FormatBytes(op.Size))
		if op.Reverses != "" {
			util.InfoLog("       reverses %s", op.Reverses)
		}
		if op.Error != "" {
			util.WarnLog("       error: %s", op.Error)
		}
	}
	return nil
}
