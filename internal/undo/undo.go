package undo

import (
	"context"
	"errors"
	"fmt"

	"github.com/franz/dedup-janitor/internal/execute"
	"github.com/franz/dedup-janitor/internal/journal"
	"github.com/franz/dedup-janitor/internal/report"
	"github.com/franz/dedup-janitor/internal/store"
	"github.com/franz/dedup-janitor/internal/util"
)

// Verifier checks that a staged copy is still intact
type Verifier interface {
	Verify(entry *store.ManifestEntry) error
}

// Config holds undo manager configuration
type Config struct {
	Journal *journal.Journal
	Backups Verifier
	Logger  *report.EventLogger
}

// Manager reverses and re-applies journaled operations. Every reversal is
// itself a journaled transaction of restore operations, so an undo is as
// crash-safe as the cleanup it reverses.
type Manager struct {
	journal *journal.Journal
	store   *store.Store
	backups Verifier
	logger  *report.EventLogger
}

// New creates an undo manager
func New(cfg *Config) *Manager {
	return &Manager{
		journal: cfg.Journal,
		store:   cfg.Journal.Store(),
		backups: cfg.Backups,
		logger:  cfg.Logger,
	}
}

// Reversal describes one completed undo or redo
type Reversal struct {
	OpID    string // operation that was reversed or re-applied
	NewOpID string // operation that carried it out
	TxID    string
	Path    string
}

// TransactionResult reports how far undoing a transaction got. Operations
// are undone newest first; the first failure stops the chain.
type TransactionResult struct {
	TxID      string
	Succeeded []Reversal
	Failed    string   // operation that could not be undone
	Remaining []string // operations still applied, newest first
	Err       error
}

// candidate is an operation that passed the undo checks together with the
// bytes its restore will read
type candidate struct {
	op     *store.Operation
	source string
}

// CanUndo reports whether an operation can be undone right now, and if not,
// why. An operation can be undone when it is applied, its original path is
// free, the bytes to put back still hash to what was removed, and no later
// operation of its transaction has used the same path since.
func (m *Manager) CanUndo(opID string) (bool, string) {
	_, reason, err := m.check(opID)
	if err != nil {
		return false, err.Error()
	}
	return reason == "", reason
}

func (m *Manager) check(opID string) (*candidate, string, error) {
	op, err := m.store.GetOperation(opID)
	if err != nil {
		return nil, "", err
	}
	if op.Status != store.OpApplied {
		return nil, fmt.Sprintf("operation is %s", op.Status), nil
	}
	if op.Kind == store.OpRestore {
		return nil, "restores are reversed with redo", nil
	}

	later, err := m.laterUse(op)
	if err != nil {
		return nil, "", err
	}
	if later != nil {
		return nil, fmt.Sprintf("operation %d of the same transaction has since used its path", later.Seq), nil
	}

	if util.PathExists(op.Source) {
		return nil, fmt.Sprintf("original path %s is occupied", op.Source), nil
	}

	c := &candidate{op: op}
	if op.Kind == store.OpMove && execute.CheckHash(op.Destination, op.Hash) == nil {
		c.source = op.Destination
		return c, "", nil
	}

	backup, err := m.store.GetManifestEntry(op.ID)
	if errors.Is(err, util.ErrNotFound) {
		return nil, "no staged copy recorded", nil
	}
	if err != nil {
		return nil, "", err
	}
	if err := m.backups.Verify(backup); err != nil {
		return nil, fmt.Sprintf("staged copy is unusable: %v", err), nil
	}
	c.source = backup.StagedPath
	return c, "", nil
}

// laterUse finds an applied operation later in op's transaction that
// touches one of op's paths
func (m *Manager) laterUse(op *store.Operation) (*store.Operation, error) {
	ops, err := m.store.ListOperations(op.TxID)
	if err != nil {
		return nil, fmt.Errorf("list operations of %s: %w", op.TxID, err)
	}
	paths := map[string]bool{op.Source: true}
	if op.Destination != "" {
		paths[op.Destination] = true
	}
	for _, other := range ops {
		if other.Seq <= op.Seq || other.Status != store.OpApplied {
			continue
		}
		if paths[other.Source] || (other.Destination != "" && paths[other.Destination]) {
			return other, nil
		}
	}
	return nil, nil
}

// Undo puts a removed file back at its original path. Fails with
// util.ErrIntegrity when CanUndo would say no.
func (m *Manager) Undo(ctx context.Context, opID string) (*Reversal, error) {
	c, reason, err := m.check(opID)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		err := util.WrapKind(util.ErrIntegrity, "undo "+opID, errors.New(reason))
		m.logger.LogReversal(report.EventUndo, opID, "", "", err)
		return nil, err
	}

	op := c.op
	rev, err := m.run(ctx, "undo "+op.ID, journal.Intent{
		Kind:        store.OpRestore,
		Source:      c.source,
		Destination: op.Source,
		Hash:        op.Hash,
		Size:        op.Size,
		Reverses:    op.ID,
	})
	if rev != nil {
		rev.OpID, rev.Path = op.ID, op.Source
	}
	m.logger.LogReversal(report.EventUndo, op.ID, newOpID(rev), op.Source, err)
	if err != nil {
		return nil, fmt.Errorf("undo %s: %w", op.ID, err)
	}
	util.SuccessLog("Restored %s", op.Source)
	return rev, nil
}

// UndoTransaction undoes every applied operation of a committed
// transaction in reverse append order. It stops at the first operation
// that cannot be undone; the result lists what was undone and what is
// still applied.
func (m *Manager) UndoTransaction(ctx context.Context, txID string) (*TransactionResult, error) {
	tx, err := m.store.GetTransaction(txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != store.TxCommitted {
		return nil, fmt.Errorf("transaction %s is %s: %w", txID, tx.Status, util.ErrClosedTransaction)
	}
	ops, err := m.store.ListOperations(txID)
	if err != nil {
		return nil, fmt.Errorf("list operations of %s: %w", txID, err)
	}

	var pending []*store.Operation
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].Status == store.OpApplied {
			pending = append(pending, ops[i])
		}
	}

	res := &TransactionResult{TxID: txID}
	for i, op := range pending {
		if err := ctx.Err(); err != nil {
			res.Err = err
		} else {
			rev, uerr := m.Undo(ctx, op.ID)
			if uerr == nil {
				res.Succeeded = append(res.Succeeded, *rev)
				continue
			}
			res.Err = uerr
			res.Failed = op.ID
		}
		for _, rest := range pending[i:] {
			res.Remaining = append(res.Remaining, rest.ID)
		}
		break
	}

	if res.Err != nil {
		util.ErrorLog("Undo of %s stopped after %d of %d operations: %v", txID, len(res.Succeeded), len(pending), res.Err)
		return res, res.Err
	}
	util.InfoLog("Undid transaction %s (%d operations)", txID, len(res.Succeeded))
	return res, nil
}

// Redo re-applies an undone operation. id may name the original operation
// or the restore that undid it. The file at the original path must still
// hash to what the original operation removed, otherwise Redo fails with
// util.ErrStaleRedo.
func (m *Manager) Redo(ctx context.Context, id string) (*Reversal, error) {
	original, restore, err := m.resolveRedo(id)
	if err != nil {
		m.logger.LogReversal(report.EventRedo, id, "", "", err)
		return nil, err
	}

	if err := execute.CheckHash(original.Source, original.Hash); err != nil {
		err = util.WrapKind(util.ErrStaleRedo, "redo "+original.ID,
			fmt.Errorf("%s changed since it was restored: %w", original.Source, err))
		m.logger.LogReversal(report.EventRedo, original.ID, "", original.Source, err)
		return nil, err
	}
	if original.Kind == store.OpMove && util.PathExists(original.Destination) {
		err := util.WrapKind(util.ErrIntegrity, "redo "+original.ID, fmt.Errorf("%s is occupied", original.Destination))
		m.logger.LogReversal(report.EventRedo, original.ID, "", original.Source, err)
		return nil, err
	}

	rev, err := m.run(ctx, "redo "+original.ID, journal.Intent{
		Kind:        original.Kind,
		Source:      original.Source,
		Destination: original.Destination,
		Hash:        original.Hash,
		Size:        original.Size,
		Reverses:    restore.ID,
	})
	if rev != nil {
		rev.OpID, rev.Path = original.ID, original.Source
	}
	m.logger.LogReversal(report.EventRedo, original.ID, newOpID(rev), original.Source, err)
	if err != nil {
		return nil, fmt.Errorf("redo %s: %w", original.ID, err)
	}
	util.SuccessLog("Re-applied %s %s", original.Kind, original.Source)
	return rev, nil
}

// resolveRedo finds the undone original and the applied restore that undid it
func (m *Manager) resolveRedo(id string) (*store.Operation, *store.Operation, error) {
	op, err := m.store.GetOperation(id)
	if err != nil {
		return nil, nil, err
	}

	var original, restore *store.Operation
	if op.Kind == store.OpRestore {
		restore = op
		if restore.Reverses == "" {
			return nil, nil, fmt.Errorf("restore %s reverses nothing: %w", id, util.ErrIntegrity)
		}
		if original, err = m.store.GetOperation(restore.Reverses); err != nil {
			return nil, nil, err
		}
	} else {
		original = op
		if restore, err = m.store.FindReversal(op.ID); err != nil {
			return nil, nil, fmt.Errorf("find reversal of %s: %w", id, err)
		}
		if restore == nil {
			return nil, nil, fmt.Errorf("operation %s has not been undone: %w", id, util.ErrIntegrity)
		}
	}

	if restore.Status != store.OpApplied || original.Status != store.OpUndone {
		return nil, nil, fmt.Errorf("operation %s is not in an undone state (restore %s): %w",
			original.ID, restore.Status, util.ErrIntegrity)
	}
	return original, restore, nil
}

// run commits a single-operation transaction
func (m *Manager) run(ctx context.Context, note string, intent journal.Intent) (*Reversal, error) {
	txID, err := m.journal.Begin(ctx, note)
	if err != nil {
		return nil, err
	}
	opID, err := m.journal.Append(ctx, txID, intent)
	if err != nil {
		if rerr := m.journal.Rollback(ctx, txID); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return nil, err
	}
	if err := m.journal.Commit(ctx, txID); err != nil {
		return nil, err
	}
	return &Reversal{NewOpID: opID, TxID: txID}, nil
}

func newOpID(r *Reversal) string {
	if r == nil {
		return ""
	}
	return r.NewOpID
}
