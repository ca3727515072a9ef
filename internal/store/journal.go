package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/franz/dedup-janitor/internal/util"
)

// TxStatus is the lifecycle state of a journal transaction
type TxStatus string

const (
	TxOpen       TxStatus = "open"
	TxCommitted  TxStatus = "committed"
	TxRolledBack TxStatus = "rolled_back"
)

// OpKind is the filesystem mutation an operation performs
type OpKind string

const (
	OpMove    OpKind = "move"
	OpDelete  OpKind = "delete"
	OpRestore OpKind = "restore"
)

// OpStatus is the lifecycle state of a journal operation
type OpStatus string

const (
	OpPending OpStatus = "pending"
	OpApplied OpStatus = "applied"
	OpUndone  OpStatus = "undone"
)

// Transaction is an ordered group of operations with one terminal outcome
type Transaction struct {
	ID                string
	Status            TxStatus
	Note              string
	CreatedAt         time.Time
	CommitRequestedAt time.Time // zero until the commit point of no return
	ClosedAt          time.Time
}

// Operation is one journaled filesystem mutation
type Operation struct {
	ID          string
	TxID        string
	Seq         int
	Kind        OpKind
	Source      string
	Destination string
	Hash        string
	Size        int64
	Status      OpStatus
	Reverses    string // id of the operation this one reverses, if any
	KeepPath    string // surviving copy a removal relies on, if any
	KeepHash    string // expected content of KeepPath; empty skips the hash check
	Timestamp   time.Time
	Error       string
}

// Destructive reports whether applying the operation removes bytes from Source
func (o *Operation) Destructive() bool {
	return o.Kind == OpDelete || o.Kind == OpMove
}

type queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

// InsertTransaction records a new open transaction.
// Fails with util.ErrTransactionBusy when another transaction is already open.
func (s *Store) InsertTransaction(tx *Transaction) error {
	_, err := s.db.Exec(`
		INSERT INTO transactions (id, status, note, created_at)
		VALUES (?, ?, ?, ?)
	`, tx.ID, tx.Status, tx.Note, toNanos(tx.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("insert transaction %s: %w", tx.ID, util.ErrTransactionBusy)
	}
	return err
}

const txColumns = `id, status, note, created_at, commit_requested_at, closed_at`

func scanTransaction(row interface{ Scan(...any) error }) (*Transaction, error) {
	var tx Transaction
	var created, requested, closed sql.NullInt64
	if err := row.Scan(&tx.ID, &tx.Status, &tx.Note, &created, &requested, &closed); err != nil {
		return nil, err
	}
	tx.CreatedAt = fromNanos(created)
	tx.CommitRequestedAt = fromNanos(requested)
	tx.ClosedAt = fromNanos(closed)
	return &tx, nil
}

// GetTransaction loads a transaction by id
func (s *Store) GetTransaction(id string) (*Transaction, error) {
	return getTransaction(s.db, id)
}

func getTransaction(q queryer, id string) (*Transaction, error) {
	tx, err := scanTransaction(q.QueryRow(`SELECT `+txColumns+` FROM transactions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, util.ErrNotFound)
	}
	return tx, err
}

// ListTransactions returns the most recent transactions first.
// A non-positive limit returns all of them.
func (s *Store) ListTransactions(limit int) ([]*Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions ORDER BY created_at DESC, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryTransactions(query)
}

// ListOpenTransactions returns transactions that never reached a terminal state
func (s *Store) ListOpenTransactions() ([]*Transaction, error) {
	return s.queryTransactions(`SELECT `+txColumns+` FROM transactions WHERE status = ? ORDER BY created_at`, TxOpen)
}

func (s *Store) queryTransactions(query string, args ...any) ([]*Transaction, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// MarkCommitRequested records that every backup verified and mutation may begin.
// Recovery rolls such a transaction forward instead of back.
func (s *Store) MarkCommitRequested(id string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE transactions SET commit_requested_at = ?
		WHERE id = ? AND status = ?
	`, toNanos(at), id, TxOpen)
	if err != nil {
		return err
	}
	return expectOneRow(res, "transaction", id, util.ErrClosedTransaction)
}

// AppendOperation adds a pending operation to an open transaction, assigning
// the next sequence number. Fails with util.ErrClosedTransaction otherwise.
func (s *Store) AppendOperation(op *Operation) error {
	return s.Transaction(func(tx *sql.Tx) error {
		parent, err := getTransaction(tx, op.TxID)
		if err != nil {
			return err
		}
		if parent.Status != TxOpen {
			return fmt.Errorf("append to %s (%s): %w", op.TxID, parent.Status, util.ErrClosedTransaction)
		}

		if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM operations WHERE tx_id = ?`, op.TxID).Scan(&op.Seq); err != nil {
			return err
		}
		op.Status = OpPending

		_, err = tx.Exec(`
			INSERT INTO operations
			(id, tx_id, seq, kind, source, destination, hash, size, status, reverses, keep_path, keep_hash, ts, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')
		`, op.ID, op.TxID, op.Seq, op.Kind, op.Source, op.Destination, op.Hash, op.Size,
			op.Status, op.Reverses, op.KeepPath, op.KeepHash, toNanos(op.Timestamp))
		return err
	})
}

const opColumns = `id, tx_id, seq, kind, source, destination, hash, size, status, reverses, keep_path, keep_hash, ts, error`

func scanOperation(row interface{ Scan(...any) error }) (*Operation, error) {
	var op Operation
	var ts sql.NullInt64
	err := row.Scan(&op.ID, &op.TxID, &op.Seq, &op.Kind, &op.Source, &op.Destination,
		&op.Hash, &op.Size, &op.Status, &op.Reverses, &op.KeepPath, &op.KeepHash, &ts, &op.Error)
	if err != nil {
		return nil, err
	}
	op.Timestamp = fromNanos(ts)
	return &op, nil
}

// GetOperation loads an operation by id
func (s *Store) GetOperation(id string) (*Operation, error) {
	op, err := scanOperation(s.db.QueryRow(`SELECT `+opColumns+` FROM operations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %s: %w", id, util.ErrNotFound)
	}
	return op, err
}

// ListOperations returns a transaction's operations in append order
func (s *Store) ListOperations(txID string) ([]*Operation, error) {
	return s.queryOperations(`SELECT `+opColumns+` FROM operations WHERE tx_id = ? ORDER BY seq`, txID)
}

// FindReversal returns the applied operation that reverses id, or nil
func (s *Store) FindReversal(id string) (*Operation, error) {
	op, err := scanOperation(s.db.QueryRow(`
		SELECT `+opColumns+` FROM operations
		WHERE reverses = ? AND status = ?
		ORDER BY ts DESC LIMIT 1
	`, id, OpApplied))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return op, err
}

// CountOperationsByStatus reports how many operations are in each status
func (s *Store) CountOperationsByStatus() (map[OpStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[OpStatus]int)
	for rows.Next() {
		var status OpStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) queryOperations(query string, args ...any) ([]*Operation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// SetOperationError records a failure message without changing status
func (s *Store) SetOperationError(id, msg string) error {
	_, err := s.db.Exec(`UPDATE operations SET error = ? WHERE id = ?`, msg, id)
	return err
}

// FinalizeTransaction closes an open transaction and moves every one of its
// operations to opStatus in a single database transaction. When committing,
// operations that reverse an earlier one mark that earlier one undone.
func (s *Store) FinalizeTransaction(id string, status TxStatus, opStatus OpStatus, at time.Time) error {
	if status == TxOpen {
		return fmt.Errorf("finalize %s: target status must be terminal", id)
	}
	return s.Transaction(func(tx *sql.Tx) error {
		parent, err := getTransaction(tx, id)
		if err != nil {
			return err
		}
		if parent.Status != TxOpen {
			return fmt.Errorf("finalize %s (%s): %w", id, parent.Status, util.ErrClosedTransaction)
		}

		if _, err := tx.Exec(`UPDATE operations SET status = ? WHERE tx_id = ?`, opStatus, id); err != nil {
			return fmt.Errorf("update operations: %w", err)
		}

		if status == TxCommitted {
			_, err := tx.Exec(`
				UPDATE operations SET status = ?
				WHERE id IN (SELECT reverses FROM operations WHERE tx_id = ? AND reverses != '')
			`, OpUndone, id)
			if err != nil {
				return fmt.Errorf("supersede reversed operations: %w", err)
			}
		}

		_, err = tx.Exec(`UPDATE transactions SET status = ?, closed_at = ? WHERE id = ?`,
			status, nullNanos(at), id)
		return err
	})
}

func expectOneRow(res sql.Result, what, id string, kind error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%s %s: %w", what, id, kind)
	}
	return nil
}
