package store

import (
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/franz/dedup-janitor/internal/util"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreOpenAndMigrate(t *testing.T) {
	s := openTestStore(t)

	version, dirty, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("failed to get schema version: %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("expected clean schema version 2, got %d (dirty=%v)", version, dirty)
	}

	tables := []string{"transactions", "operations", "manifest", "file_hashes", "embeddings"}
	for _, table := range tables {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("expected table %s to exist", table)
		}
	}

	if err := s.CheckIntegrity(); err != nil {
		t.Errorf("integrity check failed: %v", err)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s.Close()
}

func TestOnlyOneOpenTransaction(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	if err := s.InsertTransaction(&Transaction{ID: "tx1", Status: TxOpen, CreatedAt: now}); err != nil {
		t.Fatalf("insert tx1: %v", err)
	}
	err := s.InsertTransaction(&Transaction{ID: "tx2", Status: TxOpen, CreatedAt: now})
	if !errors.Is(err, util.ErrTransactionBusy) {
		t.Fatalf("expected ErrTransactionBusy, got %v", err)
	}

	if err := s.FinalizeTransaction("tx1", TxRolledBack, OpUndone, now); err != nil {
		t.Fatalf("finalize tx1: %v", err)
	}
	if err := s.InsertTransaction(&Transaction{ID: "tx2", Status: TxOpen, CreatedAt: now}); err != nil {
		t.Fatalf("insert tx2 after close: %v", err)
	}

	open, err := s.ListOpenTransactions()
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].ID != "tx2" {
		t.Errorf("expected only tx2 open, got %+v", open)
	}
}

func TestAppendOperationAssignsSequence(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	s.InsertTransaction(&Transaction{ID: "tx", Status: TxOpen, CreatedAt: now})

	for i, id := range []string{"a", "b", "c"} {
		op := &Operation{ID: id, TxID: "tx", Kind: OpDelete, Source: "/f/" + id, Hash: "h", Timestamp: now}
		if err := s.AppendOperation(op); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
		if op.Seq != i+1 {
			t.Errorf("op %s: expected seq %d, got %d", id, i+1, op.Seq)
		}
		if op.Status != OpPending {
			t.Errorf("op %s: expected pending, got %s", id, op.Status)
		}
	}

	ops, err := s.ListOperations("tx")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 3 || ops[0].ID != "a" || ops[2].ID != "c" {
		t.Fatalf("unexpected order: %+v", ops)
	}
}

func TestOperationKeepsKeeper(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	s.InsertTransaction(&Transaction{ID: "tx", Status: TxOpen, CreatedAt: now})

	op := &Operation{ID: "a", TxID: "tx", Kind: OpDelete, Source: "/f/b", Hash: "h",
		KeepPath: "/f/a", KeepHash: "h", Timestamp: now}
	if err := s.AppendOperation(op); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.GetOperation("a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.KeepPath != "/f/a" || got.KeepHash != "h" {
		t.Errorf("keeper not persisted: %+v", got)
	}
}

func TestAppendToClosedTransaction(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	s.InsertTransaction(&Transaction{ID: "tx", Status: TxOpen, CreatedAt: now})
	if err := s.FinalizeTransaction("tx", TxCommitted, OpApplied, now); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	err := s.AppendOperation(&Operation{ID: "late", TxID: "tx", Kind: OpDelete, Source: "/x", Hash: "h"})
	if !errors.Is(err, util.ErrClosedTransaction) {
		t.Fatalf("expected ErrClosedTransaction, got %v", err)
	}

	if err := s.FinalizeTransaction("tx", TxRolledBack, OpUndone, now); !errors.Is(err, util.ErrClosedTransaction) {
		t.Errorf("terminal status must be final, got %v", err)
	}
	if err := s.MarkCommitRequested("tx", now); !errors.Is(err, util.ErrClosedTransaction) {
		t.Errorf("expected ErrClosedTransaction from MarkCommitRequested, got %v", err)
	}
}

func TestFinalizeCommitSupersedesReversedOperation(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	s.InsertTransaction(&Transaction{ID: "t1", Status: TxOpen, CreatedAt: now})
	s.AppendOperation(&Operation{ID: "del", TxID: "t1", Kind: OpDelete, Source: "/a", Hash: "h", Timestamp: now})
	if err := s.FinalizeTransaction("t1", TxCommitted, OpApplied, now); err != nil {
		t.Fatalf("finalize t1: %v", err)
	}

	s.InsertTransaction(&Transaction{ID: "t2", Status: TxOpen, CreatedAt: now})
	s.AppendOperation(&Operation{ID: "res", TxID: "t2", Kind: OpRestore, Source: "/stage/a", Destination: "/a", Hash: "h", Reverses: "del", Timestamp: now})
	if err := s.FinalizeTransaction("t2", TxCommitted, OpApplied, now); err != nil {
		t.Fatalf("finalize t2: %v", err)
	}

	del, _ := s.GetOperation("del")
	if del.Status != OpUndone {
		t.Errorf("expected reversed op to be undone, got %s", del.Status)
	}
	rev, err := s.FindReversal("del")
	if err != nil || rev == nil || rev.ID != "res" {
		t.Errorf("expected reversal res, got %+v (%v)", rev, err)
	}

	counts, err := s.CountOperationsByStatus()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[OpApplied] != 1 || counts[OpUndone] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestManifestUpsertAndPrunable(t *testing.T) {
	s := openTestStore(t)
	old := time.Now().Add(-48 * time.Hour)

	s.InsertTransaction(&Transaction{ID: "tx", Status: TxOpen, CreatedAt: old})
	s.AppendOperation(&Operation{ID: "op", TxID: "tx", Kind: OpDelete, Source: "/a", Hash: "h", Timestamp: old})

	first := &ManifestEntry{ID: "m1", OpID: "op", OriginalPath: "/a", StagedPath: "/s/1", Hash: "h", Size: 3, CreatedAt: old}
	if err := s.PutManifestEntry(first); err != nil {
		t.Fatalf("put: %v", err)
	}
	second := &ManifestEntry{ID: "m2", OpID: "op", OriginalPath: "/a", StagedPath: "/s/2", Hash: "h", Size: 3, CreatedAt: old}
	if err := s.PutManifestEntry(second); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetManifestEntry("op")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.StagedPath != "/s/2" {
		t.Errorf("expected replaced entry, got %+v", got)
	}

	prunable, _ := s.ListPrunableManifest(time.Now())
	if len(prunable) != 0 {
		t.Fatalf("open transaction must not be prunable, got %d", len(prunable))
	}

	s.FinalizeTransaction("tx", TxCommitted, OpApplied, old)
	prunable, _ = s.ListPrunableManifest(time.Now().Add(-24 * time.Hour))
	if len(prunable) != 1 {
		t.Fatalf("expected 1 prunable entry, got %d", len(prunable))
	}
	if err := s.DeleteManifestEntry(prunable[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetManifestEntry("op"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestHashAndEmbeddingCache(t *testing.T) {
	s := openTestStore(t)
	mtime := time.Unix(1700000000, 123)

	if _, ok, _ := s.GetFileHash("/a", mtime, 10); ok {
		t.Fatal("expected cache miss")
	}
	s.PutFileHash("/a", mtime, 10, "h1")
	if h, ok, _ := s.GetFileHash("/a", mtime, 10); !ok || h != "h1" {
		t.Errorf("expected h1, got %q (%v)", h, ok)
	}
	if _, ok, _ := s.GetFileHash("/a", mtime.Add(time.Second), 10); ok {
		t.Error("changed mtime must miss")
	}

	vec := []float32{0.5, -1.25, 3}
	if err := s.PutEmbedding("h1", "m", vec); err != nil {
		t.Fatalf("put embedding: %v", err)
	}
	got, ok, err := s.GetEmbedding("h1", "m")
	if err != nil || !ok {
		t.Fatalf("get embedding: %v %v", ok, err)
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("dim %d: got %v want %v", i, got[i], vec[i])
		}
	}
	if _, ok, _ := s.GetEmbedding("h1", "other-model"); ok {
		t.Error("different model must miss")
	}
}

func TestFinalizeRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewFromDB(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM transactions WHERE id = ?")).
		WithArgs("tx1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "note", "created_at", "commit_requested_at", "closed_at"}).
			AddRow("tx1", "open", "", int64(1), int64(2), nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE operations SET status = ? WHERE tx_id = ?")).
		WithArgs("applied", "tx1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE operations SET status = ?")).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = s.FinalizeTransaction("tx1", TxCommitted, OpApplied, time.Now())
	if err == nil {
		t.Fatal("expected error from failed supersede update")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
