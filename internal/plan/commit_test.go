package plan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/franz/dedup-janitor/internal/execute"
	"github.com/franz/dedup-janitor/internal/hasher"
	"github.com/franz/dedup-janitor/internal/journal"
	"github.com/franz/dedup-janitor/internal/model"
	"github.com/franz/dedup-janitor/internal/staging"
	"github.com/franz/dedup-janitor/internal/store"
	"github.com/franz/dedup-janitor/internal/util"
)

func newJournal(t *testing.T, dir string) (*journal.Journal, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	stager, err := staging.New(&staging.Config{Root: filepath.Join(dir, "staging"), Store: st})
	if err != nil {
		t.Fatalf("staging: %v", err)
	}
	return journal.New(&journal.Config{
		Store:    st,
		Lock:     journal.NewTransactionContext(filepath.Join(dir, "journal.lock")),
		Stager:   stager,
		Executor: execute.New(nil),
	}), st
}

func libraryFile(t *testing.T, path, content string) model.FileDescriptor {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	desc, err := hasher.Snapshot(path)
	if err != nil {
		t.Fatal(err)
	}
	hash, _, err := hasher.SumFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	return desc.WithHash(hash)
}

func TestCommitRefusesWhenKeeperChanged(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(keep string) error
	}{
		{
			name:   "keeper deleted",
			tamper: os.Remove,
		},
		{
			name: "keeper rewritten",
			tamper: func(keep string) error {
				return os.WriteFile(keep, []byte("edited after the scan"), 0o644)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			j, st := newJournal(t, dir)
			lib := filepath.Join(dir, "lib")
			a := libraryFile(t, filepath.Join(lib, "a.txt"), "identical bytes")
			b := libraryFile(t, filepath.Join(lib, "b.txt"), "identical bytes")
			c := libraryFile(t, filepath.Join(lib, "c.txt"), "identical bytes")

			res := New(&Config{}).Plan([]model.QualityVerdict{{
				GroupID: "exact-1", Tier: model.TierExact, Keep: a, Remove: []model.FileDescriptor{b, c},
			}})
			if len(res.Actions) != 2 {
				t.Fatalf("expected two removals, got %+v", res.Actions)
			}

			ctx := context.Background()
			txID, err := j.Begin(ctx, "apply")
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			for _, action := range res.Actions {
				if _, err := j.Append(ctx, txID, action.Intent()); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			if err := tt.tamper(a.Path); err != nil {
				t.Fatal(err)
			}

			err = j.Commit(ctx, txID)
			if !errors.Is(err, util.ErrIntegrity) {
				t.Fatalf("expected ErrIntegrity, got %v", err)
			}
			for _, path := range []string{b.Path, c.Path} {
				if !util.PathExists(path) {
					t.Errorf("%s removed although its keeper is gone", path)
				}
			}
			tx, err := st.GetTransaction(txID)
			if err != nil {
				t.Fatalf("GetTransaction: %v", err)
			}
			if tx.Status != store.TxRolledBack {
				t.Errorf("transaction status %s, want %s", tx.Status, store.TxRolledBack)
			}
		})
	}
}

func TestCommitRemovesDuplicatesWhileKeeperIntact(t *testing.T) {
	dir := t.TempDir()
	j, _ := newJournal(t, dir)
	lib := filepath.Join(dir, "lib")
	a := libraryFile(t, filepath.Join(lib, "a.txt"), "identical bytes")
	b := libraryFile(t, filepath.Join(lib, "b.txt"), "identical bytes")

	res := New(&Config{}).Plan([]model.QualityVerdict{{
		GroupID: "exact-1", Tier: model.TierExact, Keep: a, Remove: []model.FileDescriptor{b},
	}})

	ctx := context.Background()
	txID, err := j.Begin(ctx, "apply")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for _, action := range res.Actions {
		if _, err := j.Append(ctx, txID, action.Intent()); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := j.Commit(ctx, txID); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if util.PathExists(b.Path) || !util.PathExists(a.Path) {
		t.Error("expected the duplicate removed and the keeper left")
	}
}
