package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/franz/dedup-janitor/internal/util"
)

// ManifestEntry records a verified staged copy of a file an operation will remove
type ManifestEntry struct {
	ID           string
	OpID         string
	OriginalPath string
	StagedPath   string
	Hash         string
	Size         int64
	CreatedAt    time.Time
}

// PutManifestEntry inserts an entry, replacing any earlier entry for the same operation
func (s *Store) PutManifestEntry(e *ManifestEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO manifest (id, op_id, original_path, staged_path, hash, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(op_id) DO UPDATE SET
			id = excluded.id,
			original_path = excluded.original_path,
			staged_path = excluded.staged_path,
			hash = excluded.hash,
			size = excluded.size,
			created_at = excluded.created_at
	`, e.ID, e.OpID, e.OriginalPath, e.StagedPath, e.Hash, e.Size, toNanos(e.CreatedAt))
	return err
}

const manifestColumns = `id, op_id, original_path, staged_path, hash, size, created_at`

func scanManifest(row interface{ Scan(...any) error }) (*ManifestEntry, error) {
	var e ManifestEntry
	var created sql.NullInt64
	if err := row.Scan(&e.ID, &e.OpID, &e.OriginalPath, &e.StagedPath, &e.Hash, &e.Size, &created); err != nil {
		return nil, err
	}
	e.CreatedAt = fromNanos(created)
	return &e, nil
}

// GetManifestEntry returns the staged copy recorded for an operation
func (s *Store) GetManifestEntry(opID string) (*ManifestEntry, error) {
	e, err := scanManifest(s.db.QueryRow(`SELECT `+manifestColumns+` FROM manifest WHERE op_id = ?`, opID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("manifest entry for %s: %w", opID, util.ErrNotFound)
	}
	return e, err
}

// ListPrunableManifest returns entries whose transaction closed before cutoff
func (s *Store) ListPrunableManifest(cutoff time.Time) ([]*ManifestEntry, error) {
	rows, err := s.db.Query(`
		SELECT m.id, m.op_id, m.original_path, m.staged_path, m.hash, m.size, m.created_at
		FROM manifest m
		JOIN operations o ON o.id = m.op_id
		JOIN transactions t ON t.id = o.tx_id
		WHERE t.status IN (?, ?) AND t.closed_at IS NOT NULL AND t.closed_at < ?
		ORDER BY m.created_at
	`, TxCommitted, TxRolledBack, toNanos(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*ManifestEntry
	for rows.Next() {
		e, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteManifestEntry removes an entry after its staged copy was pruned
func (s *Store) DeleteManifestEntry(id string) error {
	_, err := s.db.Exec(`DELETE FROM manifest WHERE id = ?`, id)
	return err
}
