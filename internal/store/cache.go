package store

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// GetFileHash returns the cached content hash for an unchanged (path, mtime, size)
func (s *Store) GetFileHash(path string, mtime time.Time, size int64) (string, bool, error) {
	var hash string
	err := s.db.QueryRow(`
		SELECT hash FROM file_hashes WHERE path = ? AND mtime_ns = ? AND size = ?
	`, path, mtime.UnixNano(), size).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

// PutFileHash caches a content hash, dropping stale rows for the same path
func (s *Store) PutFileHash(path string, mtime time.Time, size int64, hash string) error {
	return s.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM file_hashes WHERE path = ?`, path); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO file_hashes (path, mtime_ns, size, hash) VALUES (?, ?, ?, ?)
		`, path, mtime.UnixNano(), size, hash)
		return err
	})
}

// GetEmbedding returns a cached vector for content embedded with model
func (s *Store) GetEmbedding(contentHash, model string) ([]float32, bool, error) {
	var dims int
	var blob []byte
	err := s.db.QueryRow(`
		SELECT dims, vector FROM embeddings WHERE content_hash = ? AND model = ?
	`, contentHash, model).Scan(&dims, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	vec, err := decodeVector(blob, dims)
	if err != nil {
		return nil, false, fmt.Errorf("embedding %s/%s: %w", contentHash, model, err)
	}
	return vec, true, nil
}

// PutEmbedding caches a vector
func (s *Store) PutEmbedding(contentHash, model string, vec []float32) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO embeddings (content_hash, model, dims, vector, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, contentHash, model, len(vec), encodeVector(vec), time.Now().UnixNano())
	return err
}

// CountEmbeddings returns how many vectors are cached
func (s *Store) CountEmbeddings() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&n)
	return n, err
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte, dims int) ([]float32, error) {
	if len(buf) != dims*4 {
		return nil, fmt.Errorf("vector blob has %d bytes, want %d", len(buf), dims*4)
	}
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}
