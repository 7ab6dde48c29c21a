package search

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists the discovery-index artifact: the catalog content hash
// plus one embedding vector per tool, in catalog order. A stale hash
// invalidates the whole artifact.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the index artifact at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index artifact: %w", err)
	}
	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize index artifact: %w", err)
	}
	return s, nil
}

func (s *Store) initTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS index_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		catalog_hash TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS index_vectors (
		position INTEGER PRIMARY KEY,
		tool_name TEXT NOT NULL,
		vector BLOB NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the persisted vectors and tool names if the stored catalog
// hash matches; ok is false when the artifact is absent or stale.
func (s *Store) Load(catalogHash string) (names []string, vectors [][]float32, ok bool, err error) {
	var stored string
	err = s.db.QueryRow(`SELECT catalog_hash FROM index_meta WHERE id = 1`).Scan(&stored)
	if err == sql.ErrNoRows {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to read index meta: %w", err)
	}
	if stored != catalogHash {
		return nil, nil, false, nil
	}

	rows, err := s.db.Query(`SELECT tool_name, vector FROM index_vectors ORDER BY position`)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to read index vectors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var blob []byte
		if err := rows.Scan(&name, &blob); err != nil {
			return nil, nil, false, fmt.Errorf("failed to scan index vector: %w", err)
		}
		names = append(names, name)
		vectors = append(vectors, decodeVector(blob))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, fmt.Errorf("rows iteration error: %w", err)
	}
	return names, vectors, true, nil
}

// Save replaces the artifact with a new hash and vector set.
func (s *Store) Save(catalogHash string, names []string, vectors [][]float32) error {
	if len(names) != len(vectors) {
		return fmt.Errorf("names and vectors length mismatch: %d vs %d", len(names), len(vectors))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM index_vectors`); err != nil {
		return fmt.Errorf("failed to clear index vectors: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM index_meta`); err != nil {
		return fmt.Errorf("failed to clear index meta: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO index_meta (id, catalog_hash, created_at) VALUES (1, ?, ?)`,
		catalogHash, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write index meta: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO index_vectors (position, tool_name, vector) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare vector insert: %w", err)
	}
	defer stmt.Close()

	for i, name := range names {
		if _, err := stmt.Exec(i, name, encodeVector(vectors[i])); err != nil {
			return fmt.Errorf("failed to write vector for %s: %w", name, err)
		}
	}
	return tx.Commit()
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}
