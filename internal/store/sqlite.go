// Package store persists run state: one wallet snapshot blob per run,
// overwritten atomically on every state change, plus the run's per-step
// report fragments.
package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"virtual_exchange/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS wallet_snapshots (
	run_id     TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	checksum   BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS run_steps (
	run_id TEXT NOT NULL,
	seq    INTEGER NOT NULL,
	data   TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);`

// SQLiteStore implements core.IStateStore on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at dbPath with
// WAL journaling for crash recovery.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveSnapshot overwrites the run's snapshot blob in one serializable
// transaction. The blob is round-trip validated and checksummed before the
// write so a corrupt marshal never lands on disk.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *core.WalletSnapshot) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	var check core.WalletSnapshot
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("snapshot validation failed: %w", err)
	}

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO wallet_snapshots (run_id, data, checksum, updated_at) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, snap.RunID, string(data), checksum[:], time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return tx.Commit()
}

// LoadSnapshot returns the run's snapshot, or (nil, nil) when none exists.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, runID string) (*core.WalletSnapshot, error) {
	query := `SELECT data, checksum FROM wallet_snapshots WHERE run_id = ?`
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx, query, runID).Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	computed := sha256.Sum256([]byte(data))
	if !bytes.Equal(storedChecksum, computed[:]) {
		return nil, fmt.Errorf("checksum verification failed for run %s: data corruption detected", runID)
	}

	var snap core.WalletSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// AppendStep records one report fragment under (runID, frag.Seq). Re-running
// a step overwrites its fragment.
func (s *SQLiteStore) AppendStep(ctx context.Context, runID string, frag core.StepFragment) error {
	data, err := json.Marshal(frag)
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}
	query := `INSERT OR REPLACE INTO run_steps (run_id, seq, data) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, runID, frag.Seq, string(data)); err != nil {
		return fmt.Errorf("failed to write step: %w", err)
	}
	return nil
}

// LoadSteps returns the run's fragments in sequence order.
func (s *SQLiteStore) LoadSteps(ctx context.Context, runID string) ([]core.StepFragment, error) {
	query := `SELECT data FROM run_steps WHERE run_id = ? ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read steps: %w", err)
	}
	defer rows.Close()

	var out []core.StepFragment
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		var frag core.StepFragment
		if err := json.Unmarshal([]byte(data), &frag); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step: %w", err)
		}
		out = append(out, frag)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
