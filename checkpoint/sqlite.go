package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	job_id     TEXT    NOT NULL,
	id         INTEGER NOT NULL,
	epoch      INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	body       BLOB    NOT NULL,
	PRIMARY KEY (job_id, id)
)`

// SQLiteStore keeps checkpoints in a SQLite database file. It suits setups
// where several members share one checkpoint file on a common volume.
type SQLiteStore struct {
	db       *sql.DB
	compress bool
	closed   atomic.Bool
}

// NewSQLiteStore opens (or creates) a SQLite checkpoint store at path.
func NewSQLiteStore(path string, compress bool) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_synchronous=FULL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store at %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoint schema: %w", err)
	}

	log.Info().Str("path", path).Bool("compress", compress).Msg("Opened sqlite checkpoint store")
	return &SQLiteStore{db: db, compress: compress}, nil
}

// Put writes cp and drops every older checkpoint of the job in one
// transaction.
func (s *SQLiteStore) Put(ctx context.Context, cp *Checkpoint) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("refusing invalid checkpoint: %w", err)
	}

	data, err := Encode(cp, s.compress)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(id) FROM checkpoints WHERE job_id = ?`, cp.JobID).Scan(&latest); err != nil {
		return fmt.Errorf("failed to read latest checkpoint id: %w", err)
	}
	if latest.Valid && cp.ID <= uint64(latest.Int64) {
		return fmt.Errorf("%w: job %s has %d, got %d", ErrStaleCheckpoint, cp.JobID, latest.Int64, cp.ID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (job_id, id, epoch, created_at, body) VALUES (?, ?, ?, ?, ?)`,
		cp.JobID, int64(cp.ID), int64(cp.Epoch), cp.CreatedAt.UnixMilli(), data); err != nil {
		return fmt.Errorf("failed to insert checkpoint %d: %w", cp.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE job_id = ? AND id < ?`, cp.JobID, int64(cp.ID)); err != nil {
		return fmt.Errorf("failed to gc checkpoints: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint %d: %w", cp.ID, err)
	}

	log.Debug().
		Str("job", cp.JobID).
		Uint64("checkpoint_id", cp.ID).
		Int("bytes", len(data)).
		Msg("Checkpoint persisted")
	return nil
}

// LatestComplete returns the newest checkpoint of jobID.
func (s *SQLiteStore) LatestComplete(ctx context.Context, jobID string) (*Checkpoint, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	var (
		id   int64
		body []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, body FROM checkpoints WHERE job_id = ? ORDER BY id DESC LIMIT 1`, jobID).Scan(&id, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint of %s: %w", jobID, err)
	}

	cp, err := Decode(body)
	if err != nil {
		return nil, corrupt(jobID, uint64(id), err)
	}
	if cp.JobID != jobID || cp.ID != uint64(id) {
		return nil, corrupt(jobID, uint64(id), fmt.Errorf("record belongs to %s/%d", cp.JobID, cp.ID))
	}
	return cp, nil
}

// Delete removes every checkpoint of jobID.
func (s *SQLiteStore) Delete(ctx context.Context, jobID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete checkpoints of %s: %w", jobID, err)
	}
	log.Info().Str("job", jobID).Msg("Checkpoints deleted")
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrStoreClosed
	}
	return s.db.Close()
}
