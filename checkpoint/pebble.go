package checkpoint

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

// Key layout:
//
//	/ckpt/{jobID}/{16-digit-zero-padded-hex-id} -> envelope
//
// Zero padding makes byte order equal numeric order, so the newest checkpoint
// of a job is the last key under its prefix.
const prefixCheckpoint = "/ckpt/"

// Pebble configuration constants
const (
	memTableSize             = 16 << 20 // 16MB
	l0CompactionThreshold    = 2
	l0StopWritesThreshold    = 12
	maxConcurrentCompactions = 2
)

// PebbleStore keeps checkpoints in a local Pebble database.
type PebbleStore struct {
	db       *pebble.DB
	path     string
	compress bool

	// Serializes Put/Delete so the ID check and the write are one step
	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewPebbleStore opens (or creates) a Pebble checkpoint store at path.
func NewPebbleStore(path string, compress bool) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:             memTableSize,
		L0CompactionThreshold:    l0CompactionThreshold,
		L0StopWritesThreshold:    l0StopWritesThreshold,
		MaxConcurrentCompactions: func() int { return maxConcurrentCompactions },
		DisableWAL:               false,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store at %s: %w", path, err)
	}

	log.Info().Str("path", path).Bool("compress", compress).Msg("Opened pebble checkpoint store")
	return &PebbleStore{db: db, path: path, compress: compress}, nil
}

// Put writes cp and drops every older checkpoint of the job in one batch.
func (s *PebbleStore) Put(ctx context.Context, cp *Checkpoint) error {
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	latest, ok, err := s.latestID(cp.JobID)
	if err != nil {
		return err
	}
	if ok && cp.ID <= latest {
		return fmt.Errorf("%w: job %s has %d, got %d", ErrStaleCheckpoint, cp.JobID, latest, cp.ID)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	key := checkpointKey(cp.JobID, cp.ID)
	if err := batch.Set(key, data, nil); err != nil {
		return fmt.Errorf("failed to stage checkpoint %d: %w", cp.ID, err)
	}
	// Superseded checkpoints: everything under the job prefix before key
	if err := batch.DeleteRange(jobPrefix(cp.JobID), key, nil); err != nil {
		return fmt.Errorf("failed to stage checkpoint gc: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
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
func (s *PebbleStore) LatestComplete(ctx context.Context, jobID string) (*Checkpoint, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := jobPrefix(jobID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	id, err := parseCheckpointID(iter.Key(), prefix)
	if err != nil {
		return nil, corrupt(jobID, 0, err)
	}
	val, err := iter.ValueAndErr()
	if err != nil {
		return nil, err
	}

	cp, err := Decode(val)
	if err != nil {
		return nil, corrupt(jobID, id, err)
	}
	if cp.JobID != jobID || cp.ID != id {
		return nil, corrupt(jobID, id, fmt.Errorf("record belongs to %s/%d", cp.JobID, cp.ID))
	}
	return cp, nil
}

// Delete removes every checkpoint of jobID.
func (s *PebbleStore) Delete(ctx context.Context, jobID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prefix := jobPrefix(jobID)
	if err := s.db.DeleteRange(prefix, prefixUpperBound(prefix), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete checkpoints of %s: %w", jobID, err)
	}
	log.Info().Str("job", jobID).Msg("Checkpoints deleted")
	return nil
}

// Close closes the Pebble database.
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrStoreClosed
	}
	return s.db.Close()
}

func (s *PebbleStore) latestID(jobID string) (uint64, bool, error) {
	prefix := jobPrefix(jobID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, false, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, false, iter.Error()
	}
	id, err := parseCheckpointID(iter.Key(), prefix)
	if err != nil {
		return 0, false, corrupt(jobID, 0, err)
	}
	return id, true, nil
}

// jobPrefix hex-encodes the job ID so IDs containing '/' cannot overlap
// another job's range.
func jobPrefix(jobID string) []byte {
	return []byte(prefixCheckpoint + hex.EncodeToString([]byte(jobID)) + "/")
}

func checkpointKey(jobID string, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", jobPrefix(jobID), id))
}

func parseCheckpointID(key, prefix []byte) (uint64, error) {
	suffix := strings.TrimPrefix(string(key), string(prefix))
	if len(suffix) != 16 {
		return 0, fmt.Errorf("malformed checkpoint key %q", key)
	}
	raw, err := hex.DecodeString(suffix)
	if err != nil {
		return 0, fmt.Errorf("malformed checkpoint key %q: %w", key, err)
	}
	return binary.BigEndian.Uint64(raw), nil
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
