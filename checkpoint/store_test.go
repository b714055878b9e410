package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/sluice/cdc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"pebble": func(t *testing.T) Store {
			s, err := NewPebbleStore(filepath.Join(t.TempDir(), "ckpt"), true)
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ckpt.db"), false)
			require.NoError(t, err)
			return s
		},
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
	}
}

func sampleCheckpoint(jobID string, id uint64) *Checkpoint {
	return &Checkpoint{
		JobID:     jobID,
		ID:        id,
		Epoch:     id + 10,
		CreatedAt: time.UnixMilli(1700000000000 + int64(id)).UTC(),
		Reader: cdc.ReaderState{
			Phase:                 cdc.Streaming,
			LastCommittedPosition: cdc.Position{File: "mysql-bin.000003", Offset: 1000 + id},
			ScanCursor:            4,
			CutOver:               cdc.Position{File: "mysql-bin.000003", Offset: 154},
		},
		Partitions: []PartitionState{
			{
				Index:        0,
				Accumulators: map[string][]byte{"1001": {0x01}, "1003": {0x02}},
				Dedup: map[string]DedupEntry{
					"1001": {Last: cdc.Position{File: "mysql-bin.000003", Offset: 154, Snapshot: true, Row: 1}},
					"1003": {Last: cdc.Position{File: "mysql-bin.000003", Offset: 900}, Streamed: true},
				},
			},
			{
				Index:        1,
				Accumulators: map[string][]byte{"1004": {0x03}},
				Dedup: map[string]DedupEntry{
					"1004": {Last: cdc.Position{File: "mysql-bin.000003", Offset: 950}, Streamed: true},
				},
			},
		},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			_, err := s.LatestComplete(ctx, "job-a")
			require.ErrorIs(t, err, ErrNotFound)

			want := sampleCheckpoint("job-a", 1)
			require.NoError(t, s.Put(ctx, want))

			got, err := s.LatestComplete(ctx, "job-a")
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.Equal(t, 3, got.KeyCount())
		})
	}
}

func TestStore_LatestWinsAndSupersedes(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			for id := uint64(1); id <= 5; id++ {
				require.NoError(t, s.Put(ctx, sampleCheckpoint("job-a", id)))
			}
			require.NoError(t, s.Put(ctx, sampleCheckpoint("job-b", 2)))

			got, err := s.LatestComplete(ctx, "job-a")
			require.NoError(t, err)
			assert.Equal(t, uint64(5), got.ID)

			got, err = s.LatestComplete(ctx, "job-b")
			require.NoError(t, err)
			assert.Equal(t, uint64(2), got.ID)

			assert.Equal(t, 1, storedCount(t, s, "job-a"))
		})
	}
}

func TestStore_RejectsStaleID(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			require.NoError(t, s.Put(ctx, sampleCheckpoint("job-a", 3)))
			require.ErrorIs(t, s.Put(ctx, sampleCheckpoint("job-a", 3)), ErrStaleCheckpoint)
			require.ErrorIs(t, s.Put(ctx, sampleCheckpoint("job-a", 2)), ErrStaleCheckpoint)

			got, err := s.LatestComplete(ctx, "job-a")
			require.NoError(t, err)
			assert.Equal(t, uint64(3), got.ID)
		})
	}
}

func TestStore_RejectsInvalidCheckpoint(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			cp := sampleCheckpoint("job-a", 1)
			cp.Partitions[1].Index = 0
			require.Error(t, s.Put(ctx, cp))

			_, err := s.LatestComplete(ctx, "job-a")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_FailedPutKeepsPrevious(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			require.NoError(t, s.Put(context.Background(), sampleCheckpoint("job-a", 1)))

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			require.Error(t, s.Put(ctx, sampleCheckpoint("job-a", 2)))

			got, err := s.LatestComplete(context.Background(), "job-a")
			require.NoError(t, err)
			assert.Equal(t, uint64(1), got.ID)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			require.NoError(t, s.Put(ctx, sampleCheckpoint("job-a", 1)))
			require.NoError(t, s.Put(ctx, sampleCheckpoint("job-b", 1)))
			require.NoError(t, s.Delete(ctx, "job-a"))

			_, err := s.LatestComplete(ctx, "job-a")
			require.ErrorIs(t, err, ErrNotFound)
			_, err = s.LatestComplete(ctx, "job-b")
			require.NoError(t, err)

			// IDs restart after an explicit discard
			require.NoError(t, s.Put(ctx, sampleCheckpoint("job-a", 1)))
		})
	}
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			require.NoError(t, s.Close())

			require.ErrorIs(t, s.Put(ctx, sampleCheckpoint("job-a", 1)), ErrStoreClosed)
			_, err := s.LatestComplete(ctx, "job-a")
			require.ErrorIs(t, err, ErrStoreClosed)
			require.ErrorIs(t, s.Delete(ctx, "job-a"), ErrStoreClosed)
			require.ErrorIs(t, s.Close(), ErrStoreClosed)
		})
	}
}

func TestStore_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			require.NoError(t, s.Put(ctx, sampleCheckpoint("job-a", 4)))
			flipStoredByte(t, s, "job-a", 4)

			_, err := s.LatestComplete(ctx, "job-a")
			require.Error(t, err)

			var corruptErr *cdc.CheckpointCorruptError
			require.True(t, errors.As(err, &corruptErr), "got %v", err)
			assert.Equal(t, "job-a", corruptErr.JobID)
			assert.Equal(t, uint64(4), corruptErr.CheckpointID)
			assert.True(t, cdc.IsFatal(err))
		})
	}
}

func TestPebbleStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ckpt")

	s, err := NewPebbleStore(path, true)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, sampleCheckpoint("job-a", 1)))
	require.NoError(t, s.Put(ctx, sampleCheckpoint("job-a", 2)))
	require.NoError(t, s.Close())

	s, err = NewPebbleStore(path, true)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.LatestComplete(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, sampleCheckpoint("job-a", 2), got)
}

func TestPebbleStore_UncommittedBatchInvisible(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ckpt")

	s, err := NewPebbleStore(path, false)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, sampleCheckpoint("job-a", 1)))

	// A crash mid-write: the batch is staged but never committed
	data, err := Encode(sampleCheckpoint("job-a", 2), false)
	require.NoError(t, err)
	batch := s.db.NewBatch()
	require.NoError(t, batch.Set(checkpointKey("job-a", 2), data, nil))
	require.NoError(t, batch.DeleteRange(jobPrefix("job-a"), checkpointKey("job-a", 2), nil))
	require.NoError(t, batch.Close())
	require.NoError(t, s.Close())

	s, err = NewPebbleStore(path, false)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.LatestComplete(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.ID)
}

func TestPebbleStore_JobPrefixIsolation(t *testing.T) {
	ctx := context.Background()
	s, err := NewPebbleStore(filepath.Join(t.TempDir(), "ckpt"), false)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, sampleCheckpoint("a", 7)))
	require.NoError(t, s.Put(ctx, sampleCheckpoint("a/b", 1)))

	got, err := s.LatestComplete(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.ID)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, typ := range []string{"pebble", "sqlite", "memory"} {
		s, err := Open(typ, filepath.Join(dir, typ), false)
		require.NoError(t, err, typ)
		require.NoError(t, s.Close())
	}
	_, err := Open("s3", dir, false)
	assert.Error(t, err)
}

func storedCount(t *testing.T, s Store, jobID string) int {
	t.Helper()
	switch st := s.(type) {
	case *PebbleStore:
		prefix := jobPrefix(jobID)
		iter, err := st.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
		require.NoError(t, err)
		defer iter.Close()
		n := 0
		for iter.First(); iter.Valid(); iter.Next() {
			n++
		}
		return n
	case *SQLiteStore:
		var n int
		require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM checkpoints WHERE job_id = ?`, jobID).Scan(&n))
		return n
	case *MemoryStore:
		st.mu.RLock()
		defer st.mu.RUnlock()
		if _, ok := st.records[jobID]; ok {
			return 1
		}
		return 0
	}
	t.Fatalf("unknown store %T", s)
	return 0
}

func flipStoredByte(t *testing.T, s Store, jobID string, id uint64) {
	t.Helper()
	flip := func(data []byte) []byte {
		out := append([]byte(nil), data...)
		out[len(out)-1] ^= 0xff
		return out
	}
	switch st := s.(type) {
	case *PebbleStore:
		key := checkpointKey(jobID, id)
		val, closer, err := st.db.Get(key)
		require.NoError(t, err)
		corrupted := flip(val)
		require.NoError(t, closer.Close())
		require.NoError(t, st.db.Set(key, corrupted, pebble.Sync))
	case *SQLiteStore:
		var body []byte
		require.NoError(t, st.db.QueryRow(`SELECT body FROM checkpoints WHERE job_id = ? AND id = ?`, jobID, int64(id)).Scan(&body))
		_, err := st.db.Exec(`UPDATE checkpoints SET body = ? WHERE job_id = ? AND id = ?`, flip(body), jobID, int64(id))
		require.NoError(t, err)
	case *MemoryStore:
		st.mu.Lock()
		rec := st.records[jobID]
		rec.data = flip(rec.data)
		st.records[jobID] = rec
		st.mu.Unlock()
	default:
		t.Fatalf("unknown store %T", s)
	}
}
