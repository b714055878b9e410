package pipeline

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/maxpert/sluice/cdc"
	"github.com/maxpert/sluice/checkpoint"
	"github.com/maxpert/sluice/telemetry"
)

const (
	// capacity = bucketSize × numBuckets = 4 × 65536 = 256K keys per partition
	dedupBucketSize      = 4
	dedupFingerprintBits = 16
	dedupNumBuckets      = 65536
)

// Verdict is the outcome of Dedup.Process.
type Verdict uint8

const (
	Emit Verdict = iota
	Drop
)

func (v Verdict) String() string {
	if v == Drop {
		return "DROP"
	}
	return "EMIT"
}

// Dedup drops events a partition has already processed.
//
// An event is dropped when its position is not past the last position seen
// for its key, or when it is a SYNC for a key that already saw a streamed
// change. The decision depends only on the events previously processed,
// never on time.
//
// A cuckoo filter answers "key never seen" without touching the map; the
// map is authoritative. Not safe for concurrent use; each partition owns
// one.
type Dedup struct {
	entries map[string]checkpoint.DedupEntry
	filter  *cuckoo.Filter
	full    bool // filter rejected a key; every lookup goes to the map
	buf     [8]byte
}

// NewDedup creates an empty filter.
func NewDedup() *Dedup {
	return RestoreDedup(nil)
}

// RestoreDedup rebuilds a filter from checkpointed history.
func RestoreDedup(entries map[string]checkpoint.DedupEntry) *Dedup {
	d := &Dedup{
		entries: make(map[string]checkpoint.DedupEntry, len(entries)),
		filter:  cuckoo.NewFilter(dedupBucketSize, dedupFingerprintBits, dedupNumBuckets, cuckoo.TableTypePacked),
	}
	for k, e := range entries {
		d.entries[k] = e
		d.addFingerprint(k)
	}
	return d
}

// Process records ev under key and returns whether it should be folded.
func (d *Dedup) Process(key string, ev cdc.ChangeEvent) Verdict {
	entry, seen := d.lookup(key)
	if seen {
		if !entry.Last.Less(ev.Position) {
			telemetry.EventsDroppedTotal.With("replayed").Inc()
			return Drop
		}
		if ev.Operation == cdc.OpSync && entry.Streamed {
			telemetry.EventsDroppedTotal.With("stale_sync").Inc()
			return Drop
		}
	} else {
		d.addFingerprint(key)
	}

	entry.Last = ev.Position
	entry.Streamed = entry.Streamed || ev.Operation != cdc.OpSync
	d.entries[key] = entry
	return Emit
}

// State returns a copy of the per-key history for a checkpoint.
func (d *Dedup) State() map[string]checkpoint.DedupEntry {
	out := make(map[string]checkpoint.DedupEntry, len(d.entries))
	for k, e := range d.entries {
		out[k] = e
	}
	return out
}

// Len returns the number of keys with history.
func (d *Dedup) Len() int {
	return len(d.entries)
}

func (d *Dedup) lookup(key string) (checkpoint.DedupEntry, bool) {
	binary.LittleEndian.PutUint64(d.buf[:], xxhash.Sum64String(key))
	if !d.full && !d.filter.Contain(d.buf[:]) {
		telemetry.DedupFilterChecks.With("miss").Inc()
		return checkpoint.DedupEntry{}, false
	}
	telemetry.DedupFilterChecks.With("hit").Inc()
	entry, ok := d.entries[key]
	return entry, ok
}

func (d *Dedup) addFingerprint(key string) {
	binary.LittleEndian.PutUint64(d.buf[:], xxhash.Sum64String(key))
	if !d.full && !d.filter.Add(d.buf[:]) {
		d.full = true
	}
}
