package cdc

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RecordPart is one structured part of a change record: the key columns,
// or the before/after image of the row. A nil RecordPart means the part is
// absent (e.g. the after image of a DELETE).
type RecordPart map[string]any

// IsEmpty reports whether the part is absent or has no columns.
func (r RecordPart) IsEmpty() bool {
	return len(r) == 0
}

// Get returns the value of a column.
func (r RecordPart) Get(column string) (any, bool) {
	v, ok := r[column]
	return v, ok
}

// ToMap returns a copy of the column values.
func (r RecordPart) ToMap() map[string]any {
	if r == nil {
		return nil
	}
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String renders the part with columns in sorted order, e.g. "id=1001".
// The rendering is stable and serves as the default partition key.
func (r RecordPart) String() string {
	if len(r) == 0 {
		return ""
	}
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	var sb strings.Builder
	for i, col := range cols {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(col)
		sb.WriteByte('=')
		fmt.Fprint(&sb, renderValue(r[col]))
	}
	return sb.String()
}

func renderValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// ChangeEvent is one row mutation observed in the source.
type ChangeEvent struct {
	Database        string
	Table           string
	Operation       Operation
	Key             RecordPart
	Before          RecordPart
	Value           RecordPart
	SourceTimestamp time.Time
	Position        Position
}

// Row returns the most recent image of the row: the after image, or the
// before image for deletes.
func (e ChangeEvent) Row() RecordPart {
	if !e.Value.IsEmpty() {
		return e.Value
	}
	return e.Before
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s %s.%s [%s] @%s", e.Operation, e.Database, e.Table, e.Key, e.Position)
}

// ReaderPhase is the phase of a log reader.
type ReaderPhase uint8

const (
	Snapshotting ReaderPhase = iota
	Streaming
)

func (p ReaderPhase) String() string {
	switch p {
	case Snapshotting:
		return "SNAPSHOTTING"
	case Streaming:
		return "STREAMING"
	default:
		return fmt.Sprintf("ReaderPhase(%d)", uint8(p))
	}
}

// ReaderState is the resumable progress of a log reader. It is captured at
// event boundaries and persisted inside checkpoints.
type ReaderState struct {
	Phase ReaderPhase `msgpack:"phase"`
	// LastCommittedPosition is the position of the last event handed
	// downstream. Once the state is part of a durable checkpoint, every event
	// up to and including it is committed.
	LastCommittedPosition Position `msgpack:"pos"`
	// ScanCursor counts rows emitted by the snapshot scan.
	ScanCursor uint64 `msgpack:"cursor"`
	// CutOver is where streaming starts once the snapshot scan completes.
	CutOver Position `msgpack:"cutover"`
}
