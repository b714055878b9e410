// Package source reads change events from an upstream database.
//
// A Reader drives a Connector through two phases: a snapshot scan that emits
// one SYNC event per existing row, then a tail of the change log starting at
// the scan's cut-over. The Reader owns its cursor and can report it as a
// cdc.ReaderState between any two events.
package source

import (
	"context"

	"github.com/maxpert/sluice/cdc"
)

// Connector is the narrow interface a database integration implements.
//
// Errors are classified with the cdc taxonomy: *cdc.ConnectionError for
// transient failures, *cdc.AuthError and *cdc.SchemaIncompatibleError for
// fatal ones, and cdc.ErrPositionExpired when Stream is asked for history the
// source no longer retains.
type Connector interface {
	// Name is the logical server name stamped on metrics and logs.
	Name() string

	// Snapshot opens a consistent scan of the whitelisted tables.
	//
	// asOf is the cut-over recorded by an interrupted scan, or the zero
	// position for a fresh one. Connectors that can reproduce the table
	// contents at asOf do so; others scan current contents. skip rows are
	// dropped from the front of the scan. The returned position is the
	// cut-over the scan actually reflects: streaming from it yields exactly
	// the changes the scan does not contain.
	Snapshot(ctx context.Context, asOf cdc.Position, skip uint64) (SnapshotScan, cdc.Position, error)

	// Stream tails the change log from the first event at or after from.
	Stream(ctx context.Context, from cdc.Position) (ChangeStream, error)

	Close() error
}

// SnapshotScan yields the rows of a snapshot in a stable order. Next returns
// io.EOF after the last row. Operation and Position of returned events are
// assigned by the Reader.
type SnapshotScan interface {
	Next(ctx context.Context) (cdc.ChangeEvent, error)
	Close() error
}

// ChangeStream yields change log events in increasing position order. Next
// blocks until an event is available; bounded streams return io.EOF once
// exhausted.
type ChangeStream interface {
	Next(ctx context.Context) (cdc.ChangeEvent, error)
	Close() error
}
