package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/maxpert/sluice/cdc"
	"github.com/maxpert/sluice/telemetry"
	"github.com/rs/zerolog/log"
)

// Options configures a Reader.
type Options struct {
	// JobID labels logs and metrics.
	JobID   string
	Backoff Backoff
}

// errPhaseChanged tells Next to dispatch again after a phase transition.
var errPhaseChanged = errors.New("reader phase changed")

// Reader is the two-phase change log reader. It is driven by one goroutine;
// State may be called between calls to Next.
type Reader struct {
	conn Connector
	opts Options

	state cdc.ReaderState

	// Exactly one of these is open at a time, matching state.Phase
	scan   SnapshotScan
	stream ChangeStream

	closed bool
}

// Open creates a reader. A nil resume starts a fresh snapshot; otherwise the
// reader continues from the given state.
func Open(ctx context.Context, conn Connector, opts Options, resume *cdc.ReaderState) (*Reader, error) {
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultBackoff
	}

	r := &Reader{conn: conn, opts: opts}
	if resume != nil {
		r.state = *resume
	} else {
		r.state = cdc.ReaderState{Phase: cdc.Snapshotting}
	}

	// Open the first scan or stream eagerly so auth and reachability
	// problems surface from Open rather than the first Next
	if err := r.withRetry(ctx, r.openCurrent); err != nil {
		return nil, err
	}

	log.Info().
		Str("job", opts.JobID).
		Str("source", conn.Name()).
		Stringer("phase", r.state.Phase).
		Stringer("position", r.state.LastCommittedPosition).
		Uint64("scan_cursor", r.state.ScanCursor).
		Msg("Reader opened")
	return r, nil
}

// State returns the reader's resumable progress. Every event returned by
// Next before the call is covered by it.
func (r *Reader) State() cdc.ReaderState {
	return r.state
}

// Next returns the next change event. It retries connection errors with
// backoff, returns io.EOF when a bounded source is exhausted, and returns
// fatal errors unchanged.
func (r *Reader) Next(ctx context.Context) (cdc.ChangeEvent, error) {
	if r.closed {
		return cdc.ChangeEvent{}, fmt.Errorf("reader closed")
	}

	var ev cdc.ChangeEvent
	err := r.withRetry(ctx, func(ctx context.Context) error {
		for {
			var err error
			switch r.state.Phase {
			case cdc.Snapshotting:
				ev, err = r.nextSnapshot(ctx)
			case cdc.Streaming:
				ev, err = r.nextStream(ctx)
			default:
				return fmt.Errorf("reader in unknown phase %v", r.state.Phase)
			}
			if errors.Is(err, errPhaseChanged) {
				continue
			}
			return err
		}
	})
	if err != nil {
		return cdc.ChangeEvent{}, err
	}

	telemetry.EventsReadTotal.With(r.conn.Name(), ev.Operation.String()).Inc()
	return ev, nil
}

// Close releases the open scan or stream. The connector is owned by the
// caller.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.closeCurrent()
}

func (r *Reader) nextSnapshot(ctx context.Context) (cdc.ChangeEvent, error) {
	if r.scan == nil {
		if err := r.openSnapshot(ctx); err != nil {
			return cdc.ChangeEvent{}, err
		}
	}

	ev, err := r.scan.Next(ctx)
	if errors.Is(err, io.EOF) {
		r.closeCurrent()
		r.state.Phase = cdc.Streaming
		telemetry.ReaderPhase.With(r.opts.JobID).Set(float64(cdc.Streaming))
		log.Info().
			Str("job", r.opts.JobID).
			Uint64("rows", r.state.ScanCursor).
			Stringer("cut_over", r.state.CutOver).
			Msg("Snapshot scan complete, switching to streaming")
		return cdc.ChangeEvent{}, errPhaseChanged
	}
	if err != nil {
		r.closeCurrent()
		return cdc.ChangeEvent{}, err
	}

	r.state.ScanCursor++
	ev.Operation = cdc.OpSync
	ev.Position = cdc.Position{
		File:     r.state.CutOver.File,
		Offset:   r.state.CutOver.Offset,
		Snapshot: true,
		Row:      r.state.ScanCursor,
	}
	r.state.LastCommittedPosition = ev.Position
	telemetry.ReaderSnapshotRowsTotal.Inc()
	return ev, nil
}

func (r *Reader) nextStream(ctx context.Context) (cdc.ChangeEvent, error) {
	if r.stream == nil {
		err := r.openStream(ctx)
		if errors.Is(err, cdc.ErrPositionExpired) {
			log.Warn().
				Str("job", r.opts.JobID).
				Stringer("position", r.streamStart()).
				Msg("Resume position no longer retained by source, starting a new snapshot")
			r.state = cdc.ReaderState{Phase: cdc.Snapshotting}
			telemetry.ReaderPhase.With(r.opts.JobID).Set(float64(cdc.Snapshotting))
			return cdc.ChangeEvent{}, errPhaseChanged
		}
		if err != nil {
			return cdc.ChangeEvent{}, err
		}
	}

	ev, err := r.stream.Next(ctx)
	if err != nil {
		// A broken stream reopens from the owned position on retry
		if !errors.Is(err, io.EOF) {
			r.closeCurrent()
		}
		return cdc.ChangeEvent{}, err
	}
	if ev.Operation == cdc.OpSync {
		return cdc.ChangeEvent{}, fmt.Errorf("change stream produced a SYNC event at %s", ev.Position)
	}
	// Replays of the committed prefix pass through for the dedup filter but
	// never move the cursor back
	if r.state.LastCommittedPosition.Less(ev.Position) {
		r.state.LastCommittedPosition = ev.Position
	}
	return ev, nil
}

func (r *Reader) openCurrent(ctx context.Context) error {
	switch r.state.Phase {
	case cdc.Snapshotting:
		return r.openSnapshot(ctx)
	case cdc.Streaming:
		err := r.openStream(ctx)
		if errors.Is(err, cdc.ErrPositionExpired) {
			// Next handles the fallback to a fresh snapshot
			return nil
		}
		return err
	}
	return fmt.Errorf("reader in unknown phase %v", r.state.Phase)
}

func (r *Reader) openSnapshot(ctx context.Context) error {
	scan, cutOver, err := r.conn.Snapshot(ctx, r.state.CutOver, r.state.ScanCursor)
	if err != nil {
		return err
	}

	if r.state.CutOver.IsZero() {
		r.state.CutOver = cutOver
	} else if cutOver.Compare(r.state.CutOver) != 0 {
		// Rows changed between the two cut-overs are replayed by the stream,
		// which starts from the recorded one
		log.Warn().
			Str("job", r.opts.JobID).
			Stringer("recorded", r.state.CutOver).
			Stringer("actual", cutOver).
			Uint64("skip", r.state.ScanCursor).
			Msg("Resumed snapshot scan reflects a later cut-over")
	}

	r.scan = scan
	telemetry.ReaderPhase.With(r.opts.JobID).Set(float64(cdc.Snapshotting))
	return nil
}

func (r *Reader) openStream(ctx context.Context) error {
	stream, err := r.conn.Stream(ctx, r.streamStart())
	if err != nil {
		return err
	}
	r.stream = stream
	telemetry.ReaderPhase.With(r.opts.JobID).Set(float64(cdc.Streaming))
	return nil
}

// streamStart is where tailing resumes: the last handed-out change position
// (re-delivered, the dedup filter drops it), or the cut-over while no change
// has been read yet.
func (r *Reader) streamStart() cdc.Position {
	last := r.state.LastCommittedPosition
	if last.Snapshot || last.Less(r.state.CutOver) {
		return r.state.CutOver
	}
	return last
}

func (r *Reader) closeCurrent() error {
	var err error
	if r.scan != nil {
		err = r.scan.Close()
		r.scan = nil
	}
	if r.stream != nil {
		err = errors.Join(err, r.stream.Close())
		r.stream = nil
	}
	return err
}

// withRetry runs fn, retrying connection errors with exponential backoff
func (r *Reader) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := 0
	for {
		err := fn(ctx)
		if err == nil || errors.Is(err, io.EOF) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		var connErr *cdc.ConnectionError
		if !errors.As(err, &connErr) {
			return err
		}

		attempts++
		if r.opts.Backoff.Exhausted(attempts) {
			return fmt.Errorf("exhausted max retries (%d) reading %s: %w", r.opts.Backoff.MaxRetries, r.conn.Name(), err)
		}

		delay := r.opts.Backoff.Delay(attempts)
		telemetry.ReaderRetriesTotal.With(cdc.Kind(err)).Inc()
		log.Warn().
			Err(err).
			Str("job", r.opts.JobID).
			Str("source", r.conn.Name()).
			Stringer("phase", r.state.Phase).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Source connection failed, retrying")

		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}
}
