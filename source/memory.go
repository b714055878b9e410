package source

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/sluice/cdc"
)

const (
	memoryLogPrefix  = "mysql-bin"
	memoryFirstEvent = 4 // Binlog files start after the 4-byte magic
	memoryEventSize  = 128
)

// MemoryOption configures a MemoryConnector.
type MemoryOption func(*MemoryConnector)

// WithBoundedStream makes streams return io.EOF at the end of the log
// instead of waiting for new changes.
func WithBoundedStream() MemoryOption {
	return func(m *MemoryConnector) { m.bounded = true }
}

// WithClock sets the clock used for source timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryConnector) { m.now = now }
}

type memoryTable struct {
	keyColumns []string
	rows       map[string]cdc.RecordPart
}

type memoryEntry struct {
	seq uint64
	ev  cdc.ChangeEvent
}

// MemoryConnector is an in-process database with a binlog-style change log.
// It supports retention truncation, log rotation and injected failures, and
// reproduces table contents at any retained cut-over.
type MemoryConnector struct {
	name    string
	bounded bool
	now     func() time.Time

	mu      sync.Mutex
	changed chan struct{}
	closed  bool

	tables map[string]*memoryTable // "db.table" -> current contents
	base   map[string]map[string]cdc.RecordPart

	log     []memoryEntry
	nextSeq uint64
	file    string
	fileSeq int
	offset  uint64

	// Entries before retainedFrom were truncated into base
	retainedFrom cdc.Position

	failures int
	authErr  error
}

// NewMemoryConnector creates an empty in-memory source named name.
func NewMemoryConnector(name string, opts ...MemoryOption) *MemoryConnector {
	m := &MemoryConnector{
		name:    name,
		now:     func() time.Time { return time.Now().UTC() },
		changed: make(chan struct{}),
		tables:  make(map[string]*memoryTable),
		base:    make(map[string]map[string]cdc.RecordPart),
		fileSeq: 1,
		offset:  memoryFirstEvent,
	}
	m.file = logFileName(m.fileSeq)
	m.retainedFrom = cdc.Position{File: m.file, Offset: m.offset}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryConnector) Name() string { return m.name }

// CreateTable declares a table and its primary key columns.
func (m *MemoryConnector) CreateTable(database, table string, keyColumns ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := database + "." + table
	if _, ok := m.tables[name]; ok {
		return
	}
	m.tables[name] = &memoryTable{keyColumns: keyColumns, rows: make(map[string]cdc.RecordPart)}
	m.base[name] = make(map[string]cdc.RecordPart)
}

// Insert adds a row and logs an INSERT.
func (m *MemoryConnector) Insert(database, table string, row cdc.RecordPart) (cdc.Position, error) {
	return m.mutate(database, table, cdc.OpInsert, row)
}

// Update replaces a row and logs an UPDATE carrying the before image.
func (m *MemoryConnector) Update(database, table string, row cdc.RecordPart) (cdc.Position, error) {
	return m.mutate(database, table, cdc.OpUpdate, row)
}

// Delete removes the row identified by the key columns in key and logs a
// DELETE carrying the before image.
func (m *MemoryConnector) Delete(database, table string, key cdc.RecordPart) (cdc.Position, error) {
	return m.mutate(database, table, cdc.OpDelete, key)
}

func (m *MemoryConnector) mutate(database, table string, op cdc.Operation, row cdc.RecordPart) (cdc.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := database + "." + table
	t, ok := m.tables[name]
	if !ok {
		return cdc.Position{}, fmt.Errorf("unknown table %s", name)
	}
	key, err := t.key(row)
	if err != nil {
		return cdc.Position{}, fmt.Errorf("%s: %w", name, err)
	}
	ks := key.String()
	before, exists := t.rows[ks]

	ev := cdc.ChangeEvent{
		Database:        database,
		Table:           table,
		Operation:       op,
		Key:             key,
		SourceTimestamp: m.now(),
	}
	switch op {
	case cdc.OpInsert:
		if exists {
			return cdc.Position{}, fmt.Errorf("%s: duplicate key %s", name, ks)
		}
		ev.Value = row.ToMap()
		t.rows[ks] = row.ToMap()
	case cdc.OpUpdate:
		if !exists {
			return cdc.Position{}, fmt.Errorf("%s: no row with key %s", name, ks)
		}
		ev.Before = before.ToMap()
		ev.Value = row.ToMap()
		t.rows[ks] = row.ToMap()
	case cdc.OpDelete:
		if !exists {
			return cdc.Position{}, fmt.Errorf("%s: no row with key %s", name, ks)
		}
		ev.Before = before.ToMap()
		delete(t.rows, ks)
	}

	ev.Position = cdc.Position{File: m.file, Offset: m.offset}
	m.offset += memoryEventSize
	m.appendLocked(ev)
	return ev.Position, nil
}

// AppendRaw logs ev verbatim without touching table contents. A zero
// position is replaced by the next log position. It models sources that
// re-emit events or report coarse positions.
func (m *MemoryConnector) AppendRaw(ev cdc.ChangeEvent) cdc.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Position.IsZero() {
		ev.Position = cdc.Position{File: m.file, Offset: m.offset}
		m.offset += memoryEventSize
	}
	if ev.SourceTimestamp.IsZero() {
		ev.SourceTimestamp = m.now()
	}
	m.appendLocked(ev)
	return ev.Position
}

func (m *MemoryConnector) appendLocked(ev cdc.ChangeEvent) {
	m.nextSeq++
	m.log = append(m.log, memoryEntry{seq: m.nextSeq, ev: ev})
	close(m.changed)
	m.changed = make(chan struct{})
}

// Rotate starts a new log file, like FLUSH BINARY LOGS.
func (m *MemoryConnector) Rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fileSeq++
	m.file = logFileName(m.fileSeq)
	m.offset = memoryFirstEvent
}

// Head returns the position the next change will be logged at.
func (m *MemoryConnector) Head() cdc.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cdc.Position{File: m.file, Offset: m.offset}
}

// Truncate drops log entries before pos, like PURGE BINARY LOGS. Streams
// asked to start before the retained history fail with
// cdc.ErrPositionExpired.
func (m *MemoryConnector) Truncate(pos cdc.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := 0
	for ; i < len(m.log) && m.log[i].ev.Position.Less(pos); i++ {
		applyToImage(m.base, m.tables, m.log[i].ev)
	}
	m.log = append([]memoryEntry(nil), m.log[i:]...)
	if m.retainedFrom.Less(pos) {
		m.retainedFrom = pos
	}
}

// FailNext makes the next n connector operations fail with a
// *cdc.ConnectionError.
func (m *MemoryConnector) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

// RejectCredentials makes Snapshot and Stream fail with a *cdc.AuthError
// until called with false.
func (m *MemoryConnector) RejectCredentials(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reject {
		m.authErr = &cdc.AuthError{Source: m.name, User: "sluice", Err: fmt.Errorf("access denied")}
	} else {
		m.authErr = nil
	}
}

// Snapshot scans the whitelisted tables. With asOf inside the retained
// history the scan reproduces the contents at asOf exactly.
func (m *MemoryConnector) Snapshot(ctx context.Context, asOf cdc.Position, skip uint64) (SnapshotScan, cdc.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("snapshot"); err != nil {
		return nil, cdc.Position{}, err
	}

	head := cdc.Position{File: m.file, Offset: m.offset}
	cutOver := head
	image := m.tables
	if !asOf.IsZero() && !asOf.Less(m.retainedFrom) && !head.Less(asOf) {
		cutOver = asOf
		image = m.imageAtLocked(asOf)
	}

	var rows []cdc.ChangeEvent
	names := make([]string, 0, len(image))
	for name := range image {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := image[name]
		keys := make([]string, 0, len(t.rows))
		for k := range t.rows {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		database, table := splitTableName(name)
		for _, k := range keys {
			row := t.rows[k]
			key, _ := t.key(row)
			rows = append(rows, cdc.ChangeEvent{
				Database:        database,
				Table:           table,
				Key:             key,
				Value:           row.ToMap(),
				SourceTimestamp: m.now(),
			})
		}
	}

	if skip > uint64(len(rows)) {
		skip = uint64(len(rows))
	}
	return &memoryScan{conn: m, rows: rows[skip:]}, cutOver, nil
}

// imageAtLocked rebuilds table contents as of pos from base plus the
// retained log
func (m *MemoryConnector) imageAtLocked(pos cdc.Position) map[string]*memoryTable {
	image := make(map[string]*memoryTable, len(m.tables))
	for name, t := range m.tables {
		rows := make(map[string]cdc.RecordPart, len(m.base[name]))
		for k, v := range m.base[name] {
			rows[k] = v
		}
		image[name] = &memoryTable{keyColumns: t.keyColumns, rows: rows}
	}
	for _, e := range m.log {
		if !e.ev.Position.Less(pos) {
			break
		}
		t, ok := image[e.ev.Database+"."+e.ev.Table]
		if !ok {
			continue
		}
		t.apply(e.ev)
	}
	return image
}

// Stream tails the log from the first entry at or after from.
func (m *MemoryConnector) Stream(ctx context.Context, from cdc.Position) (ChangeStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("stream"); err != nil {
		return nil, err
	}
	if from.Less(m.retainedFrom) {
		return nil, fmt.Errorf("stream from %s, oldest retained %s: %w", from, m.retainedFrom, cdc.ErrPositionExpired)
	}

	next := m.nextSeq + 1
	for _, e := range m.log {
		if !e.ev.Position.Less(from) {
			next = e.seq
			break
		}
	}
	return &memoryStream{conn: m, next: next}, nil
}

// Close closes the connector. Open scans and streams fail afterwards.
func (m *MemoryConnector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.changed)
		m.changed = make(chan struct{})
	}
	return nil
}

func (m *MemoryConnector) checkLocked(op string) error {
	if m.closed {
		return fmt.Errorf("memory connector %s closed", m.name)
	}
	if m.authErr != nil {
		return m.authErr
	}
	if m.failures > 0 {
		m.failures--
		return &cdc.ConnectionError{Source: m.name, Op: op, Err: io.ErrUnexpectedEOF}
	}
	return nil
}

type memoryScan struct {
	conn *MemoryConnector
	rows []cdc.ChangeEvent
}

func (s *memoryScan) Next(ctx context.Context) (cdc.ChangeEvent, error) {
	if err := ctx.Err(); err != nil {
		return cdc.ChangeEvent{}, err
	}

	s.conn.mu.Lock()
	err := s.conn.checkLocked("snapshot scan")
	s.conn.mu.Unlock()
	if err != nil {
		return cdc.ChangeEvent{}, err
	}

	if len(s.rows) == 0 {
		return cdc.ChangeEvent{}, io.EOF
	}
	ev := s.rows[0]
	s.rows = s.rows[1:]
	return ev, nil
}

func (s *memoryScan) Close() error { return nil }

type memoryStream struct {
	conn *MemoryConnector
	next uint64
}

func (s *memoryStream) Next(ctx context.Context) (cdc.ChangeEvent, error) {
	for {
		s.conn.mu.Lock()
		if err := s.conn.checkLocked("stream read"); err != nil {
			s.conn.mu.Unlock()
			return cdc.ChangeEvent{}, err
		}

		entries := s.conn.log
		i := sort.Search(len(entries), func(i int) bool { return entries[i].seq >= s.next })
		if i < len(entries) {
			e := entries[i]
			s.next = e.seq + 1
			s.conn.mu.Unlock()
			return e.ev, nil
		}
		if s.conn.bounded {
			s.conn.mu.Unlock()
			return cdc.ChangeEvent{}, io.EOF
		}
		changed := s.conn.changed
		s.conn.mu.Unlock()

		select {
		case <-ctx.Done():
			return cdc.ChangeEvent{}, ctx.Err()
		case <-changed:
		}
	}
}

func (s *memoryStream) Close() error { return nil }

func (t *memoryTable) key(row cdc.RecordPart) (cdc.RecordPart, error) {
	key := make(cdc.RecordPart, len(t.keyColumns))
	for _, col := range t.keyColumns {
		v, ok := row[col]
		if !ok {
			return nil, fmt.Errorf("row is missing key column %s", col)
		}
		key[col] = v
	}
	return key, nil
}

func (t *memoryTable) apply(ev cdc.ChangeEvent) {
	ks := ev.Key.String()
	switch ev.Operation {
	case cdc.OpInsert, cdc.OpUpdate, cdc.OpSync:
		t.rows[ks] = ev.Value.ToMap()
	case cdc.OpDelete:
		delete(t.rows, ks)
	}
}

func applyToImage(base map[string]map[string]cdc.RecordPart, tables map[string]*memoryTable, ev cdc.ChangeEvent) {
	name := ev.Database + "." + ev.Table
	t, ok := tables[name]
	if !ok {
		return
	}
	img := &memoryTable{keyColumns: t.keyColumns, rows: base[name]}
	img.apply(ev)
}

func splitTableName(name string) (string, string) {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return "", name
}

func logFileName(seq int) string {
	return fmt.Sprintf("%s.%06d", memoryLogPrefix, seq)
}
