package mysql

import (
	"context"
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/maxpert/sluice/cdc"
	"github.com/rs/zerolog/log"
)

// eventSource is the part of *replication.BinlogStreamer the stream uses.
type eventSource interface {
	GetEvent(ctx context.Context) (*replication.BinlogEvent, error)
}

// schemaLookup resolves a table layout for a rows event.
type schemaLookup func(ctx context.Context, t tableName) (*tableSchema, error)

// binlogStream turns binlog events into change events.
//
// Binlog offsets only address event boundaries, and a rows event can only
// be decoded after the TABLE_MAP that precedes it in the same transaction.
// Every row change is therefore positioned at the offset of its
// transaction's BEGIN, with Row counting row changes inside the transaction.
// Resuming re-reads the whole transaction and skips rows before from.
type binlogStream struct {
	source     string
	events     eventSource
	closeFn    func()
	schemas    schemaLookup
	allows     func(database, table string) bool
	forget     func(t tableName)
	classifyFn func(op string, err error) error

	from    cdc.Position
	file    string
	txStart uint64
	row     uint64

	pending []cdc.ChangeEvent
}

func (c *Connector) openBinlog(ctx context.Context, from cdc.Position) (*binlogStream, error) {
	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID:        c.cfg.ServerID,
		Flavor:          gomysql.MySQLFlavor,
		Host:            c.cfg.Address,
		Port:            uint16(c.cfg.Port),
		User:            c.cfg.User,
		Password:        c.cfg.Password,
		ParseTime:       true,
		UseDecimal:      false,
		HeartbeatPeriod: 30 * time.Second,
		ReadTimeout:     90 * time.Second,
	})

	streamer, err := syncer.StartSync(gomysql.Position{Name: from.File, Pos: uint32(from.Offset)})
	if err != nil {
		syncer.Close()
		return nil, c.classify("stream", err)
	}

	return &binlogStream{
		source:  c.cfg.ClusterName,
		events:  streamer,
		closeFn: syncer.Close,
		schemas: c.schema,
		allows:  c.filter.allows,
		forget:  c.forgetSchema,
		classifyFn: func(op string, err error) error {
			return c.classify(op, err)
		},
		from:    from,
		file:    from.File,
		txStart: from.Offset,
	}, nil
}

func (s *binlogStream) Next(ctx context.Context) (cdc.ChangeEvent, error) {
	for len(s.pending) == 0 {
		ev, err := s.events.GetEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return cdc.ChangeEvent{}, ctx.Err()
			}
			return cdc.ChangeEvent{}, s.classifyFn("stream read", err)
		}
		if err := s.handle(ctx, ev); err != nil {
			return cdc.ChangeEvent{}, err
		}
	}

	out := s.pending[0]
	s.pending = s.pending[1:]
	return out, nil
}

func (s *binlogStream) handle(ctx context.Context, ev *replication.BinlogEvent) error {
	switch e := ev.Event.(type) {
	case *replication.RotateEvent:
		s.file = string(e.NextLogName)
		s.txStart = e.Position
		s.row = 0

	case *replication.QueryEvent:
		query := strings.TrimSpace(string(e.Query))
		if strings.EqualFold(query, "BEGIN") {
			s.txStart = eventStart(ev.Header)
			s.row = 0
			return nil
		}
		// Statement outside a transaction (DDL): next change starts after it
		s.txStart = uint64(ev.Header.LogPos)
		s.row = 0
		s.invalidateSchemas(string(e.Schema), query)

	case *replication.XIDEvent:
		s.txStart = uint64(ev.Header.LogPos)
		s.row = 0

	case *replication.RowsEvent:
		return s.handleRows(ctx, ev.Header, e)
	}
	return nil
}

func (s *binlogStream) handleRows(ctx context.Context, h *replication.EventHeader, e *replication.RowsEvent) error {
	if e.Table == nil {
		return fmt.Errorf("rows event at %s:%d without table map", s.file, h.LogPos)
	}
	t := tableName{database: string(e.Table.Schema), table: string(e.Table.Table)}
	if !s.allows(t.database, t.table) {
		return nil
	}

	var op cdc.Operation
	step := 1
	switch h.EventType {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		op = cdc.OpInsert
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		op = cdc.OpUpdate
		step = 2 // before/after pairs
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		op = cdc.OpDelete
	default:
		return nil
	}

	schema, err := s.schemas(ctx, t)
	if err != nil {
		return err
	}

	ts := time.Unix(int64(h.Timestamp), 0).UTC()
	for i := 0; i+step <= len(e.Rows); i += step {
		s.row++
		pos := cdc.Position{File: s.file, Offset: s.txStart, Row: s.row}
		if pos.Less(s.from) {
			continue
		}

		ev := cdc.ChangeEvent{
			Database:        t.database,
			Table:           t.table,
			Operation:       op,
			SourceTimestamp: ts,
			Position:        pos,
		}
		switch op {
		case cdc.OpInsert:
			ev.Key, ev.Value, err = schema.record(e.Rows[i])
		case cdc.OpUpdate:
			if _, ev.Before, err = schema.record(e.Rows[i]); err == nil {
				ev.Key, ev.Value, err = schema.record(e.Rows[i+1])
			}
		case cdc.OpDelete:
			ev.Key, ev.Before, err = schema.record(e.Rows[i])
		}
		if err != nil {
			return err
		}
		s.pending = append(s.pending, ev)
	}
	return nil
}

// invalidateSchemas drops cached layouts a DDL statement may have changed.
// The statement is not parsed; every cached table of the schema named in
// the statement text is dropped.
func (s *binlogStream) invalidateSchemas(database, query string) {
	upper := strings.ToUpper(query)
	if !strings.HasPrefix(upper, "ALTER") && !strings.HasPrefix(upper, "DROP") &&
		!strings.HasPrefix(upper, "CREATE") && !strings.HasPrefix(upper, "RENAME") &&
		!strings.HasPrefix(upper, "TRUNCATE") {
		return
	}
	for _, word := range strings.FieldsFunc(query, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '(' || r == ','
	}) {
		word = strings.Trim(word, "`;")
		db, table := database, word
		if i := strings.IndexByte(word, '.'); i >= 0 {
			db, table = strings.Trim(word[:i], "`"), strings.Trim(word[i+1:], "`")
		}
		if db != "" && table != "" && s.allows(db, table) {
			s.forget(tableName{database: db, table: table})
		}
	}
	log.Info().Str("source", s.source).Str("query", query).Msg("DDL observed, schema cache invalidated")
}

func (s *binlogStream) Close() error {
	if s.closeFn != nil {
		s.closeFn()
		s.closeFn = nil
	}
	return nil
}

// eventStart is the offset an event begins at; the header records where it
// ends.
func eventStart(h *replication.EventHeader) uint64 {
	return uint64(h.LogPos) - uint64(h.EventSize)
}
