package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/maxpert/sluice/cdc"
)

// snapshotScan reads the whitelisted tables one after another inside a
// single consistent-snapshot transaction, each ordered by primary key.
type snapshotScan struct {
	conn    *Connector
	sqlConn *sql.Conn
	tables  []tableName
	skip    uint64

	idx    int
	rows   *sql.Rows
	schema *tableSchema
}

func (s *snapshotScan) Next(ctx context.Context) (cdc.ChangeEvent, error) {
	for {
		if s.rows == nil {
			if s.idx >= len(s.tables) {
				return cdc.ChangeEvent{}, io.EOF
			}
			if err := s.openTable(ctx, s.tables[s.idx]); err != nil {
				return cdc.ChangeEvent{}, err
			}
		}

		if !s.rows.Next() {
			err := s.rows.Err()
			s.rows.Close()
			s.rows = nil
			if err != nil {
				return cdc.ChangeEvent{}, s.conn.classify("snapshot scan", err)
			}
			s.idx++
			continue
		}

		values := make([]any, len(s.schema.columns))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := s.rows.Scan(ptrs...); err != nil {
			return cdc.ChangeEvent{}, s.conn.classify("snapshot scan", err)
		}

		if s.skip > 0 {
			s.skip--
			continue
		}

		key, row, err := s.schema.record(values)
		if err != nil {
			return cdc.ChangeEvent{}, err
		}
		return cdc.ChangeEvent{
			Database:        s.schema.name.database,
			Table:           s.schema.name.table,
			Key:             key,
			Value:           row,
			SourceTimestamp: time.Now().UTC(),
		}, nil
	}
}

func (s *snapshotScan) openTable(ctx context.Context, t tableName) error {
	schema, err := s.conn.schema(ctx, t)
	if err != nil {
		return err
	}

	query, args, err := scanQuery(schema)
	if err != nil {
		return fmt.Errorf("build scan of %s: %w", t, err)
	}
	rows, err := s.sqlConn.QueryContext(ctx, query, args...)
	if err != nil {
		return s.conn.classify("snapshot scan", err)
	}

	s.rows = rows
	s.schema = schema
	return nil
}

func (s *snapshotScan) Close() error {
	if s.rows != nil {
		s.rows.Close()
		s.rows = nil
	}
	if s.sqlConn == nil {
		return nil
	}
	s.sqlConn.ExecContext(context.Background(), "ROLLBACK")
	err := s.sqlConn.Close()
	s.sqlConn = nil
	return err
}
