package mysql

import (
	"context"
	"fmt"
	"strings"

	"github.com/maxpert/sluice/cdc"
)

type column struct {
	name     string
	dataType string
	unsigned bool
	key      bool
}

// tableSchema is the column layout of one table, in ordinal order. Binlog
// rows carry values positionally, so this is what gives them names.
type tableSchema struct {
	name    tableName
	columns []column
}

func (s *tableSchema) keyColumns() []string {
	var keys []string
	for _, c := range s.columns {
		if c.key {
			keys = append(keys, c.name)
		}
	}
	return keys
}

// record names the positional values of one row. It fails when the row
// width no longer matches the cached layout.
func (s *tableSchema) record(values []any) (cdc.RecordPart, cdc.RecordPart, error) {
	if len(values) != len(s.columns) {
		return nil, nil, &cdc.SchemaIncompatibleError{
			Table:  s.name.String(),
			Reason: fmt.Sprintf("row has %d values, table has %d columns", len(values), len(s.columns)),
		}
	}
	row := make(cdc.RecordPart, len(values))
	key := make(cdc.RecordPart)
	for i, c := range s.columns {
		v := normalizeValue(c, values[i])
		row[c.name] = v
		if c.key {
			key[c.name] = v
		}
	}
	return key, row, nil
}

// schema returns the cached layout of a table, loading it from
// information_schema on a miss.
func (c *Connector) schema(ctx context.Context, t tableName) (*tableSchema, error) {
	if s, ok := c.schemas.Get(t.String()); ok {
		return s, nil
	}

	query, args, err := columnsQuery(t)
	if err != nil {
		return nil, fmt.Errorf("build schema lookup of %s: %w", t, err)
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, c.classify("schema", err)
	}
	defer rows.Close()

	s := &tableSchema{name: t}
	hasKey := false
	for rows.Next() {
		var col column
		var columnType, columnKey string
		if err := rows.Scan(&col.name, &col.dataType, &columnType, &columnKey); err != nil {
			return nil, c.classify("schema", err)
		}
		col.dataType = strings.ToLower(col.dataType)
		col.unsigned = strings.Contains(strings.ToLower(columnType), "unsigned")
		col.key = columnKey == "PRI"
		hasKey = hasKey || col.key
		s.columns = append(s.columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, c.classify("schema", err)
	}

	if len(s.columns) == 0 {
		return nil, &cdc.SchemaIncompatibleError{Table: t.String(), Reason: "table not found"}
	}
	if !hasKey {
		return nil, &cdc.SchemaIncompatibleError{Table: t.String(), Reason: "table has no primary key"}
	}

	c.schemas.Add(t.String(), s)
	return s, nil
}

// forgetSchema drops a cached layout after DDL touched the table.
func (c *Connector) forgetSchema(t tableName) {
	c.schemas.Remove(t.String())
}
