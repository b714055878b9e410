package mysql

import (
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	"github.com/doug-martin/goqu/v9/exp"
)

var dialect = goqu.Dialect("mysql")

var systemSchemas = []any{"mysql", "sys", "information_schema", "performance_schema"}

// tablesQuery lists the user tables of the server.
func tablesQuery() (string, []any, error) {
	return dialect.
		From(goqu.S("information_schema").Table("TABLES")).
		Select("TABLE_SCHEMA", "TABLE_NAME").
		Where(
			goqu.C("TABLE_TYPE").Eq("BASE TABLE"),
			goqu.C("TABLE_SCHEMA").NotIn(systemSchemas...),
		).
		Order(goqu.C("TABLE_SCHEMA").Asc(), goqu.C("TABLE_NAME").Asc()).
		Prepared(true).
		ToSQL()
}

// columnsQuery loads the column layout of t in ordinal order.
func columnsQuery(t tableName) (string, []any, error) {
	return dialect.
		From(goqu.S("information_schema").Table("COLUMNS")).
		Select("COLUMN_NAME", "DATA_TYPE", "COLUMN_TYPE", "COLUMN_KEY").
		Where(
			goqu.C("TABLE_SCHEMA").Eq(t.database),
			goqu.C("TABLE_NAME").Eq(t.table),
		).
		Order(goqu.C("ORDINAL_POSITION").Asc()).
		Prepared(true).
		ToSQL()
}

// scanQuery reads every column of a table ordered by primary key.
func scanQuery(s *tableSchema) (string, []any, error) {
	cols := make([]any, len(s.columns))
	for i, c := range s.columns {
		cols[i] = c.name
	}
	keys := s.keyColumns()
	order := make([]exp.OrderedExpression, len(keys))
	for i, k := range keys {
		order[i] = goqu.C(k).Asc()
	}

	return dialect.
		From(goqu.S(s.name.database).Table(s.name.table)).
		Select(cols...).
		Order(order...).
		Prepared(true).
		ToSQL()
}
