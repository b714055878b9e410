// Package mysql reads change events from MySQL: a consistent snapshot scan
// over the whitelisted tables followed by a tail of the row-based binlog.
//
// The server must run with binlog_format=ROW and binlog_row_image=FULL, and
// the configured user needs SELECT, RELOAD, REPLICATION SLAVE and
// REPLICATION CLIENT.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/sluice/cdc"
	"github.com/maxpert/sluice/source"
	"github.com/rs/zerolog/log"
)

// Config describes the MySQL server to capture from.
type Config struct {
	Address           string
	Port              int
	User              string
	Password          string
	ClusterName       string
	DatabaseWhitelist []string // Glob patterns on the database name
	TableWhitelist    []string // Glob patterns on "database.table"
	ServerID          uint32
	SchemaCacheSize   int
}

// Connector implements source.Connector for MySQL.
type Connector struct {
	cfg     Config
	db      *sql.DB
	filter  *whitelist
	schemas *lru.Cache[string, *tableSchema]
}

var _ source.Connector = (*Connector)(nil)

// New creates a connector. No connection is made until the first Snapshot
// or Stream.
func New(cfg Config) (*Connector, error) {
	filter, err := newWhitelist(cfg.DatabaseWhitelist, cfg.TableWhitelist)
	if err != nil {
		return nil, err
	}

	size := cfg.SchemaCacheSize
	if size <= 0 {
		size = 256
	}
	schemas, err := lru.New[string, *tableSchema](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema cache: %w", err)
	}

	dsn := mysqldriver.NewConfig()
	dsn.User = cfg.User
	dsn.Passwd = cfg.Password
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	dsn.Timeout = 10 * time.Second
	dsn.ReadTimeout = 60 * time.Second
	dsn.InterpolateParams = true

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to configure mysql client: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Connector{cfg: cfg, db: db, filter: filter, schemas: schemas}, nil
}

func (c *Connector) Name() string { return c.cfg.ClusterName }

// Snapshot opens a consistent read over the whitelisted tables. MySQL cannot
// reproduce contents at an earlier binlog position, so asOf is ignored and
// the scan reflects the current contents.
func (c *Connector) Snapshot(ctx context.Context, asOf cdc.Position, skip uint64) (source.SnapshotScan, cdc.Position, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, cdc.Position{}, c.classify("snapshot", err)
	}

	cutOver, err := c.beginConsistentRead(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, cdc.Position{}, err
	}

	tables, err := c.listTables(ctx, conn)
	if err != nil {
		conn.ExecContext(context.Background(), "ROLLBACK")
		conn.Close()
		return nil, cdc.Position{}, err
	}

	log.Info().
		Str("source", c.cfg.ClusterName).
		Int("tables", len(tables)).
		Stringer("cut_over", cutOver).
		Uint64("skip", skip).
		Msg("MySQL snapshot started")

	return &snapshotScan{conn: c, sqlConn: conn, tables: tables, skip: skip}, cutOver, nil
}

// beginConsistentRead opens a REPEATABLE READ snapshot on conn and returns
// the binlog coordinates it corresponds to. A global read lock pins the
// coordinates; without RELOAD the lock is skipped and the coordinates may
// run slightly ahead of the snapshot, which the dedup filter absorbs.
func (c *Connector) beginConsistentRead(ctx context.Context, conn *sql.Conn) (cdc.Position, error) {
	if _, err := conn.ExecContext(ctx, "SET SESSION TRANSACTION ISOLATION LEVEL REPEATABLE READ"); err != nil {
		return cdc.Position{}, c.classify("snapshot", err)
	}

	locked := true
	if _, err := conn.ExecContext(ctx, "FLUSH TABLES WITH READ LOCK"); err != nil {
		if !isAccessDenied(err) {
			return cdc.Position{}, c.classify("snapshot", err)
		}
		locked = false
		log.Warn().Err(err).Str("source", c.cfg.ClusterName).Msg("Global read lock unavailable, snapshot runs lock-free")
	}

	if _, err := conn.ExecContext(ctx, "START TRANSACTION WITH CONSISTENT SNAPSHOT"); err != nil {
		if locked {
			conn.ExecContext(context.Background(), "UNLOCK TABLES")
		}
		return cdc.Position{}, c.classify("snapshot", err)
	}

	pos, err := c.masterStatus(ctx, conn)
	if locked {
		if _, uerr := conn.ExecContext(context.Background(), "UNLOCK TABLES"); uerr != nil && err == nil {
			err = c.classify("snapshot", uerr)
		}
	}
	return pos, err
}

func (c *Connector) masterStatus(ctx context.Context, conn *sql.Conn) (cdc.Position, error) {
	rows, err := conn.QueryContext(ctx, "SHOW MASTER STATUS")
	if err != nil {
		// MySQL 8.4 renamed the statement
		rows, err = conn.QueryContext(ctx, "SHOW BINARY LOG STATUS")
	}
	if err != nil {
		return cdc.Position{}, c.classify("snapshot", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return cdc.Position{}, c.classify("snapshot", err)
		}
		return cdc.Position{}, fmt.Errorf("binary logging is disabled on %s", c.cfg.ClusterName)
	}

	cols, err := rows.Columns()
	if err != nil {
		return cdc.Position{}, c.classify("snapshot", err)
	}
	var (
		file   string
		offset uint64
	)
	dest := make([]any, len(cols))
	for i := range dest {
		dest[i] = new(sql.RawBytes)
	}
	dest[0] = &file
	dest[1] = &offset
	if err := rows.Scan(dest...); err != nil {
		return cdc.Position{}, c.classify("snapshot", err)
	}
	return cdc.Position{File: file, Offset: offset}, nil
}

func (c *Connector) listTables(ctx context.Context, conn *sql.Conn) ([]tableName, error) {
	query, args, err := tablesQuery()
	if err != nil {
		return nil, fmt.Errorf("build table listing: %w", err)
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, c.classify("snapshot", err)
	}
	defer rows.Close()

	var tables []tableName
	for rows.Next() {
		var t tableName
		if err := rows.Scan(&t.database, &t.table); err != nil {
			return nil, c.classify("snapshot", err)
		}
		if c.filter.allows(t.database, t.table) {
			tables = append(tables, t)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, c.classify("snapshot", err)
	}
	return tables, nil
}

// Stream tails the binlog from the transaction containing from.
func (c *Connector) Stream(ctx context.Context, from cdc.Position) (source.ChangeStream, error) {
	stream, err := c.openBinlog(ctx, from)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("source", c.cfg.ClusterName).
		Stringer("from", from).
		Msg("MySQL binlog stream started")
	return stream, nil
}

// Close releases the connection pool.
func (c *Connector) Close() error {
	return c.db.Close()
}

type tableName struct {
	database string
	table    string
}

func (t tableName) String() string { return t.database + "." + t.table }

// whitelist matches databases and tables against glob patterns. Empty
// pattern lists admit everything.
type whitelist struct {
	databases []glob.Glob
	tables    []glob.Glob
}

func newWhitelist(databases, tables []string) (*whitelist, error) {
	w := &whitelist{}
	for _, p := range databases {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid database whitelist pattern %q: %w", p, err)
		}
		w.databases = append(w.databases, g)
	}
	for _, p := range tables {
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid table whitelist pattern %q: %w", p, err)
		}
		w.tables = append(w.tables, g)
	}
	return w, nil
}

func (w *whitelist) allows(database, table string) bool {
	return matchAny(w.databases, database) && matchAny(w.tables, database+"."+table)
}

func matchAny(patterns []glob.Glob, s string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, g := range patterns {
		if g.Match(s) {
			return true
		}
	}
	return false
}
