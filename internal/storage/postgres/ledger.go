// Package postgres provides a Postgres-backed image ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// maxRowsPerInsert keeps each statement well under the 65535 bind parameter limit.
const maxRowsPerInsert = 1000

const columnsPerRow = 8

// LedgerConfig controls the Postgres connection pool used for ledger rows.
type LedgerConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Ledger writes one row per processed cell.
type Ledger struct {
	pool  execCloser
	table string
}

var _ batch.Ledger = (*Ledger)(nil)

// NewLedger creates a Postgres-backed Ledger using the provided config.
func NewLedger(ctx context.Context, cfg LedgerConfig) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Ledger{pool: pool, table: table}, nil
}

// NewLedgerWithPool constructs a ledger from an existing pool (primarily for testing).
func NewLedgerWithPool(pool execCloser, table string) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Ledger{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "image_ledger"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// RecordImages inserts the rows for one batch. Rows are written in chunks; a
// failed chunk does not stop later ones and all errors are returned joined.
func (l *Ledger) RecordImages(ctx context.Context, id string, rows []batch.LedgerRow) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("ledger is not configured")
	}
	if id == "" {
		return fmt.Errorf("batch id is required")
	}
	var errs []error
	for start := 0; start < len(rows); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(rows))
		query, args := l.insert(id, rows[start:end])
		if _, err := l.pool.Exec(ctx, query, args...); err != nil {
			errs = append(errs, fmt.Errorf("insert ledger rows %d-%d: %w", start, end-1, err))
		}
	}
	return errors.Join(errs...)
}

func (l *Ledger) insert(id string, rows []batch.LedgerRow) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, `INSERT INTO %s (
	batch_id,
	cell_row,
	cell_column,
	source_url,
	served_url,
	error,
	content_hash,
	recorded_at
) VALUES `, l.table)

	args := make([]any, 0, len(rows)*columnsPerRow)
	for i, row := range rows {
		if i > 0 {
			b.WriteString(",")
		}
		n := i * columnsPerRow
		fmt.Fprintf(&b, "($%d,$%d,$%d,$%d,NULLIF($%d,''),NULLIF($%d,''),NULLIF($%d,''),$%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8)
		args = append(args,
			id,
			row.Cell.Row,
			row.Cell.Column,
			row.SourceURL,
			row.ServedURL,
			row.Error,
			row.ContentHash,
			row.At.UTC(),
		)
	}
	return b.String(), args
}
