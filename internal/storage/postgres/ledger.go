// Package postgres records crawl runs and their failed items in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/namus-crawler/internal/namus"
	"github.com/JakeFAU/namus-crawler/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Failure item types stored in the failures table.
const (
	ItemPartition = "partition"
	ItemRecord    = "record"
)

// Config controls the pool and table names used by the ledger.
type Config struct {
	DSN             string
	RunsTable       string
	FailuresTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type beginExecCloser interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Ledger writes one row per run and one row per failed item.
type Ledger struct {
	pool     beginExecCloser
	runs     string
	failures string
}

// NewLedger connects a pgx pool using cfg.
func NewLedger(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	runs, failures, err := tableNames(cfg.RunsTable, cfg.FailuresTable)
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
	return &Ledger{pool: pool, runs: runs, failures: failures}, nil
}

// NewLedgerWithPool builds a Ledger on an existing pool.
func NewLedgerWithPool(pool beginExecCloser, runsTable, failuresTable string) (*Ledger, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	runs, failures, err := tableNames(runsTable, failuresTable)
	if err != nil {
		return nil, err
	}
	return &Ledger{pool: pool, runs: runs, failures: failures}, nil
}

func tableNames(runs, failures string) (string, string, error) {
	if runs == "" {
		runs = "crawl_runs"
	}
	if failures == "" {
		failures = "crawl_failures"
	}
	for _, name := range []string{runs, failures} {
		if !validTableName.MatchString(name) {
			return "", "", fmt.Errorf("invalid table name %q", name)
		}
	}
	return runs, failures, nil
}

// Close releases the pool.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// Migrate creates both tables when they do not exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id            UUID PRIMARY KEY,
	category          TEXT NOT NULL,
	started_at        TIMESTAMPTZ NOT NULL,
	finished_at       TIMESTAMPTZ NOT NULL,
	partitions        INTEGER NOT NULL,
	identifiers       INTEGER NOT NULL,
	records           INTEGER NOT NULL,
	failed_records    INTEGER NOT NULL,
	failed_partitions INTEGER NOT NULL,
	peak_concurrency  INTEGER NOT NULL
)`, l.runs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id      UUID NOT NULL REFERENCES %s (run_id),
	item_type   TEXT NOT NULL,
	item        TEXT NOT NULL,
	error_kind  TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	message     TEXT NOT NULL
)`, l.failures, l.runs),
	}
	for _, stmt := range statements {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Report stores out in a single transaction.
func (l *Ledger) Report(ctx context.Context, out pipeline.Output) error {
	if l == nil || l.pool == nil {
		return errors.New("ledger is not configured")
	}
	runID := out.RunID.String()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	category,
	started_at,
	finished_at,
	partitions,
	identifiers,
	records,
	failed_records,
	failed_partitions,
	peak_concurrency
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, l.runs)
	if _, err := tx.Exec(ctx, query,
		runID,
		out.Category.Slug(),
		out.StartedAt,
		out.FinishedAt,
		len(out.Partitions),
		out.Identifiers,
		len(out.Records),
		len(out.FailedRecords),
		len(out.FailedPartitions),
		out.PeakConcurrency,
	); err != nil {
		return rollback(ctx, tx, fmt.Errorf("insert run: %w", err))
	}

	if rows := failureRows(runID, out); len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{l.failures},
			[]string{"run_id", "item_type", "item", "error_kind", "status_code", "message"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return rollback(ctx, tx, fmt.Errorf("copy failures: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func failureRows(runID string, out pipeline.Output) [][]any {
	rows := make([][]any, 0, len(out.FailedPartitions)+len(out.FailedRecords))
	for _, f := range out.FailedPartitions {
		rows = append(rows, failureRow(runID, ItemPartition, string(f.Partition), f.Err))
	}
	for _, f := range out.FailedRecords {
		rows = append(rows, failureRow(runID, ItemRecord, f.ID.String(), f.Err))
	}
	return rows
}

func failureRow(runID, itemType, item string, err error) []any {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return []any{runID, itemType, item, string(namus.KindOf(err)), namus.StatusOf(err), msg}
}

func rollback(ctx context.Context, tx pgx.Tx, cause error) error {
	if err := tx.Rollback(ctx); err != nil {
		return errors.Join(cause, fmt.Errorf("rollback: %w", err))
	}
	return cause
}
