// Package postgres implements warehouse.Warehouse on PostgreSQL 15+ (MERGE is
// required). A dataset maps to a schema, created on demand.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"adsync/internal/warehouse"
)

/*
Warehouse implements warehouse.Warehouse for Postgres.

It provides:
  - Staging loads via DROP/CREATE + COPY in one transaction
  - Snapshot copies via CREATE TABLE ... AS
  - Keyed upserts via MERGE
*/
type Warehouse struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func init() {
	warehouse.Register("postgres", Open)
}

// Open creates a pgx pool for cfg.DSN and verifies connectivity.
func Open(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres: warehouse.dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Warehouse{pool: pool, log: warehouse.LoggerOr(cfg.Logger)}, nil
}

// Close closes the connection pool.
func (w *Warehouse) Close() {
	w.pool.Close()
}

// ReplaceTable recreates table and bulk-loads rows with COPY.
func (w *Warehouse) ReplaceTable(ctx context.Context, table warehouse.TableRef, schema warehouse.Schema, rows [][]any) (int64, error) {
	if err := table.Validate(); err != nil {
		return 0, err
	}
	if err := warehouse.CheckRows(rows, len(schema)); err != nil {
		return 0, err
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range buildReplaceSQL(table, schema) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return 0, fmt.Errorf("replace %s: %w", table, err)
		}
	}

	var n int64
	if len(rows) > 0 {
		n, err = tx.CopyFrom(ctx, identifier(table), schema.Names(), pgx.CopyFromRows(rows))
		if err != nil {
			return 0, fmt.Errorf("copy into %s: %w", table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	w.log.Debug("postgres table replaced", zap.String("table", table.String()), zap.Int64("rows", n))
	return n, nil
}

// TableExists uses to_regclass so absence is a NULL, not an error.
func (w *Warehouse) TableExists(ctx context.Context, table warehouse.TableRef) (bool, error) {
	var exists bool
	err := w.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, qualified(table)).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (w *Warehouse) CreateTableAs(ctx context.Context, dst, src warehouse.TableRef) error {
	if _, err := w.pool.Exec(ctx, buildCreateTableAsSQL(dst, src)); err != nil {
		return fmt.Errorf("create table %s as %s: %w", dst, src, err)
	}
	return nil
}

func (w *Warehouse) Merge(ctx context.Context, spec warehouse.MergeSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	tag, err := w.pool.Exec(ctx, buildMergeSQL(spec))
	if err != nil {
		return fmt.Errorf("merge into %s: %w", spec.Target, err)
	}
	w.log.Debug("postgres merge complete", zap.String("target", spec.Target.String()), zap.Int64("rows_affected", tag.RowsAffected()))
	return nil
}

// TableInfo reports an exact COUNT(*); Postgres does not track creation or
// modification times, so those stay zero.
func (w *Warehouse) TableInfo(ctx context.Context, table warehouse.TableRef) (*warehouse.TableInfo, error) {
	ok, err := w.TableExists(ctx, table)
	if err != nil || !ok {
		return nil, err
	}
	info := &warehouse.TableInfo{Table: table}
	if err := w.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+qualified(table)).Scan(&info.NumRows); err != nil {
		return nil, err
	}
	if err := w.pool.QueryRow(ctx, `SELECT pg_total_relation_size(to_regclass($1))`, qualified(table)).Scan(&info.NumBytes); err != nil {
		return nil, err
	}
	return info, nil
}

func (w *Warehouse) QuerySummary(ctx context.Context, table warehouse.TableRef, limit int) ([]warehouse.SummaryRow, error) {
	rows, err := w.pool.Query(ctx, buildSummarySQL(table), warehouse.SummaryLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []warehouse.SummaryRow
	for rows.Next() {
		var (
			r             warehouse.SummaryRow
			group, campgn *string
		)
		if err := rows.Scan(&r.Date, &group, &campgn, &r.NumAds, &r.Impressions, &r.Clicks, &r.CostCents); err != nil {
			return nil, err
		}
		if group != nil {
			r.CampaignGroupName = *group
		}
		if campgn != nil {
			r.CampaignName = *campgn
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func qualified(t warehouse.TableRef) string {
	if t.Dataset == "" {
		return pgIdent(t.Table)
	}
	return pgIdent(t.Dataset) + "." + pgIdent(t.Table)
}

func identifier(t warehouse.TableRef) pgx.Identifier {
	if t.Dataset == "" {
		return pgx.Identifier{t.Table}
	}
	return pgx.Identifier{t.Dataset, t.Table}
}

func pgType(t warehouse.ColumnType) string {
	switch t {
	case warehouse.TypeDate:
		return "date"
	case warehouse.TypeInt64:
		return "bigint"
	case warehouse.TypeFloat64:
		return "double precision"
	case warehouse.TypeTimestamp:
		return "timestamptz"
	default:
		return "text"
	}
}

// buildReplaceSQL returns the DDL run before COPY: schema, drop, create.
func buildReplaceSQL(table warehouse.TableRef, schema warehouse.Schema) []string {
	var out []string
	if table.Dataset != "" {
		out = append(out, "CREATE SCHEMA IF NOT EXISTS "+pgIdent(table.Dataset))
	}
	out = append(out, "DROP TABLE IF EXISTS "+qualified(table))

	cols := make([]string, 0, len(schema))
	for _, c := range schema {
		col := pgIdent(c.Name) + " " + pgType(c.Type)
		if c.Required {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	out = append(out, fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", qualified(table), strings.Join(cols, ",\n  ")))
	return out
}

func buildCreateTableAsSQL(dst, src warehouse.TableRef) string {
	return fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", qualified(dst), qualified(src))
}

// buildMergeSQL renders a Postgres 15 MERGE. SET targets are unqualified as
// Postgres requires.
func buildMergeSQL(spec warehouse.MergeSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS target\nUSING %s AS source\nON ", qualified(spec.Target), qualified(spec.Source))
	for i, k := range spec.Key {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "target.%s = source.%s", pgIdent(k), pgIdent(k))
	}

	if upd := spec.UpdateColumns(); len(upd) > 0 {
		b.WriteString("\nWHEN MATCHED THEN UPDATE SET ")
		for i, c := range upd {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = source.%s", pgIdent(c), pgIdent(c))
		}
	}

	cols := make([]string, 0, len(spec.Columns))
	vals := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		cols = append(cols, pgIdent(c))
		vals = append(vals, "source."+pgIdent(c))
	}
	fmt.Fprintf(&b, "\nWHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)", strings.Join(cols, ", "), strings.Join(vals, ", "))
	return b.String()
}

func buildSummarySQL(table warehouse.TableRef) string {
	return `SELECT to_char("date", 'YYYY-MM-DD') AS date, "campaign_group_name", "campaign_name",
  COUNT(DISTINCT "ad_id")::bigint AS num_ads,
  COALESCE(SUM("impressions"), 0)::bigint AS impressions,
  COALESCE(SUM("clicks"), 0)::bigint AS clicks,
  COALESCE(SUM("cost"), 0)::double precision AS cost
FROM ` + qualified(table) + `
GROUP BY "date", "campaign_group_name", "campaign_name"
ORDER BY "date" DESC, cost DESC
LIMIT $1`
}
