// Package sqlite implements warehouse.Warehouse on an embedded SQLite file.
//
// It is the local/dev and test backend: a dataset has no native namespace in
// SQLite, so {dataset}.{table} is stored as a single table named
// "dataset__table".
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"adsync/internal/warehouse"
)

const (
	// maxParams stays under SQLITE_MAX_VARIABLE_NUMBER for older builds.
	maxParams = 999

	// loadedAtColumn is the audit column TableInfo reads Modified from.
	loadedAtColumn = "_loaded_at"
)

// Warehouse implements warehouse.Warehouse for SQLite.
//
// Storage conventions:
//   - DATE columns are TEXT "YYYY-MM-DD" so they sort and compare as dates.
//   - TIMESTAMP columns are TEXT RFC3339Nano (UTC) for reliable round-trip.
type Warehouse struct {
	db  *sql.DB
	log *zap.Logger
}

func init() {
	warehouse.Register("sqlite", Open)
}

// Open opens (creating if needed) the SQLite database at cfg.DSN.
//
// The pool is pinned to one connection: ":memory:" databases are per
// connection, and SQLite serializes writers anyway.
func Open(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("sqlite: warehouse.dsn is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Warehouse{db: db, log: warehouse.LoggerOr(cfg.Logger)}, nil
}

func (w *Warehouse) Close() { _ = w.db.Close() }

// DB exposes the underlying handle for inspection in tests and tooling.
func (w *Warehouse) DB() *sql.DB { return w.db }

// ReplaceTable drops and recreates table, then inserts rows in one transaction.
func (w *Warehouse) ReplaceTable(ctx context.Context, table warehouse.TableRef, schema warehouse.Schema, rows [][]any) (int64, error) {
	if err := table.Validate(); err != nil {
		return 0, err
	}
	if err := warehouse.CheckRows(rows, len(schema)); err != nil {
		return 0, err
	}

	name := tableName(table)
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
		return 0, fmt.Errorf("drop table %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, buildCreateTableSQL(name, schema)); err != nil {
		return 0, fmt.Errorf("create table %s: %w", table, err)
	}

	var loaded int64
	for _, chunk := range warehouse.Chunk(rows, len(schema), maxParams) {
		q, args := buildInsertSQL(name, schema, chunk)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return loaded, fmt.Errorf("insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		loaded += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	w.log.Debug("sqlite table replaced", zap.String("table", table.String()), zap.Int64("rows", loaded))
	return loaded, nil
}

func (w *Warehouse) TableExists(ctx context.Context, table warehouse.TableRef) (bool, error) {
	var n int
	err := w.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
		physicalName(table),
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (w *Warehouse) CreateTableAs(ctx context.Context, dst, src warehouse.TableRef) error {
	if _, err := w.db.ExecContext(ctx, buildCreateTableAsSQL(dst, src)); err != nil {
		return fmt.Errorf("create table %s as %s: %w", dst, src, err)
	}
	return nil
}

// Merge runs the two-statement upsert in a single transaction so a failure
// leaves the target untouched.
func (w *Warehouse) Merge(ctx context.Context, spec warehouse.MergeSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	updateSQL, insertSQL := buildMergeSQL(spec)

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if updateSQL != "" {
		if _, err := tx.ExecContext(ctx, updateSQL); err != nil {
			return fmt.Errorf("merge update %s: %w", spec.Target, err)
		}
	}
	if _, err := tx.ExecContext(ctx, insertSQL); err != nil {
		return fmt.Errorf("merge insert %s: %w", spec.Target, err)
	}
	return tx.Commit()
}

func (w *Warehouse) TableInfo(ctx context.Context, table warehouse.TableRef) (*warehouse.TableInfo, error) {
	ok, err := w.TableExists(ctx, table)
	if err != nil || !ok {
		return nil, err
	}
	info := &warehouse.TableInfo{Table: table}
	if err := w.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+tableName(table)).Scan(&info.NumRows); err != nil {
		return nil, err
	}
	// SQLite keeps no table metadata; the newest load stamp stands in.
	at, ok, err := w.lastLoaded(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	if ok {
		info.Modified = at
	}
	return info, nil
}

func (w *Warehouse) QuerySummary(ctx context.Context, table warehouse.TableRef, limit int) ([]warehouse.SummaryRow, error) {
	rows, err := w.db.QueryContext(ctx, buildSummarySQL(table), warehouse.SummaryLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []warehouse.SummaryRow
	for rows.Next() {
		var (
			r             warehouse.SummaryRow
			group, campgn sql.NullString
		)
		if err := rows.Scan(&r.Date, &group, &campgn, &r.NumAds, &r.Impressions, &r.Clicks, &r.CostCents); err != nil {
			return nil, err
		}
		r.CampaignGroupName = group.String
		r.CampaignName = campgn.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func physicalName(t warehouse.TableRef) string {
	if t.Dataset == "" {
		return t.Table
	}
	return t.Dataset + "__" + t.Table
}

func tableName(t warehouse.TableRef) string { return sqlIdent(physicalName(t)) }

func sqlType(t warehouse.ColumnType) string {
	switch t {
	case warehouse.TypeInt64:
		return "INTEGER"
	case warehouse.TypeFloat64:
		return "REAL"
	default:
		return "TEXT"
	}
}

func buildCreateTableSQL(name string, schema warehouse.Schema) string {
	parts := make([]string, 0, len(schema))
	for _, c := range schema {
		col := sqlIdent(c.Name) + " " + sqlType(c.Type)
		if c.Required {
			col += " NOT NULL"
		}
		parts = append(parts, col)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", name, strings.Join(parts, ",\n  "))
}

func buildInsertSQL(name string, schema warehouse.Schema, rows [][]any) (string, []any) {
	cols := make([]string, 0, len(schema))
	for _, c := range schema {
		cols = append(cols, sqlIdent(c.Name))
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(schema)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(name)
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(schema))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		for j, v := range row {
			args = append(args, toSQLite(schema[j].Type, v))
		}
	}
	return b.String(), args
}

func buildCreateTableAsSQL(dst, src warehouse.TableRef) string {
	return fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", tableName(dst), tableName(src))
}

// buildMergeSQL returns the UPDATE ... FROM statement (empty when every column
// is a key column) and the INSERT ... WHERE NOT EXISTS statement.
func buildMergeSQL(spec warehouse.MergeSpec) (updateSQL, insertSQL string) {
	target, source := tableName(spec.Target), tableName(spec.Source)

	on := make([]string, 0, len(spec.Key))
	for _, k := range spec.Key {
		on = append(on, fmt.Sprintf("target.%s = source.%s", sqlIdent(k), sqlIdent(k)))
	}
	match := strings.Join(on, " AND ")

	if upd := spec.UpdateColumns(); len(upd) > 0 {
		sets := make([]string, 0, len(upd))
		for _, c := range upd {
			sets = append(sets, fmt.Sprintf("%s = source.%s", sqlIdent(c), sqlIdent(c)))
		}
		updateSQL = fmt.Sprintf(
			"UPDATE %s AS target SET %s FROM %s AS source WHERE %s",
			target, strings.Join(sets, ", "), source, match,
		)
	}

	cols := make([]string, 0, len(spec.Columns))
	srcCols := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		cols = append(cols, sqlIdent(c))
		srcCols = append(srcCols, "source."+sqlIdent(c))
	}
	insertSQL = fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s AS source WHERE NOT EXISTS (SELECT 1 FROM %s AS target WHERE %s)",
		target, strings.Join(cols, ", "), strings.Join(srcCols, ", "), source, target, match,
	)
	return updateSQL, insertSQL
}

func buildSummarySQL(table warehouse.TableRef) string {
	return `SELECT "date", "campaign_group_name", "campaign_name",
  COUNT(DISTINCT "ad_id") AS num_ads,
  COALESCE(SUM("impressions"), 0) AS impressions,
  COALESCE(SUM("clicks"), 0) AS clicks,
  COALESCE(SUM("cost"), 0.0) AS cost
FROM ` + tableName(table) + `
GROUP BY "date", "campaign_group_name", "campaign_name"
ORDER BY "date" DESC, cost DESC
LIMIT ?`
}

// toSQLite maps a row value onto the text conventions above.
func toSQLite(t warehouse.ColumnType, v any) any {
	ts, ok := v.(time.Time)
	if !ok {
		return v
	}
	switch t {
	case warehouse.TypeDate:
		return ts.Format("2006-01-02")
	default:
		return formatSQLiteTime(ts)
	}
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// timeLayouts are tried in order by parseStoredTime. The space-separated
// forms come from SQLite's datetime() and CURRENT_TIMESTAMP.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseStoredTime reads a TIMESTAMP cell back. Values without a zone are UTC.
func parseStoredTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("sqlite: unrecognized timestamp %q", s)
}

// lastLoaded is MAX(_loaded_at) for table. ok is false when the table has no
// such column or no stamped rows.
func (w *Warehouse) lastLoaded(ctx context.Context, table warehouse.TableRef) (at time.Time, ok bool, err error) {
	var n int
	err = w.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		physicalName(table), loadedAtColumn,
	).Scan(&n)
	if err != nil || n == 0 {
		return time.Time{}, false, err
	}

	var newest sql.NullString
	q := fmt.Sprintf("SELECT MAX(%s) FROM %s", sqlIdent(loadedAtColumn), tableName(table))
	if err := w.db.QueryRowContext(ctx, q).Scan(&newest); err != nil {
		return time.Time{}, false, err
	}
	if !newest.Valid {
		return time.Time{}, false, nil
	}
	at, err = parseStoredTime(newest.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}
