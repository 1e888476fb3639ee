package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"adsync/internal/warehouse"
)

// maxParams keeps each INSERT under SQL Server's 2100 parameter limit.
const maxParams = 2000

// Warehouse implements warehouse.Warehouse for Microsoft SQL Server.
//
// A dataset maps to a database schema, created on first use. The upsert is a
// single T-SQL MERGE statement, so it is atomic without an explicit transaction.
//
// The "sqlserver" database/sql driver is registered by the blank import above.
type Warehouse struct {
	db  *sql.DB
	log *zap.Logger
}

func init() {
	warehouse.Register("mssql", Open)
}

// Open connects with the "sqlserver" driver and validates connectivity via
// PingContext.
func Open(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("mssql: warehouse.dsn is required")
	}
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(8)
	raw.SetMaxIdleConns(8)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return newWithDB(raw, cfg.Logger), nil
}

func newWithDB(db *sql.DB, log *zap.Logger) *Warehouse {
	return &Warehouse{db: db, log: warehouse.LoggerOr(log)}
}

// Close releases database resources held by this warehouse.
func (w *Warehouse) Close() {
	if w == nil || w.db == nil {
		return
	}
	_ = w.db.Close()
}

// ReplaceTable drops and recreates table, then inserts rows in chunks, all
// inside one transaction.
func (w *Warehouse) ReplaceTable(ctx context.Context, table warehouse.TableRef, schema warehouse.Schema, rows [][]any) (int64, error) {
	if err := table.Validate(); err != nil {
		return 0, err
	}
	if err := warehouse.CheckRows(rows, len(schema)); err != nil {
		return 0, err
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range buildReplaceSQL(table, schema) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("mssql: replace %s: %w", table, err)
		}
	}

	var total int64
	for _, part := range warehouse.Chunk(rows, len(schema), maxParams) {
		q, args := buildBulkInsertSQL(table, schema.Names(), part)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("mssql: insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	w.log.Debug("mssql table replaced", zap.String("table", table.String()), zap.Int64("rows", total))
	return total, nil
}

func (w *Warehouse) TableExists(ctx context.Context, table warehouse.TableRef) (bool, error) {
	var exists int
	err := w.db.QueryRowContext(ctx,
		`SELECT CASE WHEN OBJECT_ID(@p1, N'U') IS NULL THEN 0 ELSE 1 END`,
		mssqlTableIdent(table),
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists == 1, nil
}

func (w *Warehouse) CreateTableAs(ctx context.Context, dst, src warehouse.TableRef) error {
	if _, err := w.db.ExecContext(ctx, buildSelectIntoSQL(dst, src)); err != nil {
		return fmt.Errorf("mssql: select into %s from %s: %w", dst, src, err)
	}
	return nil
}

func (w *Warehouse) Merge(ctx context.Context, spec warehouse.MergeSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	res, err := w.db.ExecContext(ctx, buildMergeSQL(spec))
	if err != nil {
		return fmt.Errorf("mssql: merge into %s: %w", spec.Target, err)
	}
	n, _ := res.RowsAffected()
	w.log.Debug("mssql merge complete", zap.String("target", spec.Target.String()), zap.Int64("rows_affected", n))
	return nil
}

// TableInfo reads row count from COUNT_BIG and timestamps from sys.tables.
func (w *Warehouse) TableInfo(ctx context.Context, table warehouse.TableRef) (*warehouse.TableInfo, error) {
	ident := mssqlTableIdent(table)

	var created, modified time.Time
	err := w.db.QueryRowContext(ctx,
		`SELECT create_date, modify_date FROM sys.tables WHERE object_id = OBJECT_ID(@p1, N'U')`,
		ident,
	).Scan(&created, &modified)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	info := &warehouse.TableInfo{Table: table, Created: created, Modified: modified}
	if err := w.db.QueryRowContext(ctx, "SELECT COUNT_BIG(*) FROM "+ident).Scan(&info.NumRows); err != nil {
		return nil, err
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

// mssqlIdent returns a bracket-quoted identifier.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted, schema-qualified table name.
//
// Example:
//
//	{ads, stackadapt_ads_performance} -> [ads].[stackadapt_ads_performance]
func mssqlTableIdent(t warehouse.TableRef) string {
	if t.Dataset == "" {
		return mssqlIdent(t.Table)
	}
	return mssqlIdent(t.Dataset) + "." + mssqlIdent(t.Table)
}

func mssqlType(t warehouse.ColumnType) string {
	switch t {
	case warehouse.TypeDate:
		return "DATE"
	case warehouse.TypeInt64:
		return "BIGINT"
	case warehouse.TypeFloat64:
		return "FLOAT"
	case warehouse.TypeTimestamp:
		return "DATETIME2"
	default:
		return "NVARCHAR(4000)"
	}
}

func buildReplaceSQL(table warehouse.TableRef, schema warehouse.Schema) []string {
	var out []string
	if table.Dataset != "" {
		lit := strings.ReplaceAll(table.Dataset, "'", "''")
		out = append(out, fmt.Sprintf(
			"IF SCHEMA_ID(N'%s') IS NULL EXEC(N'CREATE SCHEMA %s')",
			lit, strings.ReplaceAll(mssqlIdent(table.Dataset), "'", "''"),
		))
	}
	out = append(out, "DROP TABLE IF EXISTS "+mssqlTableIdent(table))

	cols := make([]string, 0, len(schema))
	for _, c := range schema {
		null := " NULL"
		if c.Required {
			null = " NOT NULL"
		}
		cols = append(cols, mssqlIdent(c.Name)+" "+mssqlType(c.Type)+null)
	}
	out = append(out, fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", mssqlTableIdent(table), strings.Join(cols, ",\n  ")))
	return out
}

// buildBulkInsertSQL renders INSERT ... VALUES with @pN placeholders.
func buildBulkInsertSQL(table warehouse.TableRef, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args
}

func buildSelectIntoSQL(dst, src warehouse.TableRef) string {
	return fmt.Sprintf("SELECT * INTO %s FROM %s", mssqlTableIdent(dst), mssqlTableIdent(src))
}

// buildMergeSQL renders a T-SQL MERGE. The trailing semicolon is mandatory.
func buildMergeSQL(spec warehouse.MergeSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS target\nUSING %s AS source\nON ", mssqlTableIdent(spec.Target), mssqlTableIdent(spec.Source))
	for i, k := range spec.Key {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "target.%s = source.%s", mssqlIdent(k), mssqlIdent(k))
	}

	if upd := spec.UpdateColumns(); len(upd) > 0 {
		b.WriteString("\nWHEN MATCHED THEN UPDATE SET ")
		for i, c := range upd {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "target.%s = source.%s", mssqlIdent(c), mssqlIdent(c))
		}
	}

	cols := make([]string, 0, len(spec.Columns))
	vals := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		cols = append(cols, mssqlIdent(c))
		vals = append(vals, "source."+mssqlIdent(c))
	}
	fmt.Fprintf(&b, "\nWHEN NOT MATCHED BY TARGET THEN INSERT (%s) VALUES (%s);", strings.Join(cols, ", "), strings.Join(vals, ", "))
	return b.String()
}

func buildSummarySQL(table warehouse.TableRef) string {
	return `SELECT TOP (@p1) CONVERT(char(10), [date], 23) AS [day], [campaign_group_name], [campaign_name],
  COUNT_BIG(DISTINCT [ad_id]) AS num_ads,
  COALESCE(SUM([impressions]), 0) AS impressions,
  COALESCE(SUM([clicks]), 0) AS clicks,
  COALESCE(SUM([cost]), 0) AS cost
FROM ` + mssqlTableIdent(table) + `
GROUP BY [date], [campaign_group_name], [campaign_name]
ORDER BY [date] DESC, cost DESC`
}
