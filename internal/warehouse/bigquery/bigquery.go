// Package bigquery implements warehouse.Warehouse on Google BigQuery.
//
// Staging loads go through an in-memory NDJSON load job with WRITE_TRUNCATE,
// snapshot copies and upserts run as standard-SQL query jobs.
package bigquery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"adsync/internal/warehouse"
)

// Warehouse implements warehouse.Warehouse for BigQuery.
type Warehouse struct {
	client  *bigquery.Client
	project string
	log     *zap.Logger
}

func init() {
	warehouse.Register("bigquery", Open)
}

// Open builds a BigQuery client.
//
// Credentials are taken from cfg.CredentialsJSON, then cfg.CredentialsFile,
// and otherwise from Application Default Credentials.
func Open(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, fmt.Errorf("bigquery: project id is required")
	}

	var opts []option.ClientOption
	switch {
	case len(cfg.CredentialsJSON) > 0:
		opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery: new client: %w", err)
	}
	if cfg.Location != "" {
		client.Location = cfg.Location
	}
	return &Warehouse{client: client, project: cfg.ProjectID, log: warehouse.LoggerOr(cfg.Logger)}, nil
}

func (w *Warehouse) Close() { _ = w.client.Close() }

func (w *Warehouse) table(t warehouse.TableRef) *bigquery.Table {
	return w.client.DatasetInProject(w.project, t.Dataset).Table(t.Table)
}

// ReplaceTable loads rows with WRITE_TRUNCATE, which swaps data and schema in
// one job. Load jobs reject an empty payload, so zero rows recreate the table
// explicitly.
func (w *Warehouse) ReplaceTable(ctx context.Context, table warehouse.TableRef, schema warehouse.Schema, rows [][]any) (int64, error) {
	if err := table.Validate(); err != nil {
		return 0, err
	}
	if err := warehouse.CheckRows(rows, len(schema)); err != nil {
		return 0, err
	}
	bqSchema := toBigQuerySchema(schema)

	if len(rows) == 0 {
		if err := w.table(table).Delete(ctx); err != nil && !isNotFound(err) {
			return 0, fmt.Errorf("bigquery: delete %s: %w", table, err)
		}
		if err := w.table(table).Create(ctx, &bigquery.TableMetadata{Schema: bqSchema}); err != nil {
			return 0, fmt.Errorf("bigquery: create %s: %w", table, err)
		}
		return 0, nil
	}

	payload, err := encodeNDJSON(schema, rows)
	if err != nil {
		return 0, err
	}

	src := bigquery.NewReaderSource(bytes.NewReader(payload))
	src.SourceFormat = bigquery.JSON
	src.Schema = bqSchema
	src.MaxBadRecords = 0

	loader := w.table(table).LoaderFrom(src)
	loader.WriteDisposition = bigquery.WriteTruncate
	loader.CreateDisposition = bigquery.CreateIfNeeded
	loader.JobIDConfig = bigquery.JobIDConfig{JobID: "adsync_stage", AddJobIDSuffix: true}

	job, err := loader.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("bigquery: load %s: %w", table, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("bigquery: load %s: %w", table, err)
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("bigquery: load %s: %w", table, err)
	}

	n := int64(len(rows))
	if status.Statistics != nil {
		if stats, ok := status.Statistics.Details.(*bigquery.LoadStatistics); ok && stats != nil {
			n = stats.OutputRows
		}
	}
	w.log.Debug("bigquery table replaced", zap.String("table", table.String()), zap.Int64("rows", n), zap.String("job_id", job.ID()))
	return n, nil
}

// TableExists probes metadata; a 404 is absence, anything else is an error.
func (w *Warehouse) TableExists(ctx context.Context, table warehouse.TableRef) (bool, error) {
	if _, err := w.table(table).Metadata(ctx); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (w *Warehouse) CreateTableAs(ctx context.Context, dst, src warehouse.TableRef) error {
	return w.exec(ctx, "adsync_create", buildCreateTableAsSQL(w.project, dst, src))
}

func (w *Warehouse) Merge(ctx context.Context, spec warehouse.MergeSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	return w.exec(ctx, "adsync_merge", buildMergeSQL(w.project, spec))
}

func (w *Warehouse) TableInfo(ctx context.Context, table warehouse.TableRef) (*warehouse.TableInfo, error) {
	md, err := w.table(table).Metadata(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &warehouse.TableInfo{
		Table:    table,
		NumRows:  int64(md.NumRows),
		NumBytes: md.NumBytes,
		Created:  md.CreationTime,
		Modified: md.LastModifiedTime,
	}, nil
}

type summaryRow struct {
	Date              string              `bigquery:"day"`
	CampaignGroupName bigquery.NullString `bigquery:"campaign_group_name"`
	CampaignName      bigquery.NullString `bigquery:"campaign_name"`
	NumAds            int64               `bigquery:"num_ads"`
	Impressions       int64               `bigquery:"impressions"`
	Clicks            int64               `bigquery:"clicks"`
	Cost              float64             `bigquery:"cost"`
}

func (w *Warehouse) QuerySummary(ctx context.Context, table warehouse.TableRef, limit int) ([]warehouse.SummaryRow, error) {
	q := w.client.Query(buildSummarySQL(w.project, table))
	q.Parameters = []bigquery.QueryParameter{{Name: "limit", Value: warehouse.SummaryLimit(limit)}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("bigquery: summary %s: %w", table, err)
	}

	var out []warehouse.SummaryRow
	for {
		var r summaryRow
		err := it.Next(&r)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, warehouse.SummaryRow{
			Date:              r.Date,
			CampaignGroupName: r.CampaignGroupName.StringVal,
			CampaignName:      r.CampaignName.StringVal,
			NumAds:            r.NumAds,
			Impressions:       r.Impressions,
			Clicks:            r.Clicks,
			CostCents:         r.Cost,
		})
	}
	return out, nil
}

func (w *Warehouse) exec(ctx context.Context, jobPrefix, sql string) error {
	q := w.client.Query(sql)
	q.JobIDConfig = bigquery.JobIDConfig{JobID: jobPrefix, AddJobIDSuffix: true}

	job, err := q.Run(ctx)
	if err != nil {
		return err
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return err
	}
	if err := status.Err(); err != nil {
		return err
	}
	w.log.Debug("bigquery job done", zap.String("job_id", job.ID()))
	return nil
}

func isNotFound(err error) bool {
	var gapiErr *googleapi.Error
	return errors.As(err, &gapiErr) && gapiErr.Code == http.StatusNotFound
}

func toBigQuerySchema(s warehouse.Schema) bigquery.Schema {
	out := make(bigquery.Schema, 0, len(s))
	for _, c := range s {
		out = append(out, &bigquery.FieldSchema{
			Name:     c.Name,
			Type:     fieldType(c.Type),
			Required: c.Required,
		})
	}
	return out
}

func fieldType(t warehouse.ColumnType) bigquery.FieldType {
	switch t {
	case warehouse.TypeDate:
		return bigquery.DateFieldType
	case warehouse.TypeInt64:
		return bigquery.IntegerFieldType
	case warehouse.TypeFloat64:
		return bigquery.FloatFieldType
	case warehouse.TypeTimestamp:
		return bigquery.TimestampFieldType
	default:
		return bigquery.StringFieldType
	}
}

// encodeNDJSON renders one JSON object per line. NULL columns are omitted,
// which BigQuery loads as NULL.
func encodeNDJSON(schema warehouse.Schema, rows [][]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, row := range rows {
		obj := make(map[string]any, len(schema))
		for j, c := range schema {
			v := row[j]
			if v == nil {
				continue
			}
			if ts, ok := v.(time.Time); ok {
				if c.Type == warehouse.TypeDate {
					v = ts.Format("2006-01-02")
				} else {
					v = ts.UTC().Format(time.RFC3339Nano)
				}
			}
			obj[c.Name] = v
		}
		if err := enc.Encode(obj); err != nil {
			return nil, fmt.Errorf("bigquery: encode row %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func tableID(project string, t warehouse.TableRef) string {
	return "`" + project + "." + t.Dataset + "." + t.Table + "`"
}

func bqIdent(name string) string { return "`" + name + "`" }

func buildCreateTableAsSQL(project string, dst, src warehouse.TableRef) string {
	return fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", tableID(project, dst), tableID(project, src))
}

func buildMergeSQL(project string, spec warehouse.MergeSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE %s AS target\nUSING %s AS source\nON ", tableID(project, spec.Target), tableID(project, spec.Source))
	for i, k := range spec.Key {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "target.%s = source.%s", bqIdent(k), bqIdent(k))
	}

	if upd := spec.UpdateColumns(); len(upd) > 0 {
		b.WriteString("\nWHEN MATCHED THEN UPDATE SET ")
		for i, c := range upd {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = source.%s", bqIdent(c), bqIdent(c))
		}
	}

	cols := make([]string, 0, len(spec.Columns))
	vals := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		cols = append(cols, bqIdent(c))
		vals = append(vals, "source."+bqIdent(c))
	}
	fmt.Fprintf(&b, "\nWHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)", strings.Join(cols, ", "), strings.Join(vals, ", "))
	return b.String()
}

func buildSummarySQL(project string, table warehouse.TableRef) string {
	return `SELECT FORMAT_DATE('%Y-%m-%d', date) AS day, campaign_group_name, campaign_name,
  COUNT(DISTINCT ad_id) AS num_ads,
  COALESCE(SUM(impressions), 0) AS impressions,
  COALESCE(SUM(clicks), 0) AS clicks,
  COALESCE(SUM(cost), 0) AS cost
FROM ` + tableID(project, table) + `
GROUP BY day, campaign_group_name, campaign_name
ORDER BY day DESC, cost DESC
LIMIT @limit`
}
