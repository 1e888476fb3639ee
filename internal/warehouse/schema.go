package warehouse

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ColumnType is a backend-neutral logical column type.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeDate
	TypeInt64
	TypeFloat64
	TypeTimestamp
)

func (t ColumnType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeDate:
		return "date"
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("ColumnType(%d)", int(t))
	}
}

// ColumnSpec describes one column. Required columns are NOT NULL where the
// backend can express it.
type ColumnSpec struct {
	Name     string
	Type     ColumnType
	Required bool
}

// Schema is an ordered column list; rows passed to ReplaceTable follow it.
type Schema []ColumnSpec

// Names returns the column names in order.
func (s Schema) Names() []string {
	out := make([]string, 0, len(s))
	for _, c := range s {
		out = append(out, c.Name)
	}
	return out
}

// TableRef names a table as {dataset}.{table}. Backends decide how a dataset
// maps onto their namespace (BigQuery dataset, SQL schema, SQLite prefix).
type TableRef struct {
	Dataset string
	Table   string
}

func (t TableRef) String() string {
	if t.Dataset == "" {
		return t.Table
	}
	return t.Dataset + "." + t.Table
}

// Validate rejects empty table names.
func (t TableRef) Validate() error {
	if strings.TrimSpace(t.Table) == "" {
		return fmt.Errorf("warehouse: table name is empty")
	}
	return nil
}

// MergeSpec describes a keyed upsert of Source into Target.
//
// Matched rows get every non-key column overwritten from Source (NULLs
// included). Unmatched Source rows are inserted with all Columns. Target rows
// without a Source counterpart are untouched.
type MergeSpec struct {
	Target  TableRef
	Source  TableRef
	Key     []string
	Columns []string
}

// Validate checks that the key is non-empty and contained in Columns.
func (m MergeSpec) Validate() error {
	if err := m.Target.Validate(); err != nil {
		return fmt.Errorf("%w: target: %v", ErrInvalidMerge, err)
	}
	if err := m.Source.Validate(); err != nil {
		return fmt.Errorf("%w: source: %v", ErrInvalidMerge, err)
	}
	if len(m.Key) == 0 {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidMerge)
	}
	if len(m.Columns) == 0 {
		return fmt.Errorf("%w: columns must not be empty", ErrInvalidMerge)
	}
	have := make(map[string]bool, len(m.Columns))
	for _, c := range m.Columns {
		have[c] = true
	}
	for _, k := range m.Key {
		if !have[k] {
			return fmt.Errorf("%w: key column %q not in columns", ErrInvalidMerge, k)
		}
	}
	return nil
}

// UpdateColumns returns Columns minus the key columns, in order.
func (m MergeSpec) UpdateColumns() []string {
	key := make(map[string]bool, len(m.Key))
	for _, k := range m.Key {
		key[k] = true
	}
	out := make([]string, 0, len(m.Columns))
	for _, c := range m.Columns {
		if !key[c] {
			out = append(out, c)
		}
	}
	return out
}

// TableInfo is what a metadata lookup can tell about a table. Zero times mean
// the backend does not track them.
type TableInfo struct {
	Table    TableRef
	NumRows  int64
	NumBytes int64
	Created  time.Time
	Modified time.Time
}

// SummaryRow is one line of the performance summary report. Cost is reported
// in cents as stored; dollar figures are derived here and nowhere else.
type SummaryRow struct {
	Date              string
	CampaignGroupName string
	CampaignName      string
	NumAds            int64
	Impressions       int64
	Clicks            int64
	CostCents         float64
}

// CostDollars is the cost rescaled for reporting.
func (r SummaryRow) CostDollars() float64 { return r.CostCents / 100 }

// CTR is clicks per impression, 0 when there were no impressions.
func (r SummaryRow) CTR() float64 {
	if r.Impressions == 0 {
		return 0
	}
	return float64(r.Clicks) / float64(r.Impressions)
}

// CPCDollars is cost per click in dollars, 0 when there were no clicks.
func (r SummaryRow) CPCDollars() float64 {
	if r.Clicks == 0 {
		return 0
	}
	return r.CostCents / float64(r.Clicks) / 100
}

// CPMDollars is cost per thousand impressions in dollars.
func (r SummaryRow) CPMDollars() float64 {
	if r.Impressions == 0 {
		return 0
	}
	return r.CostCents / float64(r.Impressions) * 10
}

// DefaultSummaryLimit caps the summary report when callers pass limit <= 0.
const DefaultSummaryLimit = 20

// SummaryLimit normalizes a caller-supplied limit.
func SummaryLimit(limit int) int {
	if limit <= 0 {
		return DefaultSummaryLimit
	}
	return limit
}

// Chunk splits rows so that no chunk carries more than maxParams bind
// parameters. Used by backends that load with multi-row INSERT.
func Chunk(rows [][]any, width, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	per := 1
	if width > 0 && maxParams > width {
		per = maxParams / width
	}
	out := make([][][]any, 0, (len(rows)+per-1)/per)
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}

// CheckRows verifies every row has exactly width values.
func CheckRows(rows [][]any, width int) error {
	for i, r := range rows {
		if len(r) != width {
			return fmt.Errorf("warehouse: row %d has %d values, schema has %d columns", i, len(r), width)
		}
	}
	return nil
}

func sortStrings(s []string) { sort.Strings(s) }
