// Package warehousetest provides an in-memory warehouse.Warehouse for tests
// that need to observe or break individual warehouse calls.
package warehousetest

import (
	"context"
	"fmt"
	"sync"

	"adsync/internal/warehouse"
)

// Fake keeps tables as row slices keyed by TableRef.String().
//
// Set any *Err field to make the corresponding call fail. Calls records the
// method names in order.
type Fake struct {
	mu     sync.Mutex
	tables map[string]*table

	ReplaceErr     error
	ExistsErr      error
	CreateAsErr    error
	MergeErr       error
	InfoErr        error
	SummaryErr     error
	SummaryRows    []warehouse.SummaryRow
	Calls          []string
	LastMerge      warehouse.MergeSpec
	LastReplaceRef warehouse.TableRef
	Closed         bool
}

type table struct {
	cols []string
	rows [][]any
}

// New returns an empty Fake.
func New() *Fake { return &Fake{tables: map[string]*table{}} }

func (f *Fake) record(name string) {
	f.Calls = append(f.Calls, name)
}

func (f *Fake) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Close")
	f.Closed = true
}

func (f *Fake) ReplaceTable(ctx context.Context, ref warehouse.TableRef, schema warehouse.Schema, rows [][]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ReplaceTable")
	f.LastReplaceRef = ref
	if f.ReplaceErr != nil {
		return 0, f.ReplaceErr
	}
	if err := warehouse.CheckRows(rows, len(schema)); err != nil {
		return 0, err
	}
	cp := make([][]any, len(rows))
	for i, r := range rows {
		cp[i] = append([]any(nil), r...)
	}
	f.tables[ref.String()] = &table{cols: schema.Names(), rows: cp}
	return int64(len(rows)), nil
}

func (f *Fake) TableExists(ctx context.Context, ref warehouse.TableRef) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("TableExists")
	if f.ExistsErr != nil {
		return false, f.ExistsErr
	}
	_, ok := f.tables[ref.String()]
	return ok, nil
}

func (f *Fake) CreateTableAs(ctx context.Context, dst, src warehouse.TableRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateTableAs")
	if f.CreateAsErr != nil {
		return f.CreateAsErr
	}
	s, ok := f.tables[src.String()]
	if !ok {
		return fmt.Errorf("fake: source table %s not found", src)
	}
	if _, exists := f.tables[dst.String()]; exists {
		return fmt.Errorf("fake: table %s already exists", dst)
	}
	cp := &table{cols: append([]string(nil), s.cols...)}
	for _, r := range s.rows {
		cp.rows = append(cp.rows, append([]any(nil), r...))
	}
	f.tables[dst.String()] = cp
	return nil
}

func (f *Fake) Merge(ctx context.Context, spec warehouse.MergeSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Merge")
	f.LastMerge = spec
	if f.MergeErr != nil {
		return f.MergeErr
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	tgt, ok := f.tables[spec.Target.String()]
	if !ok {
		return fmt.Errorf("fake: target table %s not found", spec.Target)
	}
	src, ok := f.tables[spec.Source.String()]
	if !ok {
		return fmt.Errorf("fake: source table %s not found", spec.Source)
	}

	tIdx, sIdx := index(tgt.cols), index(src.cols)
	keyOf := func(row []any, idx map[string]int) string {
		k := ""
		for _, c := range spec.Key {
			k += fmt.Sprintf("%v|", row[idx[c]])
		}
		return k
	}
	existing := make(map[string]int, len(tgt.rows))
	for i, r := range tgt.rows {
		existing[keyOf(r, tIdx)] = i
	}
	for _, r := range src.rows {
		if i, ok := existing[keyOf(r, sIdx)]; ok {
			for _, c := range spec.UpdateColumns() {
				tgt.rows[i][tIdx[c]] = r[sIdx[c]]
			}
			continue
		}
		out := make([]any, len(tgt.cols))
		for _, c := range spec.Columns {
			out[tIdx[c]] = r[sIdx[c]]
		}
		tgt.rows = append(tgt.rows, out)
		existing[keyOf(out, tIdx)] = len(tgt.rows) - 1
	}
	return nil
}

func (f *Fake) TableInfo(ctx context.Context, ref warehouse.TableRef) (*warehouse.TableInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("TableInfo")
	if f.InfoErr != nil {
		return nil, f.InfoErr
	}
	t, ok := f.tables[ref.String()]
	if !ok {
		return nil, nil
	}
	return &warehouse.TableInfo{Table: ref, NumRows: int64(len(t.rows))}, nil
}

func (f *Fake) QuerySummary(ctx context.Context, ref warehouse.TableRef, limit int) ([]warehouse.SummaryRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("QuerySummary")
	if f.SummaryErr != nil {
		return nil, f.SummaryErr
	}
	if _, ok := f.tables[ref.String()]; !ok {
		return nil, fmt.Errorf("fake: table %s not found", ref)
	}
	out := f.SummaryRows
	if n := warehouse.SummaryLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Rows returns a copy of the rows in ref, or nil if it does not exist.
func (f *Fake) Rows(ref warehouse.TableRef) [][]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[ref.String()]
	if !ok {
		return nil
	}
	out := make([][]any, len(t.rows))
	for i, r := range t.rows {
		out[i] = append([]any(nil), r...)
	}
	return out
}

// Columns returns the column names of ref.
func (f *Fake) Columns(ref warehouse.TableRef) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tables[ref.String()]; ok {
		return append([]string(nil), t.cols...)
	}
	return nil
}

func index(cols []string) map[string]int {
	m := make(map[string]int, len(cols))
	for i, c := range cols {
		m[c] = i
	}
	return m
}
