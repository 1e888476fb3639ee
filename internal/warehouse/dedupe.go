package warehouse

import (
	"fmt"
	"strings"
)

// DedupeRows keeps the first row for each key, preserving input order.
//
// Keyed upserts (MERGE in every dialect) fail or behave nondeterministically
// when one target row matches several source rows, so a staging load must not
// carry duplicate keys. The second return value is the number of rows dropped.
func DedupeRows(rows [][]any, columns, key []string) ([][]any, int, error) {
	pos := make(map[string]int, len(columns))
	for i, c := range columns {
		pos[c] = i
	}
	idx := make([]int, 0, len(key))
	for _, k := range key {
		i, ok := pos[k]
		if !ok {
			return nil, 0, fmt.Errorf("warehouse: dedupe column %q not present in columns", k)
		}
		idx = append(idx, i)
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	var b strings.Builder
	for _, r := range rows {
		b.Reset()
		for _, i := range idx {
			if i >= len(r) {
				return nil, 0, fmt.Errorf("warehouse: row has %d values, key column at %d", len(r), i)
			}
			fmt.Fprintf(&b, "%T:%v\x1f", r[i], r[i])
		}
		k := b.String()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out, len(rows) - len(out), nil
}
