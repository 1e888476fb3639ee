package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"adsync/internal/record"
	"adsync/internal/warehouse"
)

// Stager replaces the staging table with one run's records.
type Stager struct {
	WH    warehouse.Warehouse
	Table warehouse.TableRef
	Now   func() time.Time
	Log   *zap.Logger
}

// Stage stamps provenance on recs and replaces the staging table with them.
// Repeated (ad_id, date) keys keep their first occurrence so the merge source
// is unique. It returns the number of rows loaded.
func (s *Stager) Stage(ctx context.Context, recs []record.Performance) (int64, error) {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	log := warehouse.LoggerOr(s.Log).With(zap.String("table", s.Table.String()))
	schema := record.Schema()

	rows := record.Rows(record.Stamp(recs, now()))
	rows, dropped, err := warehouse.DedupeRows(rows, schema.Names(), record.Key)
	if err != nil {
		return 0, fmt.Errorf("stage: %w", err)
	}
	if dropped > 0 {
		log.Warn("duplicate (ad_id, date) records dropped before staging", zap.Int("dropped", dropped))
	}

	n, err := s.WH.ReplaceTable(ctx, s.Table, schema, rows)
	if err != nil {
		return 0, fmt.Errorf("stage %s: %w", s.Table, err)
	}
	log.Info("staging table replaced", zap.Int64("records", n))
	return n, nil
}
