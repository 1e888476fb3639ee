package pipeline

import (
	"context"

	"go.uber.org/zap"

	"adsync/internal/record"
	"adsync/internal/warehouse"
)

// Merger folds the staging table into the destination.
type Merger struct {
	WH  warehouse.Warehouse
	Log *zap.Logger
}

// Merge creates destination as a snapshot of staging when it does not exist,
// and otherwise upserts staging into it on (ad_id, date). Failures are logged
// and reported as false; staging is left as loaded.
func (m *Merger) Merge(ctx context.Context, staging, destination warehouse.TableRef) bool {
	log := warehouse.LoggerOr(m.Log).With(
		zap.String("staging", staging.String()),
		zap.String("table", destination.String()),
	)

	exists, err := m.WH.TableExists(ctx, destination)
	if err != nil {
		log.Error("destination existence check failed", zap.Error(err))
		return false
	}

	if !exists {
		if err := m.WH.CreateTableAs(ctx, destination, staging); err != nil {
			log.Error("create destination from staging failed", zap.Error(err))
			return false
		}
		log.Info("destination created from staging")
		return true
	}

	spec := warehouse.MergeSpec{
		Target:  destination,
		Source:  staging,
		Key:     record.Key,
		Columns: record.Schema().Names(),
	}
	if err := m.WH.Merge(ctx, spec); err != nil {
		log.Error("merge into destination failed", zap.Error(err))
		return false
	}
	log.Info("staging merged into destination")
	return true
}
