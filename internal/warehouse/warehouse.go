package warehouse

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrInvalidMerge is returned when a MergeSpec cannot describe a keyed upsert.
var ErrInvalidMerge = errors.New("warehouse: invalid merge spec")

// Config is the minimal configuration needed to open a warehouse backend.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is used by the SQL backends; BigQuery ignores it.
//   - ProjectID, Location and credentials are used by BigQuery only.
type Config struct {
	Kind string
	DSN  string

	ProjectID       string
	Location        string
	CredentialsJSON []byte
	CredentialsFile string

	// Logger is optional; backends fall back to a nop logger.
	Logger *zap.Logger
}

// Warehouse is the storage surface the sync pipeline needs.
//
// Staging loads replace; the destination is either snapshotted from staging or
// upserted from it. Each backend implements these in its own dialect (BigQuery MERGE, Postgres MERGE, T-SQL MERGE, SQLite
// UPDATE ... FROM + INSERT ... WHERE NOT EXISTS).
type Warehouse interface {
	// Close releases backend resources. Call once.
	Close()

	// ReplaceTable drops and recreates table with schema and loads rows into it.
	// With zero rows the table still ends up existing and empty.
	ReplaceTable(ctx context.Context, table TableRef, schema Schema, rows [][]any) (int64, error)

	// TableExists reports whether table exists. Absence is (false, nil).
	TableExists(ctx context.Context, table TableRef) (bool, error)

	// CreateTableAs materializes dst as a copy of src (schema and data).
	CreateTableAs(ctx context.Context, dst, src TableRef) error

	// Merge upserts spec.Source into spec.Target keyed on spec.Key.
	Merge(ctx context.Context, spec MergeSpec) error

	// TableInfo returns row count and timestamps for table, or (nil, nil) when
	// the table does not exist.
	TableInfo(ctx context.Context, table TableRef) (*TableInfo, error)

	// QuerySummary aggregates performance rows per date, campaign group and campaign.
	QuerySummary(ctx context.Context, table TableRef, limit int) ([]SummaryRow, error)
}

// Factory opens a backend for cfg.
type Factory func(ctx context.Context, cfg Config) (Warehouse, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "bigquery", "sqlite").
//
// Call it from an init() function in the backend package. Registering the same
// kind twice panics so backend selection is never ambiguous.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("warehouse: Register called with empty kind")
	}
	if f == nil {
		panic("warehouse: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("warehouse: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New opens the backend registered for cfg.Kind.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Warehouse, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("warehouse: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported warehouse.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sortStrings(out)
	return out
}

// Registered reports whether kind has a factory.
func Registered(kind string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := factories[kind]
	return ok
}

// LoggerOr returns l, or a nop logger when l is nil.
func LoggerOr(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
