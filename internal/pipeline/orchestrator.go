// Package pipeline sequences one StackAdapt → warehouse sync run:
// ping, list advertisers, fetch insights, flatten, stage, merge.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"adsync/internal/flatten"
	"adsync/internal/metrics"
	"adsync/internal/record"
	"adsync/internal/stackadapt"
	"adsync/internal/warehouse"
)

const (
	DefaultDataset          = "raw_ads"
	DefaultStagingTable     = "stackadapt_ads_temp"
	DefaultDestinationTable = "stackadapt_ads"
	DefaultDaysBack         = 30
)

// ErrInvalidOptions is returned by Run before any work is done.
var ErrInvalidOptions = errors.New("pipeline: invalid options")

// Outcome is how a successful run ended.
type Outcome string

const (
	OutcomeNoRecords  Outcome = "no_records"
	OutcomeMerged     Outcome = "merged"
	OutcomeStagedOnly Outcome = "staged_only"
)

// API is the StackAdapt surface a run needs. *stackadapt.Client satisfies it.
type API interface {
	Ping(ctx context.Context) error
	ListAdvertiserIDs(ctx context.Context) []string
	stackadapt.InsightsQuerier
}

// Tables is the fixed staging/destination pair.
type Tables struct {
	Staging     warehouse.TableRef
	Destination warehouse.TableRef
}

// DefaultTables returns the standard pair inside dataset.
func DefaultTables(dataset string) Tables {
	if dataset == "" {
		dataset = DefaultDataset
	}
	return Tables{
		Staging:     warehouse.TableRef{Dataset: dataset, Table: DefaultStagingTable},
		Destination: warehouse.TableRef{Dataset: dataset, Table: DefaultDestinationTable},
	}
}

// Deps are the orchestrator's collaborators. API and Warehouse are required.
type Deps struct {
	API       API
	Warehouse warehouse.Warehouse
	Tables    Tables

	// NewExtractor picks the extraction strategy for a run. Defaults to
	// stackadapt.NewExtractor over API with the default request delay.
	NewExtractor func(useBulk bool) stackadapt.Extractor

	Logger   *zap.Logger
	Now      func() time.Time
	NewRunID func() string
}

// Options select the window and extraction strategy of one run.
type Options struct {
	DaysBack int
	UseBulk  bool
}

type DateRange struct {
	From     string `json:"from"`
	To       string `json:"to"`
	DaysBack int    `json:"days_back"`
}

// Result describes a successful run.
type Result struct {
	RunID                string           `json:"run_id"`
	Status               string           `json:"status"`
	Outcome              Outcome          `json:"outcome"`
	Message              string           `json:"message"`
	RecordsSynced        int64            `json:"records_synced"`
	ExecutionTimeSeconds float64          `json:"execution_time_seconds"`
	Timestamp            time.Time        `json:"timestamp"`
	DateRange            DateRange        `json:"date_range"`
	Extraction           stackadapt.Stats `json:"extraction"`
	Totals               record.Totals    `json:"-"`
}

// Orchestrator runs syncs. It holds no per-run state; Run may be called
// repeatedly but not concurrently against the same staging table.
type Orchestrator struct {
	api          API
	wh           warehouse.Warehouse
	tables       Tables
	newExtractor func(useBulk bool) stackadapt.Extractor
	log          *zap.Logger
	now          func() time.Time
	newRunID     func() string
}

// New validates deps and fills defaults.
func New(d Deps) (*Orchestrator, error) {
	if d.API == nil {
		return nil, fmt.Errorf("pipeline: api is required")
	}
	if d.Warehouse == nil {
		return nil, fmt.Errorf("pipeline: warehouse is required")
	}
	if d.Tables == (Tables{}) {
		d.Tables = DefaultTables("")
	}
	if err := d.Tables.Staging.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: staging: %w", err)
	}
	if err := d.Tables.Destination.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: destination: %w", err)
	}
	if d.Tables.Staging == d.Tables.Destination {
		return nil, fmt.Errorf("pipeline: staging and destination are both %s", d.Tables.Staging)
	}

	o := &Orchestrator{
		api:          d.API,
		wh:           d.Warehouse,
		tables:       d.Tables,
		newExtractor: d.NewExtractor,
		log:          warehouse.LoggerOr(d.Logger),
		now:          d.Now,
		newRunID:     d.NewRunID,
	}
	if o.newExtractor == nil {
		api, log := d.API, o.log
		o.newExtractor = func(useBulk bool) stackadapt.Extractor {
			return stackadapt.NewExtractor(api, useBulk, stackadapt.DefaultRequestDelay, log)
		}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newRunID == nil {
		o.newRunID = uuid.NewString
	}
	return o, nil
}

// Window returns the [today-daysBack, today] range in now's location.
func Window(now time.Time, daysBack int) stackadapt.DateWindow {
	return stackadapt.DateWindow{
		From: now.AddDate(0, 0, -daysBack).Format(record.DateLayout),
		To:   now.Format(record.DateLayout),
	}
}

// Run executes one sync. Ping, extraction cancellation, flatten and stage
// failures are returned; a merge failure is not, it yields OutcomeStagedOnly.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Result, error) {
	start := o.now()
	res := Result{RunID: o.newRunID()}
	if opts.DaysBack < 0 {
		return res, fmt.Errorf("%w: days back must be >= 0, got %d", ErrInvalidOptions, opts.DaysBack)
	}

	window := Window(start, opts.DaysBack)
	res.DateRange = DateRange{From: window.From, To: window.To, DaysBack: opts.DaysBack}
	log := o.log.With(zap.String("run_id", res.RunID))
	log.Info("sync started",
		zap.String("from", window.From),
		zap.String("to", window.To),
		zap.Int("days_back", opts.DaysBack),
		zap.Bool("bulk", opts.UseBulk),
	)

	finish := func(outcome Outcome, synced int64) (Result, error) {
		end := o.now()
		res.Status = "success"
		res.Outcome = outcome
		res.RecordsSynced = synced
		res.ExecutionTimeSeconds = end.Sub(start).Seconds()
		res.Timestamp = end.UTC()
		res.Message = messageFor(outcome, synced)
		log.Info("sync finished",
			zap.String("outcome", string(outcome)),
			zap.Int64("records", synced),
			zap.Float64("seconds", res.ExecutionTimeSeconds),
		)
		return res, nil
	}

	if err := step("ping", func() error { return o.api.Ping(ctx) }); err != nil {
		return res, fmt.Errorf("stackadapt connection test: %w", err)
	}

	var ids []string
	_ = step("list_advertisers", func() error {
		ids = o.api.ListAdvertiserIDs(ctx)
		return nil
	})
	if len(ids) == 0 {
		log.Warn("no advertisers found")
		return finish(OutcomeNoRecords, 0)
	}
	log.Info("advertisers listed", zap.Int("advertisers", len(ids)))

	var ex stackadapt.Extraction
	err := step("fetch_insights", func() error {
		var err error
		ex, err = o.newExtractor(opts.UseBulk).FetchInsights(ctx, ids, window)
		return err
	})
	res.Extraction = ex.Stats
	if err != nil {
		return res, fmt.Errorf("fetch insights: %w", err)
	}
	if ex.Errors != nil {
		log.Warn("some insight requests failed", zap.Error(ex.Errors))
	}
	if len(ex.Responses) == 0 {
		log.Warn("no insight data retrieved",
			zap.Int("requested", ex.Stats.Requested),
			zap.Int("failed", ex.Stats.Failed),
			zap.Int("empty", ex.Stats.Empty),
		)
		return finish(OutcomeNoRecords, 0)
	}

	var recs []record.Performance
	if err := step("flatten", func() error {
		var err error
		recs, err = flatten.Flatten(ex.Responses)
		return err
	}); err != nil {
		return res, err
	}
	if len(recs) == 0 {
		return finish(OutcomeNoRecords, 0)
	}
	metrics.RecordRecords("extracted", len(recs))

	stager := &Stager{WH: o.wh, Table: o.tables.Staging, Now: o.now, Log: log}
	var staged int64
	if err := step("stage", func() error {
		var err error
		staged, err = stager.Stage(ctx, recs)
		return err
	}); err != nil {
		return res, err
	}
	metrics.RecordRecords("staged", int(staged))

	res.Totals = record.Sum(recs)
	logTotals(log, res.Totals)

	merger := &Merger{WH: o.wh, Log: log}
	merged := false
	_ = step("merge", func() error {
		merged = merger.Merge(ctx, o.tables.Staging, o.tables.Destination)
		if !merged {
			return errMergeFailed
		}
		return nil
	})
	if !merged {
		return finish(OutcomeStagedOnly, staged)
	}
	metrics.RecordRecords("merged", int(staged))
	return finish(OutcomeMerged, staged)
}

var errMergeFailed = errors.New("merge failed")

// step times fn and records it under name.
func step(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordStep(name, status, time.Since(start))
	return err
}

func messageFor(o Outcome, n int64) string {
	switch o {
	case OutcomeMerged:
		return fmt.Sprintf("Successfully synced %d records and merged to main table", n)
	case OutcomeStagedOnly:
		return fmt.Sprintf("Successfully synced %d records to temp table", n)
	default:
		return "No records found to sync"
	}
}

func logTotals(log *zap.Logger, t record.Totals) {
	p := message.NewPrinter(language.English)
	log.Info("staged totals",
		zap.String("cost", p.Sprintf("%.0f cents ($%.2f)", t.CostCents, t.CostDollars())),
		zap.String("impressions", p.Sprintf("%d", t.Impressions)),
		zap.String("clicks", p.Sprintf("%d", t.Clicks)),
		zap.String("conversions", p.Sprintf("%d", t.Conversions)),
	)
}

// Summary aggregates table per date, campaign group and campaign, most
// recent and most expensive first. A zero table means the destination.
func (o *Orchestrator) Summary(ctx context.Context, table warehouse.TableRef, limit int) ([]warehouse.SummaryRow, error) {
	if table == (warehouse.TableRef{}) {
		table = o.tables.Destination
	}
	rows, err := o.wh.QuerySummary(ctx, table, limit)
	if err != nil {
		return nil, fmt.Errorf("summary %s: %w", table, err)
	}
	return rows, nil
}

// TableInfo reports row count and timestamps for table, nil if absent.
// A zero table means the destination.
func (o *Orchestrator) TableInfo(ctx context.Context, table warehouse.TableRef) (*warehouse.TableInfo, error) {
	if table == (warehouse.TableRef{}) {
		table = o.tables.Destination
	}
	return o.wh.TableInfo(ctx, table)
}

// Tables returns the staging/destination pair this orchestrator writes.
func (o *Orchestrator) Tables() Tables { return o.tables }
