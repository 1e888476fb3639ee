package stackadapt

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// DefaultRequestDelay separates consecutive per-advertiser requests.
const DefaultRequestDelay = time.Second

// InsightsQuerier is the part of Client the extractors need.
type InsightsQuerier interface {
	QueryInsights(ctx context.Context, ids []string, window DateWindow) (*InsightsResponse, error)
}

// Pacer blocks between consecutive requests.
type Pacer interface {
	Wait(ctx context.Context) error
}

// DelayPacer sleeps a full Delay on every Wait, measured from the call, so
// the gap after a slow request is never shortened. A non-positive Delay
// never blocks.
type DelayPacer struct {
	Delay time.Duration
}

func (p DelayPacer) Wait(ctx context.Context) error {
	if p.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NewPacer returns a Pacer that waits delay after each completed request.
func NewPacer(delay time.Duration) Pacer {
	return DelayPacer{Delay: delay}
}

// Stats counts extraction outcomes. Requested = Failed + Empty + WithData.
type Stats struct {
	Requested int `json:"requested"`
	Failed    int `json:"failed"`
	Empty     int `json:"empty"`
	WithData  int `json:"with_data"`
}

// Extraction is the result of one FetchInsights call. Responses holds only
// responses that passed HasDataRecords, in request order. Errors aggregates
// the failures that were skipped.
type Extraction struct {
	Responses []*InsightsResponse
	Stats     Stats
	Errors    error
}

// Extractor fetches insights for a set of advertisers. The only error it
// returns is context cancellation; per-request failures are recorded in the
// Extraction.
type Extractor interface {
	FetchInsights(ctx context.Context, ids []string, window DateWindow) (Extraction, error)
}

// NewExtractor picks the bulk or sequential strategy.
func NewExtractor(q InsightsQuerier, useBulk bool, delay time.Duration, log *zap.Logger) Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	if useBulk {
		return &BulkExtractor{Client: q, Log: log}
	}
	return &SequentialExtractor{Client: q, Delay: delay, Log: log}
}

// BulkExtractor issues one request for every advertiser.
type BulkExtractor struct {
	Client InsightsQuerier
	Log    *zap.Logger
}

func (e *BulkExtractor) FetchInsights(ctx context.Context, ids []string, window DateWindow) (Extraction, error) {
	var ex Extraction
	if len(ids) == 0 {
		return ex, nil
	}
	log := loggerOr(e.Log).With(zap.Int("advertisers", len(ids)))

	ex.Stats.Requested = 1
	resp, err := e.Client.QueryInsights(ctx, ids, window)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ex, ctxErr
		}
		log.Warn("bulk insights request failed", zap.Error(err))
		ex.Stats.Failed = 1
		ex.Errors = multierror.Append(ex.Errors, fmt.Errorf("bulk (%d advertisers): %w", len(ids), err))
		return ex, nil
	}
	if !HasDataRecords(resp) {
		logEmpty(log, resp)
		ex.Stats.Empty = 1
		return ex, nil
	}
	ex.Stats.WithData = 1
	ex.Responses = []*InsightsResponse{resp}
	log.Info("bulk insights fetched", zap.Int("records", len(resp.Data.CampaignGroupInsight.Records.Edges)))
	return ex, nil
}

// SequentialExtractor issues one request per advertiser, in input order,
// waiting on Pacer between consecutive requests. A nil Pacer is built from
// Delay on each call.
type SequentialExtractor struct {
	Client InsightsQuerier
	Pacer  Pacer
	Delay  time.Duration
	Log    *zap.Logger
}

func (e *SequentialExtractor) FetchInsights(ctx context.Context, ids []string, window DateWindow) (Extraction, error) {
	var ex Extraction
	log := loggerOr(e.Log)
	pacer := e.Pacer
	if pacer == nil {
		pacer = NewPacer(e.Delay)
	}

	for i, id := range ids {
		if i > 0 {
			if err := pacer.Wait(ctx); err != nil {
				return ex, fmt.Errorf("stackadapt: pacing: %w", err)
			}
		}
		alog := log.With(zap.String("advertiser_id", id), zap.Int("index", i+1), zap.Int("of", len(ids)))

		ex.Stats.Requested++
		resp, err := e.Client.QueryInsights(ctx, []string{id}, window)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ex, ctxErr
			}
			alog.Warn("insights request failed; skipping advertiser", zap.Error(err))
			ex.Stats.Failed++
			ex.Errors = multierror.Append(ex.Errors, fmt.Errorf("advertiser %s: %w", id, err))
			continue
		}
		if !HasDataRecords(resp) {
			logEmpty(alog, resp)
			ex.Stats.Empty++
			continue
		}
		ex.Stats.WithData++
		ex.Responses = append(ex.Responses, resp)
		alog.Debug("insights fetched", zap.Int("records", len(resp.Data.CampaignGroupInsight.Records.Edges)))
	}
	return ex, nil
}

func logEmpty(log *zap.Logger, resp *InsightsResponse) {
	if resp != nil && len(resp.Errors) > 0 {
		log.Warn("insights response has no records", zap.Error(resp.Errors))
		return
	}
	log.Info("insights response has no records")
}

func loggerOr(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
