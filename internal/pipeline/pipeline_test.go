package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"adsync/internal/flatten"
	"adsync/internal/record"
	"adsync/internal/stackadapt"
	"adsync/internal/warehouse"
	"adsync/internal/warehouse/warehousetest"
)

var clock = time.Date(2026, 3, 31, 9, 30, 0, 0, time.UTC)

// fakeAPI serves canned insights per advertiser id.
type fakeAPI struct {
	mu       sync.Mutex
	pingErr  error
	ids      []string
	byID     map[string]*stackadapt.InsightsResponse
	errByID  map[string]error
	queries  [][]string
	windows  []stackadapt.DateWindow
	pingHits int
}

func (f *fakeAPI) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingHits++
	return f.pingErr
}

func (f *fakeAPI) ListAdvertiserIDs(ctx context.Context) []string { return f.ids }

func (f *fakeAPI) QueryInsights(ctx context.Context, ids []string, w stackadapt.DateWindow) (*stackadapt.InsightsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, ids)
	f.windows = append(f.windows, w)

	var edges []stackadapt.InsightEdge
	for _, id := range ids {
		if err := f.errByID[id]; err != nil {
			return nil, err
		}
		if r := f.byID[id]; stackadapt.HasDataRecords(r) {
			edges = append(edges, r.Data.CampaignGroupInsight.Records.Edges...)
		}
	}
	return response(edges...), nil
}

func response(edges ...stackadapt.InsightEdge) *stackadapt.InsightsResponse {
	return &stackadapt.InsightsResponse{Data: &stackadapt.InsightsData{
		CampaignGroupInsight: &stackadapt.CampaignGroupInsight{Records: &stackadapt.Records{Edges: edges}},
	}}
}

func edge(adID, date string, clicks, cost float64) stackadapt.InsightEdge {
	return stackadapt.InsightEdge{Node: &stackadapt.InsightNode{
		Attributes: &stackadapt.Attributes{
			Date: stackadapt.Set(date),
			Ad: &stackadapt.Ad{
				ID:   stackadapt.Set(adID),
				Name: stackadapt.Set("Ad " + adID),
				Campaign: &stackadapt.Campaign{
					ID:       stackadapt.Set("c-" + adID),
					Name:     stackadapt.Set("Campaign " + adID),
					GoalType: stackadapt.Set("CPC"),
					CampaignGroup: &stackadapt.CampaignGroup{
						ID:   stackadapt.Set("g-1"),
						Name: stackadapt.Set("Brand"),
					},
				},
			},
		},
		Metrics: &stackadapt.Metrics{
			Clicks:      stackadapt.MetricOf(clicks),
			Impressions: stackadapt.MetricOf(clicks * 100),
			Cost:        stackadapt.MetricOf(cost),
		},
	}}
}

// twoAdvertisers is A with two days of data and B with none.
func twoAdvertisers() *fakeAPI {
	return &fakeAPI{
		ids: []string{"A", "B"},
		byID: map[string]*stackadapt.InsightsResponse{
			"A": response(edge("ad-1", "2026-03-30", 10, 1500), edge("ad-1", "2026-03-31", 5, 250.5)),
			"B": response(),
		},
	}
}

func newOrchestrator(t *testing.T, api *fakeAPI, wh warehouse.Warehouse) *Orchestrator {
	t.Helper()
	o, err := New(Deps{
		API:       api,
		Warehouse: wh,
		Tables:    DefaultTables("raw_ads"),
		NewExtractor: func(useBulk bool) stackadapt.Extractor {
			return stackadapt.NewExtractor(api, useBulk, 0, zaptest.NewLogger(t))
		},
		Logger:   zaptest.NewLogger(t),
		Now:      func() time.Time { return clock },
		NewRunID: func() string { return "run-1" },
	})
	require.NoError(t, err)
	return o
}

func TestRun_FirstSyncCreatesDestination(t *testing.T) {
	t.Parallel()

	api := twoAdvertisers()
	wh := warehousetest.New()
	o := newOrchestrator(t, api, wh)

	res, err := o.Run(context.Background(), Options{DaysBack: 7, UseBulk: false})
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, int64(2), res.RecordsSynced)
	assert.Equal(t, "Successfully synced 2 records and merged to main table", res.Message)
	assert.Equal(t, DateRange{From: "2026-03-24", To: "2026-03-31", DaysBack: 7}, res.DateRange)
	assert.Equal(t, stackadapt.Stats{Requested: 2, Empty: 1, WithData: 1}, res.Extraction)
	assert.Equal(t, 1750.5, res.Totals.CostCents)
	assert.Equal(t, clock, res.Timestamp)

	assert.Equal(t, [][]string{{"A"}, {"B"}}, api.queries)
	assert.Equal(t, stackadapt.DateWindow{From: "2026-03-24", To: "2026-03-31"}, api.windows[0])
	assert.Equal(t, []string{"ReplaceTable", "TableExists", "CreateTableAs"}, wh.Calls)

	tables := DefaultTables("raw_ads")
	assert.Len(t, wh.Rows(tables.Destination), 2)
	assert.Equal(t, wh.Rows(tables.Staging), wh.Rows(tables.Destination))
}

func TestRun_SecondSyncMerges(t *testing.T) {
	t.Parallel()

	api := twoAdvertisers()
	wh := warehousetest.New()
	o := newOrchestrator(t, api, wh)

	first, err := o.Run(context.Background(), Options{DaysBack: 1, UseBulk: true})
	require.NoError(t, err)
	second, err := o.Run(context.Background(), Options{DaysBack: 1, UseBulk: true})
	require.NoError(t, err)

	assert.Equal(t, first.RecordsSynced, second.RecordsSynced)
	assert.Equal(t, OutcomeMerged, second.Outcome)
	assert.Equal(t, "Merge", wh.Calls[len(wh.Calls)-1])
	assert.Equal(t, record.Key, wh.LastMerge.Key)
	assert.Equal(t, record.Schema().Names(), wh.LastMerge.Columns)
	assert.Len(t, wh.Rows(DefaultTables("raw_ads").Destination), 2)
	assert.Equal(t, [][]string{{"A", "B"}, {"A", "B"}}, api.queries, "bulk sends every id at once")
}

func TestRun_NoAdvertisers(t *testing.T) {
	t.Parallel()

	wh := warehousetest.New()
	o := newOrchestrator(t, &fakeAPI{}, wh)

	res, err := o.Run(context.Background(), Options{DaysBack: 30})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoRecords, res.Outcome)
	assert.Equal(t, int64(0), res.RecordsSynced)
	assert.Empty(t, wh.Calls)
}

func TestRun_AllEmptyOrFailedIsNoRecords(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		ids:     []string{"A", "B"},
		byID:    map[string]*stackadapt.InsightsResponse{"A": response()},
		errByID: map[string]error{"B": &stackadapt.HTTPError{StatusCode: 502}},
	}
	wh := warehousetest.New()
	o := newOrchestrator(t, api, wh)

	res, err := o.Run(context.Background(), Options{DaysBack: 30})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoRecords, res.Outcome)
	assert.Equal(t, stackadapt.Stats{Requested: 2, Failed: 1, Empty: 1}, res.Extraction)
	assert.Empty(t, wh.Calls)
}

func TestRun_BulkFailureIsNoRecords(t *testing.T) {
	t.Parallel()

	api := twoAdvertisers()
	api.errByID = map[string]error{"A": errors.New("timeout")}
	wh := warehousetest.New()
	o := newOrchestrator(t, api, wh)

	res, err := o.Run(context.Background(), Options{DaysBack: 30, UseBulk: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoRecords, res.Outcome)
	assert.Equal(t, 1, res.Extraction.Failed)
}

func TestRun_PingFailureIsFatal(t *testing.T) {
	t.Parallel()

	api := twoAdvertisers()
	api.pingErr = &stackadapt.HTTPError{StatusCode: 401, Body: "unauthorized"}
	wh := warehousetest.New()
	o := newOrchestrator(t, api, wh)

	_, err := o.Run(context.Background(), Options{DaysBack: 30})
	var httpErr *stackadapt.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Empty(t, api.queries)
	assert.Empty(t, wh.Calls)
}

func TestRun_StructuralErrorIsFatal(t *testing.T) {
	t.Parallel()

	bad := edge("ad-9", "2026-03-30", 1, 1)
	bad.Node.Attributes.Ad.Campaign = nil
	api := &fakeAPI{ids: []string{"A"}, byID: map[string]*stackadapt.InsightsResponse{"A": response(bad)}}
	wh := warehousetest.New()
	o := newOrchestrator(t, api, wh)

	_, err := o.Run(context.Background(), Options{DaysBack: 30})
	assert.ErrorIs(t, err, flatten.ErrStructural)
	assert.Empty(t, wh.Calls)
}

func TestRun_StageFailureIsFatal(t *testing.T) {
	t.Parallel()

	wh := warehousetest.New()
	wh.ReplaceErr = errors.New("quota exceeded")
	o := newOrchestrator(t, twoAdvertisers(), wh)

	_, err := o.Run(context.Background(), Options{DaysBack: 30})
	assert.ErrorIs(t, err, wh.ReplaceErr)
	assert.Equal(t, []string{"ReplaceTable"}, wh.Calls)
}

func TestRun_MergeFailureIsStagedOnly(t *testing.T) {
	t.Parallel()

	for _, breakIt := range []func(*warehousetest.Fake){
		func(f *warehousetest.Fake) { f.ExistsErr = errors.New("metadata 500") },
		func(f *warehousetest.Fake) { f.CreateAsErr = errors.New("ctas denied") },
	} {
		wh := warehousetest.New()
		breakIt(wh)
		o := newOrchestrator(t, twoAdvertisers(), wh)

		res, err := o.Run(context.Background(), Options{DaysBack: 30})
		require.NoError(t, err)
		assert.Equal(t, OutcomeStagedOnly, res.Outcome)
		assert.Equal(t, int64(2), res.RecordsSynced)
		assert.Equal(t, "Successfully synced 2 records to temp table", res.Message)
	}
}

func TestRun_NegativeDaysBack(t *testing.T) {
	t.Parallel()

	api := twoAdvertisers()
	o := newOrchestrator(t, api, warehousetest.New())

	_, err := o.Run(context.Background(), Options{DaysBack: -1})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	assert.Zero(t, api.pingHits)
}

func TestWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		now      time.Time
		daysBack int
		want     stackadapt.DateWindow
	}{
		{now: clock, daysBack: 0, want: stackadapt.DateWindow{From: "2026-03-31", To: "2026-03-31"}},
		{now: clock, daysBack: 30, want: stackadapt.DateWindow{From: "2026-03-01", To: "2026-03-31"}},
		{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), daysBack: 1, want: stackadapt.DateWindow{From: "2024-02-29", To: "2024-03-01"}},
	}
	for _, tt := range tests {
		if got := Window(tt.now, tt.daysBack); got != tt.want {
			t.Fatalf("Window(%s, %d)=%+v, want %+v", tt.now, tt.daysBack, got, tt.want)
		}
	}
}

func TestNew_ValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{Warehouse: warehousetest.New()})
	assert.Error(t, err)
	_, err = New(Deps{API: &fakeAPI{}})
	assert.Error(t, err)

	same := warehouse.TableRef{Dataset: "d", Table: "t"}
	_, err = New(Deps{API: &fakeAPI{}, Warehouse: warehousetest.New(), Tables: Tables{Staging: same, Destination: same}})
	assert.Error(t, err)

	o, err := New(Deps{API: &fakeAPI{}, Warehouse: warehousetest.New()})
	require.NoError(t, err)
	assert.Equal(t, DefaultTables(DefaultDataset), o.Tables())
}

func TestStager_StampsAndDedupes(t *testing.T) {
	t.Parallel()

	wh := warehousetest.New()
	table := warehouse.TableRef{Dataset: "raw_ads", Table: "staging"}
	s := &Stager{WH: wh, Table: table, Now: func() time.Time { return clock.In(time.FixedZone("X", 3600)) }}

	day := time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC)
	one, two := int64(1), int64(2)
	recs := []record.Performance{
		{AdID: "ad-1", Date: day, Clicks: &one},
		{AdID: "ad-1", Date: day, Clicks: &two},
		{AdID: "ad-2", Date: day},
	}

	n, err := s.Stage(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows := wh.Rows(table)
	require.Len(t, rows, 2)
	cols := wh.Columns(table)
	idx := map[string]int{}
	for i, c := range cols {
		idx[c] = i
	}
	assert.Equal(t, int64(1), rows[0][idx[record.ColClicks]], "first occurrence wins")
	assert.Equal(t, clock, rows[0][idx[record.ColLoadedAt]])
	assert.Equal(t, record.Source, rows[1][idx[record.ColSource]])
	assert.True(t, recs[0].LoadedAt.IsZero(), "input records are not mutated")
}

func TestStager_EmptyStillReplaces(t *testing.T) {
	t.Parallel()

	wh := warehousetest.New()
	table := warehouse.TableRef{Dataset: "raw_ads", Table: "staging"}
	n, err := (&Stager{WH: wh, Table: table}).Stage(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"ReplaceTable"}, wh.Calls)
	assert.Equal(t, record.Schema().Names(), wh.Columns(table))
}

func TestMerger(t *testing.T) {
	t.Parallel()

	tables := DefaultTables("raw_ads")
	day := time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC)
	wh := warehousetest.New()
	_, err := (&Stager{WH: wh, Table: tables.Staging}).Stage(context.Background(), []record.Performance{{AdID: "a", Date: day}})
	require.NoError(t, err)

	m := &Merger{WH: wh}
	assert.True(t, m.Merge(context.Background(), tables.Staging, tables.Destination))
	assert.True(t, m.Merge(context.Background(), tables.Staging, tables.Destination))
	assert.Equal(t, []string{"ReplaceTable", "TableExists", "CreateTableAs", "TableExists", "Merge"}, wh.Calls)

	wh.MergeErr = errors.New("dml quota")
	assert.False(t, m.Merge(context.Background(), tables.Staging, tables.Destination))
}

func TestSummaryAndTableInfo_DefaultToDestination(t *testing.T) {
	t.Parallel()

	wh := warehousetest.New()
	wh.SummaryRows = []warehouse.SummaryRow{{Date: "2026-03-31", NumAds: 1, CostCents: 100}}
	o := newOrchestrator(t, twoAdvertisers(), wh)

	info, err := o.TableInfo(context.Background(), warehouse.TableRef{})
	require.NoError(t, err)
	assert.Nil(t, info, "destination does not exist yet")

	_, err = o.Summary(context.Background(), warehouse.TableRef{}, 10)
	assert.Error(t, err)

	_, err = o.Run(context.Background(), Options{DaysBack: 1})
	require.NoError(t, err)

	rows, err := o.Summary(context.Background(), warehouse.TableRef{}, 10)
	require.NoError(t, err)
	assert.Equal(t, wh.SummaryRows, rows)

	info, err = o.TableInfo(context.Background(), warehouse.TableRef{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.NumRows)
}
