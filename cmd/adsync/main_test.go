package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"adsync/internal/config"
	"adsync/internal/metrics"
	"adsync/internal/pipeline"
	"adsync/internal/server"
	"adsync/internal/stackadapt"
	"adsync/internal/warehouse"
)

var clock = time.Date(2026, 3, 31, 9, 30, 0, 0, time.UTC)

var configEnv = []string{
	"STACKADAPT_API_KEY", "STACKADAPT_ENDPOINT", "STACKADAPT_TIMEOUT", "STACKADAPT_REQUEST_DELAY", "STACKADAPT_RATE_LIMIT",
	"WAREHOUSE_KIND", "WAREHOUSE_DSN", "PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "DATASET_ID",
	"STAGING_TABLE", "DESTINATION_TABLE", "GOOGLE_CREDENTIALS", "GOOGLE_APPLICATION_CREDENTIALS",
	"BIGQUERY_LOCATION", "DAYS_BACK", "USE_BULK", "METRICS_BACKEND", "METRICS_TAGS",
	"METRICS_FLUSH_EVERY", "METRICS_JOB_NAME", "PORT", "LOG_LEVEL", "LOG_FORMAT", "DD_API_KEY",
}

// sqliteEnv points the CLI at a file-backed SQLite warehouse with a valid key.
func sqliteEnv(t *testing.T) string {
	t.Helper()
	for _, e := range configEnv {
		t.Setenv(e, "")
	}
	dsn := filepath.Join(t.TempDir(), "wh.db")
	t.Setenv("STACKADAPT_API_KEY", "test-key")
	t.Setenv("WAREHOUSE_KIND", "sqlite")
	t.Setenv("WAREHOUSE_DSN", dsn)
	t.Setenv("LOG_LEVEL", "error")
	return dsn
}

type fakeAPI struct {
	pingErr error
	resp    *stackadapt.InsightsResponse
}

func (f *fakeAPI) Ping(context.Context) error                { return f.pingErr }
func (f *fakeAPI) ListAdvertiserIDs(context.Context) []string { return []string{"A"} }
func (f *fakeAPI) QueryInsights(context.Context, []string, stackadapt.DateWindow) (*stackadapt.InsightsResponse, error) {
	return f.resp, nil
}

func edge(adID, date string, clicks, cost float64) stackadapt.InsightEdge {
	return stackadapt.InsightEdge{Node: &stackadapt.InsightNode{
		Attributes: &stackadapt.Attributes{
			Date: stackadapt.Set(date),
			Ad: &stackadapt.Ad{
				ID:   stackadapt.Set(adID),
				Name: stackadapt.Set("Ad " + adID),
				Campaign: &stackadapt.Campaign{
					ID:   stackadapt.Set("c-1"),
					Name: stackadapt.Set("Spring Launch"),
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

type fakeBackend struct {
	closed bool
	count  float64
}

func (b *fakeBackend) IncCounter(_ string, d float64, _ metrics.Labels) { b.count += d }
func (b *fakeBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (b *fakeBackend) Flush() error                                     { return nil }
func (b *fakeBackend) Close() error                                     { b.closed = true; return nil }

type harness struct {
	d      deps
	out    *bytes.Buffer
	errOut *bytes.Buffer
	api    *fakeAPI
	keys   []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		out:    &bytes.Buffer{},
		errOut: &bytes.Buffer{},
		api: &fakeAPI{resp: &stackadapt.InsightsResponse{Data: &stackadapt.InsightsData{
			CampaignGroupInsight: &stackadapt.CampaignGroupInsight{Records: &stackadapt.Records{Edges: []stackadapt.InsightEdge{
				edge("ad-1", "2026-03-30", 10, 1500),
				edge("ad-1", "2026-03-31", 5, 250),
			}}},
		}}},
	}
	h.d = defaultDeps()
	h.d.Stdout = h.out
	h.d.Stderr = h.errOut
	h.d.Now = func() time.Time { return clock }
	h.d.NewAPI = func(apiKey string, _ stackadapt.Options) (pipeline.API, error) {
		h.keys = append(h.keys, apiKey)
		return h.api, nil
	}
	h.d.BackendFactory = func(context.Context, string, []string, time.Duration) (backendCloser, error) {
		t.Fatalf("metrics backend created unexpectedly")
		return nil, nil
	}
	h.d.Serve = func(context.Context, *server.Server, string) error {
		t.Fatalf("server started unexpectedly")
		return nil
	}
	return h
}

func sqliteConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load(config.LoadOptions{EnvFile: filepath.Join(t.TempDir(), "none.env")})
	require.NoError(t, err)
	return cfg
}

func (h *harness) run(t *testing.T, args ...string) int {
	t.Helper()
	args = append(args, "--env-file", filepath.Join(t.TempDir(), "none.env"))
	return run(context.Background(), args, h.d)
}

func TestRun_Validate(t *testing.T) {
	sqliteEnv(t)
	h := newHarness(t)

	require.Equal(t, exitOK, h.run(t, "validate"), h.errOut.String())
	assert.Contains(t, h.out.String(), "configuration is valid (warehouse=sqlite, destination=raw_ads.stackadapt_ads)")
}

func TestRun_ValidateReportsIssues(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("STACKADAPT_API_KEY", "")
	t.Setenv("DAYS_BACK", "-3")
	h := newHarness(t)

	require.Equal(t, exitConfig, h.run(t, "validate"))
	assert.Contains(t, h.errOut.String(), "error: stackadapt.api_key: ")
	assert.Contains(t, h.errOut.String(), "error: sync.days_back: ")
	assert.Empty(t, h.out.String())
}

func TestRun_UsageErrors(t *testing.T) {
	sqliteEnv(t)
	h := newHarness(t)

	assert.Equal(t, exitConfig, h.run(t, "nope"))
	assert.Equal(t, exitConfig, h.run(t, "sync", "--days-back", "many"))
	assert.Equal(t, exitConfig, h.run(t, "validate", "extra"))
}

func TestRun_MissingConfigFile(t *testing.T) {
	sqliteEnv(t)
	h := newHarness(t)

	assert.Equal(t, exitConfig, h.run(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestRun_SyncThenSummary(t *testing.T) {
	sqliteEnv(t)
	h := newHarness(t)

	require.Equal(t, exitOK, h.run(t, "sync", "--days-back", "7"), h.errOut.String())
	assert.Equal(t, []string{"test-key"}, h.keys)

	var res pipeline.Result
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &res), h.out.String())
	assert.Equal(t, pipeline.OutcomeMerged, res.Outcome)
	assert.Equal(t, int64(2), res.RecordsSynced)
	assert.Equal(t, pipeline.DateRange{From: "2026-03-24", To: "2026-03-31", DaysBack: 7}, res.DateRange)

	h.out.Reset()
	require.Equal(t, exitOK, h.run(t, "summary", "--limit", "5"), h.errOut.String())
	out := h.out.String()
	assert.Contains(t, out, "raw_ads.stackadapt_ads: 2 rows, last loaded 2026-03-31T09:30:00Z")
	assert.Contains(t, out, "Spring Launch")
	assert.Contains(t, out, "2026-03-31")
	assert.Contains(t, out, "1,000", "impressions use grouped digits")
}

func TestRun_SummaryMissingTable(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("STACKADAPT_API_KEY", "")
	h := newHarness(t)

	assert.Equal(t, exitRuntime, h.run(t, "summary"), "no api key needed; the table is absent")
	assert.Contains(t, h.errOut.String(), "does not exist")
}

func TestRun_SyncPingFailureIsRuntime(t *testing.T) {
	sqliteEnv(t)
	h := newHarness(t)
	h.api.pingErr = errors.New("http 401")

	assert.Equal(t, exitRuntime, h.run(t, "sync"))
	assert.Contains(t, h.errOut.String(), "stackadapt connection test")
}

func TestRun_SyncAPIConstructionIsConfig(t *testing.T) {
	sqliteEnv(t)
	h := newHarness(t)
	h.d.NewAPI = func(string, stackadapt.Options) (pipeline.API, error) { return nil, stackadapt.ErrMissingAPIKey }

	assert.Equal(t, exitConfig, h.run(t, "sync"))
}

func TestRun_SyncWithDatadogMetrics(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("METRICS_BACKEND", "datadog")
	t.Setenv("METRICS_TAGS", "team:ads")
	h := newHarness(t)

	fb := &fakeBackend{}
	var gotTags []string
	var gotJob string
	h.d.BackendFactory = func(_ context.Context, job string, tags []string, _ time.Duration) (backendCloser, error) {
		gotJob, gotTags = job, tags
		return fb, nil
	}

	require.Equal(t, exitOK, h.run(t, "sync"), h.errOut.String())
	assert.Equal(t, "adsync", gotJob)
	assert.Equal(t, []string{"team:ads"}, gotTags)
	assert.True(t, fb.closed)
	assert.Positive(t, fb.count, "steps and records were counted")
	assert.Contains(t, h.errOut.String(), "warning: metrics.backend: ")
}

func TestRun_Serve(t *testing.T) {
	sqliteEnv(t)
	h := newHarness(t)

	var addr string
	h.d.Serve = func(_ context.Context, srv *server.Server, a string) error {
		addr = a
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync-ads-insights", strings.NewReader(`{"days_back":3}`)))
		if w.Code != http.StatusOK {
			return errors.New(w.Body.String())
		}
		return nil
	}

	require.Equal(t, exitOK, h.run(t, "serve", "--port", "9099"), h.errOut.String())
	assert.Equal(t, ":9099", addr)
}

func TestServerFactory_ProjectOverrideNeedsBigQuery(t *testing.T) {
	sqliteEnv(t)
	h := newHarness(t)
	a := &app{d: h.d}

	f := a.serverFactory(sqliteConfig(t), zap.NewNop())
	_, _, err := f(context.Background(), server.Target{DatasetID: "x", ProjectID: "p"})
	require.Error(t, err)
}

func TestServerFactory_DatasetOverride(t *testing.T) {
	sqliteEnv(t)
	h := newHarness(t)
	var opened []warehouse.Config
	h.d.OpenWarehouse = func(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
		opened = append(opened, cfg)
		return warehouse.New(ctx, cfg)
	}
	a := &app{d: h.d}

	r, release, err := a.serverFactory(sqliteConfig(t), zap.NewNop())(context.Background(), server.Target{DatasetID: "ads_dev"})
	require.NoError(t, err)
	defer release()

	orch, ok := r.(*pipeline.Orchestrator)
	require.True(t, ok)
	assert.Equal(t, "ads_dev", orch.Tables().Destination.Dataset)
	assert.Len(t, opened, 1)
}

func TestAPIOptions_RateLimit(t *testing.T) {
	sa := config.StackAdapt{Endpoint: "https://x", Timeout: time.Second, RateLimit: 2.5}
	assert.Equal(t, rate.Limit(2.5), apiOptions(sa, zap.NewNop()).RateLimit)

	sa.RateLimit = 0
	assert.Equal(t, rate.Inf, apiOptions(sa, zap.NewNop()).RateLimit, "zero disables throttling")
}
