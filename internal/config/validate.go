package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap/zapcore"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the dotted config key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

var (
	warehouseKinds = map[string]bool{"bigquery": true, "postgres": true, "mssql": true, "sqlite": true}
	metricsKinds   = map[string]bool{"": true, "none": true, "datadog": true}
)

type issues []Issue

func (is *issues) errorf(path, format string, args ...any) {
	*is = append(*is, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (is *issues) warnf(path, format string, args ...any) {
	*is = append(*is, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)})
}

// Validate checks cfg and returns every finding; nil means clean.
func Validate(cfg Config) []Issue {
	var is issues

	sa := cfg.StackAdapt
	if sa.APIKey == "" {
		is.errorf("stackadapt.api_key", "required (set STACKADAPT_API_KEY)")
	}
	if u, err := url.Parse(sa.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		is.errorf("stackadapt.endpoint", "not an absolute URL: %q", sa.Endpoint)
	}
	if sa.Timeout <= 0 {
		is.errorf("stackadapt.timeout", "must be positive, got %s", sa.Timeout)
	}
	if sa.RequestDelay < 0 {
		is.errorf("stackadapt.request_delay", "must not be negative, got %s", sa.RequestDelay)
	}
	if sa.RateLimit < 0 {
		is.errorf("stackadapt.rate_limit", "must not be negative, got %g", sa.RateLimit)
	}

	validateWarehouse(&is, cfg.Warehouse)

	if cfg.Sync.DaysBack < 0 {
		is.errorf("sync.days_back", "must not be negative, got %d", cfg.Sync.DaysBack)
	}

	m := cfg.Metrics
	if !metricsKinds[m.Backend] {
		is.errorf("metrics.backend", "unknown backend %q (want none or datadog)", m.Backend)
	}
	if m.Backend == "datadog" {
		if os.Getenv("DD_API_KEY") == "" {
			is.warnf("metrics.backend", "datadog selected but DD_API_KEY is not set; submissions will fail")
		}
		if m.FlushEvery <= 0 {
			is.warnf("metrics.flush_every", "not positive; the backend default applies")
		}
	}

	if p := cfg.Server.Port; p < 1 || p > 65535 {
		is.errorf("server.port", "out of range: %d", p)
	}

	if _, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Log.Level))); err != nil && strings.TrimSpace(cfg.Log.Level) != "" {
		is.errorf("log.level", "unknown level %q", cfg.Log.Level)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Format)) {
	case "", "json", "console", "dev", "development":
	default:
		is.errorf("log.format", "unknown format %q (want json or console)", cfg.Log.Format)
	}

	return is
}

func validateWarehouse(is *issues, w Warehouse) {
	if !warehouseKinds[w.Kind] {
		is.errorf("warehouse.kind", "unknown kind %q (want bigquery, postgres, mssql or sqlite)", w.Kind)
		return
	}

	tables := w.Tables()
	if err := tables.Staging.Validate(); err != nil {
		is.errorf("warehouse.staging_table", "%v", err)
	}
	if err := tables.Destination.Validate(); err != nil {
		is.errorf("warehouse.destination_table", "%v", err)
	}
	if tables.Staging == tables.Destination {
		is.errorf("warehouse.destination_table", "must differ from the staging table")
	}

	if w.Kind != "bigquery" {
		if w.DSN == "" {
			is.errorf("warehouse.dsn", "required for %s (set WAREHOUSE_DSN)", w.Kind)
		}
		if w.CredentialsJSON != "" || w.ProjectID != "" {
			is.warnf("warehouse", "BigQuery settings are ignored for %s", w.Kind)
		}
		return
	}

	if w.DSN != "" {
		is.warnf("warehouse.dsn", "ignored for bigquery")
	}
	if _, err := w.credentialsProjectID(); err != nil {
		path := "warehouse.credentials_file"
		if w.CredentialsJSON != "" {
			path = "warehouse.credentials_json"
		}
		is.errorf(path, "unusable credentials: %v", err)
	}
	if w.ProjectID == "" {
		is.errorf("warehouse.project_id", "required for bigquery (set PROJECT_ID or use credentials carrying project_id)")
	}
	if w.CredentialsJSON == "" && w.CredentialsFile == "" {
		is.warnf("warehouse.credentials_file", "no explicit credentials; using application default credentials")
	}
}
