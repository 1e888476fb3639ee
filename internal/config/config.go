// Package config loads adsync configuration from defaults, an optional
// config file, a .env file and the environment, and validates it.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"adsync/internal/pipeline"
	"adsync/internal/stackadapt"
	"adsync/internal/warehouse"
)

// DefaultCredentialsFile is picked up for BigQuery when no other credentials
// are configured and the file exists in the working directory.
const DefaultCredentialsFile = "credentials.json"

type Config struct {
	StackAdapt StackAdapt `mapstructure:"stackadapt"`
	Warehouse  Warehouse  `mapstructure:"warehouse"`
	Sync       Sync       `mapstructure:"sync"`
	Metrics    Metrics    `mapstructure:"metrics"`
	Server     Server     `mapstructure:"server"`
	Log        Log        `mapstructure:"log"`
}

type StackAdapt struct {
	APIKey       string        `mapstructure:"api_key"`
	Endpoint     string        `mapstructure:"endpoint"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RequestDelay time.Duration `mapstructure:"request_delay"`
	// RateLimit is requests per second; 0 disables throttling.
	RateLimit float64 `mapstructure:"rate_limit"`
}

type Warehouse struct {
	Kind             string `mapstructure:"kind"`
	DSN              string `mapstructure:"dsn"`
	ProjectID        string `mapstructure:"project_id"`
	DatasetID        string `mapstructure:"dataset_id"`
	StagingTable     string `mapstructure:"staging_table"`
	DestinationTable string `mapstructure:"destination_table"`
	CredentialsJSON  string `mapstructure:"credentials_json"`
	CredentialsFile  string `mapstructure:"credentials_file"`
	Location         string `mapstructure:"location"`
}

type Sync struct {
	DaysBack int  `mapstructure:"days_back"`
	UseBulk  bool `mapstructure:"use_bulk"`
}

type Metrics struct {
	Backend    string        `mapstructure:"backend"`
	Tags       string        `mapstructure:"tags"`
	FlushEvery time.Duration `mapstructure:"flush_every"`
	JobName    string        `mapstructure:"job_name"`
}

type Server struct {
	Port int `mapstructure:"port"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string][]string{
	"stackadapt.api_key":          {"STACKADAPT_API_KEY"},
	"stackadapt.endpoint":         {"STACKADAPT_ENDPOINT"},
	"stackadapt.timeout":          {"STACKADAPT_TIMEOUT"},
	"stackadapt.request_delay":    {"STACKADAPT_REQUEST_DELAY"},
	"stackadapt.rate_limit":       {"STACKADAPT_RATE_LIMIT"},
	"warehouse.kind":              {"WAREHOUSE_KIND"},
	"warehouse.dsn":               {"WAREHOUSE_DSN"},
	"warehouse.project_id":        {"PROJECT_ID", "GOOGLE_CLOUD_PROJECT"},
	"warehouse.dataset_id":        {"DATASET_ID"},
	"warehouse.staging_table":     {"STAGING_TABLE"},
	"warehouse.destination_table": {"DESTINATION_TABLE"},
	"warehouse.credentials_json":  {"GOOGLE_CREDENTIALS"},
	"warehouse.credentials_file":  {"GOOGLE_APPLICATION_CREDENTIALS"},
	"warehouse.location":          {"BIGQUERY_LOCATION"},
	"sync.days_back":              {"DAYS_BACK"},
	"sync.use_bulk":               {"USE_BULK"},
	"metrics.backend":             {"METRICS_BACKEND"},
	"metrics.tags":                {"METRICS_TAGS"},
	"metrics.flush_every":         {"METRICS_FLUSH_EVERY"},
	"metrics.job_name":            {"METRICS_JOB_NAME"},
	"server.port":                 {"PORT"},
	"log.level":                   {"LOG_LEVEL"},
	"log.format":                  {"LOG_FORMAT"},
}

// SetDefaults installs every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("stackadapt.endpoint", stackadapt.DefaultEndpoint)
	v.SetDefault("stackadapt.timeout", stackadapt.DefaultTimeout)
	v.SetDefault("stackadapt.request_delay", stackadapt.DefaultRequestDelay)
	v.SetDefault("stackadapt.rate_limit", float64(stackadapt.DefaultRateLimit))
	v.SetDefault("warehouse.kind", "bigquery")
	v.SetDefault("warehouse.dataset_id", pipeline.DefaultDataset)
	v.SetDefault("warehouse.staging_table", pipeline.DefaultStagingTable)
	v.SetDefault("warehouse.destination_table", pipeline.DefaultDestinationTable)
	v.SetDefault("sync.days_back", pipeline.DefaultDaysBack)
	v.SetDefault("sync.use_bulk", true)
	v.SetDefault("metrics.backend", "none")
	v.SetDefault("metrics.flush_every", 60*time.Second)
	v.SetDefault("metrics.job_name", "adsync")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadOptions control where Load reads from.
type LoadOptions struct {
	// Viper may carry bound command-line flags. nil uses a fresh instance.
	Viper *viper.Viper

	// ConfigFile is an optional YAML/JSON file. It must exist when set.
	ConfigFile string

	// EnvFile is loaded into the process environment when present; variables
	// already set win. Empty means ".env".
	EnvFile string
}

// Load resolves the configuration. Precedence, highest first: bound flags,
// environment (including the env file), config file, defaults.
func Load(opts LoadOptions) (Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
	}

	v := opts.Viper
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return Config{}, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", opts.ConfigFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.normalize()
	if cfg.Warehouse.Kind == "bigquery" {
		cfg.Warehouse.resolveBigQuery(fileExists)
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.StackAdapt.APIKey = strings.TrimSpace(c.StackAdapt.APIKey)
	c.Warehouse.Kind = strings.ToLower(strings.TrimSpace(c.Warehouse.Kind))
	c.Warehouse.ProjectID = strings.TrimSpace(c.Warehouse.ProjectID)
	c.Warehouse.DatasetID = strings.TrimSpace(c.Warehouse.DatasetID)
	c.Metrics.Backend = strings.ToLower(strings.TrimSpace(c.Metrics.Backend))
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// resolveBigQuery fills the credentials file and project id the way the
// service always has: inline JSON, then a credentials file (the default one
// only if present), then ADC; the project id falls back to the credentials'
// project_id. Read failures are left for Validate to report.
func (w *Warehouse) resolveBigQuery(exists func(string) bool) {
	if w.CredentialsJSON == "" && w.CredentialsFile == "" && exists(DefaultCredentialsFile) {
		w.CredentialsFile = DefaultCredentialsFile
	}
	if w.ProjectID != "" {
		return
	}
	if id, err := w.credentialsProjectID(); err == nil {
		w.ProjectID = id
	}
}

type serviceAccount struct {
	ProjectID string `json:"project_id"`
}

// credentialsProjectID reads project_id from the configured credentials. It
// returns "" and no error when none are configured.
func (w Warehouse) credentialsProjectID() (string, error) {
	var raw []byte
	switch {
	case w.CredentialsJSON != "":
		raw = []byte(w.CredentialsJSON)
	case w.CredentialsFile != "":
		b, err := os.ReadFile(w.CredentialsFile)
		if err != nil {
			return "", err
		}
		raw = b
	default:
		return "", nil
	}
	var sa serviceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return "", fmt.Errorf("parse credentials: %w", err)
	}
	return sa.ProjectID, nil
}

// Tables returns the staging/destination pair.
func (w Warehouse) Tables() pipeline.Tables {
	return pipeline.Tables{
		Staging:     warehouse.TableRef{Dataset: w.DatasetID, Table: w.StagingTable},
		Destination: warehouse.TableRef{Dataset: w.DatasetID, Table: w.DestinationTable},
	}
}

// BackendConfig converts to the warehouse factory configuration.
func (w Warehouse) BackendConfig(log *zap.Logger) warehouse.Config {
	cfg := warehouse.Config{
		Kind:            w.Kind,
		DSN:             w.DSN,
		ProjectID:       w.ProjectID,
		Location:        w.Location,
		CredentialsFile: w.CredentialsFile,
		Logger:          log,
	}
	if w.CredentialsJSON != "" {
		cfg.CredentialsJSON = []byte(w.CredentialsJSON)
	}
	return cfg
}
