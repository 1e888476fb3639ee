package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/time/rate"

	"adsync/internal/config"
	"adsync/internal/logging"
	"adsync/internal/metrics"
	"adsync/internal/metrics/datadog"
	"adsync/internal/pipeline"
	"adsync/internal/server"
	"adsync/internal/stackadapt"
	"adsync/internal/warehouse"
)

// app holds state shared by every subcommand of one invocation.
type app struct {
	d deps
	v *viper.Viper

	configFile string
	envFile    string
}

func newRootCmd(d deps) *cobra.Command {
	a := &app{d: d, v: viper.New()}

	root := &cobra.Command{
		Use:           "adsync",
		Short:         "Sync StackAdapt ad insights into a warehouse",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (YAML or JSON)")
	pf.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded into the environment when present")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (json, console)")
	_ = a.v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = a.v.BindPFlag("log.format", pf.Lookup("log-format"))

	root.AddCommand(a.syncCmd(), a.serveCmd(), a.validateCmd(), a.summaryCmd())
	return root
}

func (a *app) syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync and print the result as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, err := a.setup(cmd, nil)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck
			defer a.startMetrics(ctx, cfg.Metrics, log)()

			orch, release, err := a.orchestrator(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer release()

			res, err := orch.Run(ctx, pipeline.Options{DaysBack: cfg.Sync.DaysBack, UseBulk: cfg.Sync.UseBulk})
			if err != nil {
				return runtimeErr(err)
			}
			return writeJSON(a.d.Stdout, res)
		},
	}
	f := cmd.Flags()
	f.Int("days-back", pipeline.DefaultDaysBack, "days of history to sync, ending today")
	f.Bool("bulk", true, "query all advertisers in one request (--bulk=false paces one request per advertiser)")
	f.String("dataset", pipeline.DefaultDataset, "dataset holding the staging and destination tables")
	// BindPFlag only fails on a nil flag.
	_ = a.v.BindPFlag("sync.days_back", f.Lookup("days-back"))
	_ = a.v.BindPFlag("sync.use_bulk", f.Lookup("bulk"))
	_ = a.v.BindPFlag("warehouse.dataset_id", f.Lookup("dataset"))
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP sync trigger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, err := a.setup(cmd, nil)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck
			defer a.startMetrics(ctx, cfg.Metrics, log)()

			switch strings.ToLower(cfg.Log.Format) {
			case "console", "dev", "development":
			default:
				gin.SetMode(gin.ReleaseMode)
			}

			srv, err := server.New(server.Options{
				Factory: a.serverFactory(cfg, log),
				Defaults: server.Defaults{
					DaysBack:  cfg.Sync.DaysBack,
					UseBulk:   cfg.Sync.UseBulk,
					DatasetID: cfg.Warehouse.DatasetID,
				},
				Logger: log.Named("http"),
				Now:    a.d.Now,
			})
			if err != nil {
				return configErr(err)
			}
			if err := a.d.Serve(ctx, srv, ":"+strconv.Itoa(cfg.Server.Port)); err != nil {
				return runtimeErr(err)
			}
			return nil
		},
	}
	cmd.Flags().Int("port", 8080, "listen port")
	_ = a.v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	return cmd
}

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			if err := a.report(config.Validate(cfg)); err != nil {
				return err
			}
			fmt.Fprintf(a.d.Stdout, "configuration is valid (warehouse=%s, destination=%s)\n",
				cfg.Warehouse.Kind, cfg.Warehouse.Tables().Destination)
			return nil
		},
	}
}

func (a *app) summaryCmd() *cobra.Command {
	var (
		table string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the per-date campaign performance summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			// The summary reads the warehouse only.
			cfg, log, err := a.setup(cmd, func(iss config.Issue) bool {
				return !strings.HasPrefix(iss.Path, "stackadapt.")
			})
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			wh, err := a.d.OpenWarehouse(ctx, cfg.Warehouse.BackendConfig(log))
			if err != nil {
				return configErr(err)
			}
			defer wh.Close()

			ref := cfg.Warehouse.Tables().Destination
			if table != "" {
				ref.Table = table
			}
			info, err := wh.TableInfo(ctx, ref)
			if err != nil {
				return runtimeErr(err)
			}
			if info == nil {
				return runtimeErr(fmt.Errorf("table %s does not exist", ref))
			}
			rows, err := wh.QuerySummary(ctx, ref, limit)
			if err != nil {
				return runtimeErr(err)
			}
			return writeSummary(a.d.Stdout, info, rows)
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "table to summarize (default: the destination table)")
	cmd.Flags().IntVar(&limit, "limit", warehouse.DefaultSummaryLimit, "maximum rows")
	return cmd
}

// load resolves configuration from flags, environment, files and defaults.
func (a *app) load() (config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{Viper: a.v, ConfigFile: a.configFile, EnvFile: a.envFile})
	if err != nil {
		return cfg, configErr(err)
	}
	return cfg, nil
}

// report prints every issue to stderr and fails on any error.
func (a *app) report(issues []config.Issue) error {
	for _, iss := range issues {
		fmt.Fprintf(a.d.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return configErr(fmt.Errorf("configuration is invalid"))
	}
	return nil
}

// setup loads and validates configuration and builds the logger. keep, when
// set, filters which issues apply to the command.
func (a *app) setup(cmd *cobra.Command, keep func(config.Issue) bool) (config.Config, *zap.Logger, error) {
	cfg, err := a.load()
	if err != nil {
		return cfg, nil, err
	}
	issues := config.Validate(cfg)
	if keep != nil {
		kept := issues[:0]
		for _, iss := range issues {
			if keep(iss) {
				kept = append(kept, iss)
			}
		}
		issues = kept
	}
	if err := a.report(issues); err != nil {
		return cfg, nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return cfg, nil, configErr(err)
	}
	return cfg, log.With(zap.String("command", cmd.Name())), nil
}

// startMetrics installs the configured metrics backend and returns its
// shutdown func.
func (a *app) startMetrics(ctx context.Context, m config.Metrics, log *zap.Logger) func() {
	switch m.Backend {
	case "datadog":
		tags := datadog.ParseTagsCSV(m.Tags)
		b, err := a.d.BackendFactory(ctx, m.JobName, tags, m.FlushEvery)
		if err != nil {
			log.Warn("metrics: failed to init datadog backend; using nop", zap.Error(err))
			return func() {}
		}
		log.Info("metrics enabled", zap.String("backend", m.Backend), zap.String("job_name", m.JobName), zap.Strings("tags", tags))
		metrics.SetBackend(b)
		return func() {
			// Close stops the periodic flush loop, then flushes once more.
			if err := b.Close(); err != nil {
				log.Warn("metrics: datadog close/flush error", zap.Error(err))
			}
			metrics.SetBackend(nil)
		}
	case "", "none":
		log.Debug("metrics disabled")
	default:
		log.Warn("metrics: unknown backend; metrics disabled", zap.String("backend", m.Backend))
	}
	return func() {}
}

// orchestrator opens the warehouse and API client for cfg. release closes
// the warehouse.
func (a *app) orchestrator(ctx context.Context, cfg config.Config, log *zap.Logger) (*pipeline.Orchestrator, func(), error) {
	api, err := a.d.NewAPI(cfg.StackAdapt.APIKey, apiOptions(cfg.StackAdapt, log))
	if err != nil {
		return nil, nil, configErr(err)
	}
	wh, err := a.d.OpenWarehouse(ctx, cfg.Warehouse.BackendConfig(log))
	if err != nil {
		return nil, nil, configErr(err)
	}
	delay := cfg.StackAdapt.RequestDelay
	orch, err := pipeline.New(pipeline.Deps{
		API:       api,
		Warehouse: wh,
		Tables:    cfg.Warehouse.Tables(),
		NewExtractor: func(useBulk bool) stackadapt.Extractor {
			return stackadapt.NewExtractor(api, useBulk, delay, log)
		},
		Logger: log,
		Now:    a.d.Now,
	})
	if err != nil {
		wh.Close()
		return nil, nil, configErr(err)
	}
	return orch, wh.Close, nil
}

func apiOptions(sa config.StackAdapt, log *zap.Logger) stackadapt.Options {
	limit := rate.Inf
	if sa.RateLimit > 0 {
		limit = rate.Limit(sa.RateLimit)
	}
	return stackadapt.Options{
		Endpoint:  sa.Endpoint,
		Timeout:   sa.Timeout,
		RateLimit: limit,
		Logger:    log,
	}
}

// serverFactory builds one orchestrator per HTTP request, applying the
// request's dataset and project overrides.
func (a *app) serverFactory(cfg config.Config, log *zap.Logger) server.Factory {
	return func(ctx context.Context, target server.Target) (server.Runner, func(), error) {
		c := cfg
		if target.DatasetID != "" {
			c.Warehouse.DatasetID = target.DatasetID
		}
		if target.ProjectID != "" {
			if c.Warehouse.Kind != "bigquery" {
				return nil, nil, fmt.Errorf("project_id applies to bigquery only, warehouse is %s", c.Warehouse.Kind)
			}
			c.Warehouse.ProjectID = target.ProjectID
		}
		orch, release, err := a.orchestrator(ctx, c, log)
		if err != nil {
			return nil, nil, err
		}
		return orch, release, nil
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeSummary(w io.Writer, info *warehouse.TableInfo, rows []warehouse.SummaryRow) error {
	p := message.NewPrinter(language.English)
	p.Fprintf(w, "%s: %d rows", info.Table, info.NumRows)
	if !info.Modified.IsZero() {
		fmt.Fprintf(w, ", last loaded %s", info.Modified.UTC().Format(time.RFC3339))
	}
	fmt.Fprint(w, "\n\n")

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "date\tcampaign group\tcampaign\tads\timpressions\tclicks\tcost\tctr\tcpc\tcpm\t")
	for _, r := range rows {
		p.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t$%.2f\t%.2f%%\t$%.2f\t$%.2f\t\n",
			r.Date, r.CampaignGroupName, r.CampaignName, r.NumAds,
			r.Impressions, r.Clicks, r.CostDollars(), r.CTR()*100, r.CPCDollars(), r.CPMDollars())
	}
	return tw.Flush()
}
