package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/exploopio/vulnsla/pkg/audit"
	"github.com/exploopio/vulnsla/pkg/compress"
	"github.com/exploopio/vulnsla/pkg/config"
	"github.com/exploopio/vulnsla/pkg/engine"
	"github.com/exploopio/vulnsla/pkg/health"
	"github.com/exploopio/vulnsla/pkg/logger"
	"github.com/exploopio/vulnsla/pkg/metrics"
	"github.com/exploopio/vulnsla/pkg/store"
)

// rootOptions holds the global flags.
type rootOptions struct {
	configPath  string
	dbPath      string
	metricsAddr string
	logLevel    string
	json        bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Vulnerability scan ingestion and SLA aging",
		Long:          "vulnsla normalizes Nessus and tabular scan exports into a deduplicated asset inventory and tracks remediation SLAs across imports.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to config file")
	flags.StringVar(&opts.dbPath, "db", "", "SQLite database path (or "+config.EnvDB+" env)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error, silent")
	flags.BoolVar(&opts.json, "json", false, "Output results as JSON")

	cmd.AddCommand(
		newImportCmd(opts),
		newAssetsCmd(opts),
		newVulnsCmd(opts),
		newTrendCmd(opts),
		newImportsCmd(opts),
		newReviseCmd(opts),
		newHealthCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// app is the wired application for one command run.
type app struct {
	cfg       *config.Config
	log       *logger.ZapLogger
	audit     *audit.Logger
	collector metrics.Collector
	server    *http.Server
	store     *store.Store
	engine    *engine.Engine
}

// openApp loads the configuration and wires every component. Callers must
// close the returned app.
func openApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.dbPath != "" {
		cfg.Storage.Path = opts.dbPath
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, collector: &metrics.NopCollector{}}

	if cfg.Audit.Enabled {
		a.audit, err = audit.NewLogger(&audit.LoggerConfig{
			LogFile:       cfg.Audit.File,
			BufferSize:    cfg.Audit.BufferSize,
			FlushInterval: cfg.Audit.FlushInterval,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.audit.Start()
	}

	a.store, err = store.Open(&store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Metrics.Addr != "" {
		if err := a.serveMetrics(); err != nil {
			a.Close()
			return nil, err
		}
	}

	// Validate has already rejected unknown algorithms.
	algo, _ := compress.ParseAlgorithm(cfg.Storage.Compression)
	a.engine, err = engine.New(&engine.Config{
		Policy:          cfg.SLA,
		Parse:           cfg.ParseOptions(),
		ArchivePayloads: cfg.Storage.ArchivePayloads,
		Compression:     algo,
	}, a.store,
		engine.WithLogger(log.Named("engine")),
		engine.WithAudit(a.audit),
		engine.WithMetrics(a.collector),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) serveMetrics() error {
	collector, err := metrics.NewPrometheusCollector(&metrics.PrometheusConfig{
		Namespace:              a.cfg.Metrics.Namespace,
		RegisterDefaultMetrics: true,
	})
	if err != nil {
		return err
	}
	a.collector = collector

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	health.RegisterRoutes(mux, a.healthHandler())
	a.server = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server: %v", err)
		}
	}()
	a.log.Info("serving metrics on %s/metrics", a.cfg.Metrics.Addr)
	return nil
}

// minFreeDisk is the free space below which the database volume is unhealthy.
const minFreeDisk = 64 << 20

// healthHandler checks the store, its volume and the import history. The
// store must be open.
func (a *app) healthHandler() *health.Handler {
	h := health.NewHandler(health.WithVersion(appVersion))
	h.Register("store", &health.StoreCheck{Ping: a.store.Ping})
	h.Register("disk", &health.DiskCheck{
		Path:         filepath.Dir(a.cfg.Storage.Path),
		MinFreeBytes: minFreeDisk,
	})
	h.Register("imports", &health.ImportCheck{List: a.store.ListImports})
	return h
}

// Close releases everything openApp acquired.
func (a *app) Close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn("metrics server shutdown: %v", err)
		}
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close store: %v", err)
		}
	}
	if err := a.audit.Close(); err != nil {
		a.log.Warn("close audit log: %v", err)
	}
	_ = a.log.Sync()
}
