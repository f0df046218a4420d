package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/pflag"

	"github.com/psantana5/sentinel-grab/pkg/catalog"
	"github.com/psantana5/sentinel-grab/pkg/config"
	"github.com/psantana5/sentinel-grab/pkg/fetch"
	"github.com/psantana5/sentinel-grab/pkg/httpclient"
	"github.com/psantana5/sentinel-grab/pkg/logging"
	"github.com/psantana5/sentinel-grab/pkg/metrics"
	"github.com/psantana5/sentinel-grab/pkg/orchestrator"
	"github.com/psantana5/sentinel-grab/pkg/ratelimit"
	"github.com/psantana5/sentinel-grab/pkg/render"
	"github.com/psantana5/sentinel-grab/pkg/store"
	"github.com/psantana5/sentinel-grab/pkg/tracing"
)

const serviceName = "sentinel-grab"

// bindFlag only lets a flag override config when it was set explicitly
func bindFlag(key string, flag *pflag.Flag) {
	if flag != nil && flag.Changed {
		v.Set(key, flag.Value.String())
	}
}

func newLogger(cfg *config.Config, component string) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File {
		return logging.NewFileLogger(cfg.Log.Dir, component, level, cfg.Log.JSON)
	}
	return logging.NewLogger(level, cfg.Log.JSON), nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	st, err := store.NewStore(store.Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		SkipMigrations:  cfg.Database.SkipMigrations,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Database.Type, err)
	}
	return st, nil
}

func newHTTPClient(cfg *config.Config) *http.Client {
	return httpclient.New(httpclient.Options{
		Timeout:            cfg.HTTP.Timeout,
		DisableCompression: cfg.HTTP.DisableCompression,
		UserAgent:          cfg.HTTP.UserAgent + "/" + Version,
	})
}

func newCatalog(cfg *config.Config, client *http.Client, logger *logging.Logger) *catalog.STACClient {
	limiter := ratelimit.NewLimiter(cfg.Catalog.RequestsPerSecond, cfg.Catalog.Burst)
	return catalog.NewSTACClient(client, catalog.STACConfig{
		STACURL:    cfg.Catalog.STACURL,
		SASURL:     cfg.Catalog.SASURL,
		Collection: cfg.Catalog.Collection,
	}, limiter, logger)
}

func newTracer(ctx context.Context, cfg *config.Config, runID string) (*tracing.Provider, error) {
	return tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Enabled:        cfg.Tracing.Enabled,
		InstanceID:     runID,
	})
}

// worker is everything a job-mode command needs
type worker struct {
	store     store.Store
	processor *orchestrator.Processor
	metrics   *metrics.Recorder
	tracer    *tracing.Provider
	logger    *logging.Logger

	logRotateBytes int64
}

func newWorker(ctx context.Context, cfg *config.Config, logger *logging.Logger, runID string) (*worker, error) {
	if err := cfg.ValidateJobMode(); err != nil {
		return nil, err
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	tracer, err := newTracer(ctx, cfg, runID)
	if err != nil {
		st.Close()
		return nil, err
	}

	rec := metrics.NewRecorder()
	client := newHTTPClient(cfg)
	cat := newCatalog(cfg, client, logger)
	fetcher := fetch.NewFetcher(client, logger, rec)
	runner := render.NewScriptRunner(cfg.Render.Shell, cfg.Render.ShellArgs, logger)

	proc := orchestrator.New(st, cat, fetcher, runner, orchestrator.SettingsFromConfig(cfg),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(rec),
		orchestrator.WithTracer(tracer),
	)

	w := &worker{store: st, processor: proc, metrics: rec, tracer: tracer, logger: logger}
	if cfg.Log.File && cfg.Log.MaxSizeMB > 0 {
		w.logRotateBytes = int64(cfg.Log.MaxSizeMB) * 1024 * 1024
	}
	return w, nil
}
