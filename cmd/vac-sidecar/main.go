// Command vac-sidecar runs the capability-authorization sidecar: it
// terminates inbound requests, verifies credentials and delegation
// chains, evaluates policy, and forwards admitted requests upstream.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/certainly-param/vac-protocol/pkg/adapterstore"
	"github.com/certainly-param/vac-protocol/pkg/config"
	"github.com/certainly-param/vac-protocol/pkg/credential"
	"github.com/certainly-param/vac-protocol/pkg/heartbeat"
	"github.com/certainly-param/vac-protocol/pkg/obs"
	"github.com/certainly-param/vac-protocol/pkg/pipeline"
	"github.com/certainly-param/vac-protocol/pkg/policy"
	"github.com/certainly-param/vac-protocol/pkg/ratelimit"
	"github.com/certainly-param/vac-protocol/pkg/replaycache"
	"github.com/certainly-param/vac-protocol/pkg/revocation"
	"github.com/certainly-param/vac-protocol/pkg/sandbox"
	"github.com/certainly-param/vac-protocol/pkg/sidecar"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("vac-sidecar", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML configuration file")
	rulesPath := fs.String("rules", "", "path to a policy rules file (reserved; inline rules are used until this is wired)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	_ = rulesPath

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vac-sidecar: configuration error: %v\n", err)
		return 1
	}

	logger := obs.NewLogger(cfg.LogLevel)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootPub, err := cfg.RootPublicKey()
	if err != nil {
		logger.Error("invalid root public key", "error", err)
		return 1
	}

	registry, err := sandbox.NewRegistry(ctx)
	if err != nil {
		logger.Error("failed to start adapter sandbox", "error", err)
		return 1
	}
	defer registry.Close(ctx)

	if cfg.AdaptersDir != "" {
		if err := registry.LoadDir(ctx, cfg.AdaptersDir); err != nil {
			logger.Warn("failed to load adapters directory", "dir", cfg.AdaptersDir, "error", err)
		}
	}

	var rateStore ratelimit.Store
	if cfg.RedisAddr != "" {
		rateStore = ratelimit.NewRedisStore(cfg.RedisAddr, "", 0)
	} else {
		rateStore = ratelimit.NewInMemoryStore()
	}

	replay := replaycache.NewCache(cfg.ReplayCacheTTL)
	replay.Run(min(time.Minute, cfg.ReplayCacheTTL))
	defer replay.Close()

	tracing, err := obs.NewTracing(ctx, obs.TracingConfig{
		ServiceName:  cfg.TracingService,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     cfg.OTLPInsecure,
		Enabled:      cfg.TracingEnabled,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	var adapterStore adapterstore.Store
	if store, err := adapterstore.NewFromEnv(ctx); err == nil {
		adapterStore = store
	} else {
		logger.Warn("adapter store not configured, admission endpoint disabled", "error", err)
	}

	state, err := sidecar.New(sidecar.Config{
		RootPublicKey:  rootPub,
		UpstreamURL:    cfg.UpstreamURL,
		UpstreamAPIKey: cfg.UpstreamAPIKey,
		Revocation:     revocation.New(),
		Adapters:       registry,
		ReplayCache:    replay,
		RateLimiter:    rateStore,
		AdapterStore:   adapterStore,
	})
	if err != nil {
		logger.Error("failed to initialize sidecar state", "error", err)
		return 1
	}

	handler := &pipeline.Handler{
		State:         state,
		RootVerifier:  credential.NewRootVerifier(rootPub),
		PolicyRules:   defaultRules(),
		RatePolicy:    ratelimit.Policy{Capacity: cfg.RateLimitCapacity, Window: cfg.RateLimitWindow},
		UpstreamToken: cfg.UpstreamAPIKey,
		Logger:        logger,
		Tracer:        tracing,
	}

	hbLoop := heartbeat.New(heartbeat.Config{
		State:           state,
		ControlPlaneURL: cfg.ControlPlaneURL,
		Cadence:         cfg.HeartbeatCadence,
		RotationPeriod:  cfg.RotationPeriod,
		FailThreshold:   cfg.FailThreshold,
	})
	go hbLoop.Run(ctx)
	defer hbLoop.Stop()

	mainServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if state.Lockdown() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" && adapterStore != nil {
		admission, closeDB, err := newAdmissionHandler(ctx, dbURL, adapterStore, registry, logger)
		if err != nil {
			logger.Warn("adapter admission endpoint disabled", "error", err)
		} else {
			defer closeDB()
			metricsMux.Handle("/admin/adapters", admission)
		}
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("pipeline listening", "addr", cfg.ListenAddr)
		if err := mainServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("pipeline server: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = mainServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	state.Drop()

	return 0
}

// defaultRules is the starting policy rule set until external rule
// loading (see -rules) is wired up. The global depth ceiling is appended
// separately by the pipeline handler itself, over every rule set it runs.
func defaultRules() []policy.Rule {
	return []policy.Rule{
		policy.Allow("admit any request with a valid root credential", policy.GuardAtom("true")),
	}
}

// newAdmissionHandler opens the adapter admission ledger's database
// connection and builds the admin endpoint. The returned closer must be
// called on shutdown.
func newAdmissionHandler(ctx context.Context, dbURL string, store adapterstore.Store, registry *sandbox.Registry, logger *slog.Logger) (*pipeline.AdmissionHandler, func() error, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open admission ledger database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping admission ledger database: %w", err)
	}

	ledger := adapterstore.NewLedger(db)
	if err := ledger.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ensure admission ledger schema: %w", err)
	}

	return &pipeline.AdmissionHandler{
		Store:    store,
		Ledger:   ledger,
		Registry: registry,
		Logger:   logger,
	}, db.Close, nil
}
