// Package app assembles the server: config, logging, tracing, store,
// providers, the verification pipeline, and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/peakyragnar/heretix/internal/artifacts"
	"github.com/peakyragnar/heretix/internal/cache"
	"github.com/peakyragnar/heretix/internal/circuitbreaker"
	"github.com/peakyragnar/heretix/internal/events"
	"github.com/peakyragnar/heretix/internal/health"
	"github.com/peakyragnar/heretix/internal/httpapi"
	"github.com/peakyragnar/heretix/internal/logging"
	"github.com/peakyragnar/heretix/internal/metrics"
	"github.com/peakyragnar/heretix/internal/pipeline"
	"github.com/peakyragnar/heretix/internal/prompts"
	"github.com/peakyragnar/heretix/internal/providers"
	"github.com/peakyragnar/heretix/internal/providers/mock"
	"github.com/peakyragnar/heretix/internal/providers/openai"
	"github.com/peakyragnar/heretix/internal/ratelimit"
	"github.com/peakyragnar/heretix/internal/rpl"
	"github.com/peakyragnar/heretix/internal/store"
	temporalpkg "github.com/peakyragnar/heretix/internal/temporal"
	"github.com/peakyragnar/heretix/internal/tracing"
	"github.com/peakyragnar/heretix/internal/usage"
	"github.com/peakyragnar/heretix/internal/wel"
)

type Server struct {
	cfg Config

	r *chi.Mux

	store    store.Store
	pipeline *pipeline.Pipeline
	usage    *usage.Manager
	logger   *slog.Logger

	sampleMem *cache.Memory
	runMem    *cache.Memory

	temporal        *temporalpkg.Manager
	tracingShutdown func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OtelEnabled,
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: "heretix",
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	m := metrics.New()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	ipLimiter := ratelimit.NewIPLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst, 0, m.RateLimited)
	r.Use(ipLimiter.Middleware)

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	bus := events.NewBus()
	ht := health.NewTracker(health.DefaultConfig(), health.WithEventBus(bus))

	limiters := ratelimit.NewRegistry(ratelimit.Limit{
		RatePerSec: cfg.ProviderRPS,
		Burst:      cfg.ProviderBurst,
	})

	reg := providers.NewRegistry()
	reg.Register(mock.New(), "mock")
	if cfg.OpenAIAPIKey != "" {
		caps, err := openAICapabilities(cfg)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		adapter := openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, caps, limiters,
			openai.WithTransport(tracing.HTTPTransport(nil)))
		reg.Register(adapter, "gpt-5", "gpt-5-mini", "gpt-4o", "openai")
		logger.Info("registered provider", slog.String("provider", "openai"))
	}

	lib := prompts.NewLibrary("")
	if err := lib.Register(prompts.Default()); err != nil {
		_ = db.Close()
		return nil, err
	}

	sampleMem := cache.NewMemory(time.Duration(cfg.RunCacheTTLSecs)*time.Second, cfg.SampleCacheEntries)
	runMem := cache.NewMemory(time.Duration(cfg.RunCacheTTLSecs)*time.Second, cfg.RunCacheEntries)

	var backend artifacts.Backend = artifacts.Disabled{}
	if cfg.ArtifactBackend == "local" {
		backend, err = artifacts.NewLocal(cfg.ArtifactRoot)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	p := &pipeline.Pipeline{
		Runner: &rpl.Runner{
			Providers: reg,
			Prompts:   lib,
			Samples:   rpl.NewSampleCache(sampleMem, db, logger),
			Logger:    logger,
			Metrics:   m,
		},
		Providers:   reg,
		Store:       db,
		RunCacheMem: runMem,
		RunCacheTTL: time.Duration(cfg.RunCacheTTLSecs) * time.Second,
		Artifacts:   backend,
		Bus:         bus,
		Health:      ht,
		Logger:      logger,
		Metrics:     m,
		RunDeadline: time.Duration(cfg.RunDeadlineSecs) * time.Second,
		RetrieveK:   cfg.RetrieveK,
		Replicates:  cfg.WELReplicates,
	}

	if cfg.SerperAPIKey != "" {
		searchBucket := limiters.Bucket("serper", "search")
		p.Searcher = wel.NewSerperSearcher(cfg.SerperAPIKey, cfg.SerperBaseURL, searchBucket, logger)
		p.Enricher = &wel.Enricher{
			Client:  &http.Client{Timeout: 20 * time.Second, Transport: tracing.HTTPTransport(nil)},
			Logger:  logger,
			Metrics: m,
		}
		p.WELScorer = &wel.Scorer{Providers: reg, Logger: logger, Metrics: m}
		p.Resolver = &wel.Resolver{Providers: reg, Logger: logger}
		logger.Info("web evidence lens enabled")
	} else {
		logger.Info("web evidence lens disabled, web_informed runs degrade to the prior")
	}

	mgr := usage.NewManager(db)

	deps := httpapi.Dependencies{
		Pipeline: p,
		Usage:    mgr,
		Health:   ht,
		EventBus: bus,
		Metrics:  m,
	}

	s := &Server{
		cfg:             cfg,
		r:               r,
		store:           db,
		pipeline:        p,
		usage:           mgr,
		logger:          logger,
		sampleMem:       sampleMem,
		runMem:          runMem,
		tracingShutdown: tracingShutdown,
	}

	if cfg.TemporalEnabled {
		acts := &temporalpkg.Activities{Pipeline: p, Logger: logger}
		tm, err := temporalpkg.New(temporalpkg.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, acts)
		if err != nil {
			// Durable execution is best-effort; the server still runs checks
			// in-process.
			logger.Warn("temporal unavailable, running checks in-process",
				slog.String("error", err.Error()))
		} else if err := tm.Start(); err != nil {
			logger.Warn("temporal worker failed to start", slog.String("error", err.Error()))
			tm.Stop()
		} else {
			s.temporal = tm
			deps.TemporalClient = tm.Client()
			deps.TemporalTaskQueue = tm.TaskQueue()
			deps.CircuitBreaker = circuitbreaker.New()
			logger.Info("temporal worker started",
				slog.String("task_queue", cfg.TemporalTaskQueue))
		}
	}

	httpapi.MountRoutes(r, deps)
	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

func (s *Server) ListenAddr() string { return s.cfg.ListenAddr }

func (s *Server) Close() error {
	if s.temporal != nil {
		s.temporal.Stop()
	}
	if s.sampleMem != nil {
		s.sampleMem.Stop()
	}
	if s.runMem != nil {
		s.runMem.Stop()
	}
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.tracingShutdown(ctx)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// openAICapabilities loads the configured YAML capability record or falls
// back to the compiled-in defaults.
func openAICapabilities(cfg Config) (providers.Capabilities, error) {
	if cfg.CapabilitiesPath != "" {
		cc := providers.NewCapabilityCache()
		return cc.Load(cfg.CapabilitiesPath)
	}
	return providers.Capabilities{
		Provider:     "openai",
		DefaultModel: "gpt-5",
		APIModelMap: map[string]string{
			"gpt-5":      "gpt-5",
			"gpt-5-mini": "gpt-5-mini",
			"gpt-4o":     "gpt-4o",
		},
		SupportsJSONSchema: true,
		SupportsJSONMode:   true,
		SupportsSeed:       false,
		MaxOutputTokens:    4096,
	}, nil
}
