// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway assembles the admission gateway service.
//
// The gateway fronts a conversational RAG backend and decides, per
// request, whether the caller may consume model spend: challenge
// verification, sliding-window rate limits, cost throttling, bot
// checks, and input sanitization all run before a single token is
// dispatched. This package owns process lifecycle; the decision logic
// lives in services/guard and services/gateway/admission.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianGate/pkg/extensions"
	"github.com/AleutianAI/AleutianGate/pkg/secrets"
	"github.com/AleutianAI/AleutianGate/pkg/telemetry"
	"github.com/AleutianAI/AleutianGate/services/gateway/admission"
	"github.com/AleutianAI/AleutianGate/services/gateway/handlers"
	"github.com/AleutianAI/AleutianGate/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGate/services/gateway/observability"
	"github.com/AleutianAI/AleutianGate/services/gateway/routes"
	"github.com/AleutianAI/AleutianGate/services/guard/botcheck"
	"github.com/AleutianAI/AleutianGate/services/guard/challenge"
	"github.com/AleutianAI/AleutianGate/services/guard/config"
	"github.com/AleutianAI/AleutianGate/services/guard/costguard"
	"github.com/AleutianAI/AleutianGate/services/guard/identity"
	"github.com/AleutianAI/AleutianGate/services/guard/ratelimit"
	"github.com/AleutianAI/AleutianGate/services/guard/sanitize"
	"github.com/AleutianAI/AleutianGate/services/guard/store"
	"github.com/AleutianAI/AleutianGate/services/guard/webhookauth"
	"github.com/AleutianAI/AleutianGate/services/ingest"
	"github.com/AleutianAI/AleutianGate/services/rag"
	"github.com/AleutianAI/AleutianGate/services/usage"
)

// =============================================================================
// Service Interface
// =============================================================================

// Service is the running gateway.
//
// # Limitations
//
//   - Run() blocks until shutdown signal or server error
//   - Run() is called at most once per Service instance
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	// SIGINT and SIGTERM trigger a graceful drain before exit.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds gateway configuration options.
//
// # Description
//
// Centralizes all configuration for the gateway service. Values come
// from environment variables (see cmd/gateway), config files, or are
// set programmatically for testing. Secrets never live here: admin
// tokens, the webhook HMAC key, and the Turnstile secret are read from
// the environment into the memory-locked vault at startup.
//
// # Required Fields
//
// One chat backend: either RAGServiceURL or OpenAIAPIKey/OpenAIBaseURL.
// Everything else has defaults applied by New().
type Config struct {
	// Port is the HTTP server port. Default: 12310.
	Port int

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Default: uses GIN_MODE env var or "debug".
	GinMode string

	// Production hardens security headers (HSTS) and marks the
	// deployment environment in telemetry.
	Production bool

	// TrustForwardedFor accepts X-Forwarded-For for client IPs. Enable
	// only behind a proxy that overwrites the header.
	TrustForwardedFor bool

	// MaxBodyBytes caps request bodies. Zero takes the default.
	MaxBodyBytes int64

	// RedisAddr is the guard store address. If empty the gateway still
	// starts; admission fails open per policy and logs loudly.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// RAGServiceURL selects the REST dispatch backend when set,
	// e.g. "http://rag:8001".
	RAGServiceURL string

	// OpenAIAPIKey and OpenAIBaseURL select the direct backend when
	// RAGServiceURL is empty. BaseURL alone targets a compatible local
	// server.
	OpenAIAPIKey  string
	OpenAIBaseURL string

	// Model names the dispatch model for cost estimation.
	// Default: "gpt-4o-mini".
	Model string

	// WeaviateURL enables webhook content ingestion when set.
	WeaviateURL string

	// NonceCacheDir enables strict webhook replay protection when set;
	// signatures are remembered in a Badger store at this path.
	NonceCacheDir string

	// OTelEndpoint overrides the OTLP trace collector endpoint.
	OTelEndpoint string

	// EnableMetrics enables the Prometheus registry. Default: true in
	// DefaultConfig; zero-value Config leaves it off.
	EnableMetrics bool

	// Usage configures the cost ledger sinks (InfluxDB, GCS archive).
	Usage usage.Config

	// Guard overrides the built-in policy defaults. Zero value uses
	// config.Defaults(). Runtime overrides from the admin API layer on
	// top of whatever is set here.
	Guard config.Snapshot
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		Port:          12310,
		RedisAddr:     "localhost:6379",
		Model:         "gpt-4o-mini",
		EnableMetrics: true,
	}
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = middleware.DefaultMaxBodyBytes
	}
	var zero config.Snapshot
	if cfg.Guard == zero {
		cfg.Guard = config.Defaults()
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// configReloadInterval is how often the live policy snapshot is
// refreshed from the store.
const configReloadInterval = 30 * time.Second

// shutdownGrace bounds the drain of in-flight requests on SIGTERM.
// Streams longer than this are cut.
const shutdownGrace = 15 * time.Second

// service implements Service for production use.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
type service struct {
	config Config
	opts   extensions.ServiceOptions
	router *gin.Engine

	store      *store.Store
	vault      *secrets.Vault
	live       *config.Service
	sanitizer  sanitize.Service
	usage      *usage.Service
	nonceCache *webhookauth.NonceCache

	telemetryShutdown func(context.Context) error
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a gateway Service with the given configuration.
//
// # Description
//
// New initializes all gateway components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing and Prometheus metrics
//  3. Connects the Redis guard store (non-fatal if unreachable)
//  4. Loads secrets from the environment into the vault
//  5. Builds the guard services and the admission pipeline
//  6. Creates the chat dispatcher (REST or direct OpenAI)
//  7. Wires the cost ledger, webhook authenticator, and ingestor
//  8. Sets up HTTP routes with extension options
//
// If opts is nil, extensions.DefaultOptions() is used.
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Extension options for enterprise features. May be nil.
//
// # Outputs
//
//   - Service: Ready-to-run gateway
//   - error: Non-nil if a required component fails to initialize
//
// # Examples
//
//	svc, err := gateway.New(gateway.DefaultConfig(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// # Assumptions
//
//   - Environment variables are set for secrets (GATEWAY_ADMIN_TOKENS,
//     GATEWAY_WEBHOOK_SECRET, TURNSTILE_SECRET_KEY)
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	if opts != nil {
		s.opts = (*opts).EnsureDefaults()
	} else {
		s.opts = extensions.DefaultOptions()
	}

	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	shutdown, err := s.initTelemetry()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.telemetryShutdown = shutdown

	var metrics *observability.GateMetrics
	if s.config.EnableMetrics {
		metrics = observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics")
	}

	if err := s.initStore(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize guard store: %w", err)
	}

	if err := s.initVault(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize vault: %w", err)
	}

	s.live = config.New(s.store, s.config.Guard)
	s.sanitizer = sanitize.New(sanitize.Config{})

	challenges := challenge.New(s.store)
	cost := costguard.New(s.store)
	limiter := ratelimit.New(s.store)
	estimator := costguard.NewEstimator()
	bots := botcheck.New(botcheck.Config{}, s.vault)

	pipeline := admission.New(admission.Config{
		Live:       s.live,
		Challenges: challenges,
		Limiter:    limiter,
		Cost:       cost,
		Estimator:  estimator,
		Bots:       bots,
		Sanitizer:  s.sanitizer,
		Metrics:    metrics,
		Model:      s.config.Model,
		Options:    s.opts,
	})

	dispatcher, err := s.initDispatcher()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize chat backend: %w", err)
	}

	ingestor, err := s.initIngestor()
	if err != nil {
		// Not fatal: webhook deliveries get a 500 receipt until the
		// vector store comes back.
		slog.Warn("Ingestor initialization failed, webhook ingestion disabled",
			"error", err)
		ingestor = ingest.Nop{}
	}

	s.usage, err = usage.New(context.Background(), s.config.Usage)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize usage ledger: %w", err)
	}

	webhooks, err := s.initWebhookAuth()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize webhook auth: %w", err)
	}

	s.initRouter(routes.Deps{
		Chat: handlers.ChatDeps{
			Pipeline:   pipeline,
			Dispatcher: dispatcher,
			Estimator:  estimator,
			Metrics:    metrics,
			Usage:      s.usage,
		},
		Challenges:   challenges,
		Cost:         cost,
		Limiter:      limiter,
		Live:         s.live,
		Store:        s.store,
		Vault:        s.vault,
		Extractor:    identity.NewExtractor(s.config.TrustForwardedFor),
		Webhooks:     webhooks,
		Ingestor:     ingestor,
		Metrics:      metrics,
		Probes:       s.probes(ingestor),
		Production:   s.config.Production,
		MaxBodyBytes: s.config.MaxBodyBytes,
	})

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
//
// # Description
//
// Starts the config reload loop, the day-ledger archiver, and the HTTP
// server. On SIGINT/SIGTERM the server drains in-flight requests for
// up to shutdownGrace before the process exits. Cleanup is automatic
// on return.
func (s *service) Run() error {
	defer s.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.live.Start(ctx, configReloadInterval)
	go s.archiveLoop(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting gateway server", "port", s.config.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutdown signal received, draining", "grace", shutdownGrace.String())
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

func (s *service) initTelemetry() (func(context.Context) error, error) {
	tcfg := telemetry.DefaultConfig()
	if s.config.OTelEndpoint != "" {
		tcfg.OTLPEndpoint = s.config.OTelEndpoint
	}
	if s.config.Production {
		tcfg.Environment = "production"
	}
	return telemetry.Init(context.Background(), tcfg)
}

// initStore builds the Redis client and pings it once. An unreachable
// store is a warning, not a fatal error: every guard component degrades
// per its fail-open/fail-closed policy, and readiness reports the truth.
func (s *service) initStore() error {
	st, err := store.New(store.Config{
		Addr:     s.config.RedisAddr,
		Password: s.config.RedisPassword,
		DB:       s.config.RedisDB,
	})
	if err != nil {
		return err
	}
	s.store = st

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := st.Ping(pingCtx); err != nil {
		slog.Warn("Guard store unreachable at startup, admission degrades open",
			"addr", s.config.RedisAddr,
			"error", err)
	}
	return nil
}

// initVault loads secrets from the environment into locked memory. The
// plaintext env values are all the process ever exposes; everything
// downstream reads the vault.
func (s *service) initVault() error {
	vault, err := secrets.NewVault()
	if err != nil {
		return err
	}
	s.vault = vault

	loaded := func(name, envVar string) {
		if vault.StoreFromEnv(name, envVar) {
			slog.Info("Loaded secret", "name", name)
		} else {
			slog.Warn("Secret not configured, dependent feature disabled",
				"name", name,
				"env", envVar)
		}
	}
	loaded(middleware.AdminSecretName, "GATEWAY_ADMIN_TOKENS")
	loaded(webhookauth.SecretName, "GATEWAY_WEBHOOK_SECRET")
	loaded(botcheck.SecretName, "TURNSTILE_SECRET_KEY")
	return nil
}

func (s *service) initDispatcher() (rag.Dispatcher, error) {
	if s.config.RAGServiceURL != "" {
		slog.Info("Using REST dispatch backend", "url", s.config.RAGServiceURL)
		return rag.NewRESTDispatcher(rag.RESTConfig{BaseURL: s.config.RAGServiceURL})
	}
	slog.Info("Using direct OpenAI dispatch backend", "model", s.config.Model)
	return rag.NewOpenAIDispatcher(rag.OpenAIConfig{
		APIKey:  s.config.OpenAIAPIKey,
		BaseURL: s.config.OpenAIBaseURL,
		Model:   s.config.Model,
	})
}

func (s *service) initIngestor() (ingest.Ingestor, error) {
	if s.config.WeaviateURL == "" {
		slog.Info("Weaviate not configured, webhook ingestion runs in validate-only mode")
		return ingest.Nop{}, nil
	}
	w, err := ingest.NewWeaviateIngestor(s.config.WeaviateURL)
	if err != nil {
		return nil, err
	}
	schemaCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.EnsureSchema(schemaCtx); err != nil {
		return nil, err
	}
	slog.Info("Connected to Weaviate", "url", s.config.WeaviateURL)
	return w, nil
}

func (s *service) initWebhookAuth() (*webhookauth.Authenticator, error) {
	wcfg := webhookauth.Config{}
	if s.config.NonceCacheDir != "" {
		cache, err := webhookauth.OpenNonceCache(s.config.NonceCacheDir)
		if err != nil {
			return nil, err
		}
		s.nonceCache = cache
		wcfg.NonceCache = cache
		slog.Info("Strict webhook replay protection enabled", "dir", s.config.NonceCacheDir)
	}
	return webhookauth.New(wcfg, s.vault), nil
}

func (s *service) initRouter(deps routes.Deps) {
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("gateway-service"))

	routes.SetupRoutes(s.router, deps)
}

// probes builds the detailed-health probe set. Only "store" gates
// readiness; the rest report as degradations.
func (s *service) probes(ingestor ingest.Ingestor) map[string]handlers.Prober {
	probes := map[string]handlers.Prober{
		"store": func(ctx context.Context) error { return s.store.Ping(ctx) },
	}
	if w, ok := ingestor.(*ingest.WeaviateIngestor); ok {
		probes["weaviate"] = func(ctx context.Context) error { return w.EnsureSchema(ctx) }
	}
	return probes
}

// =============================================================================
// Background Loops
// =============================================================================

// archiveLoop flushes the previous day's cost ledger to object storage
// shortly after each UTC midnight. Runs hourly so a missed tick (or a
// restart) self-heals on the next pass: Archive is a no-op for days
// with no in-memory entries.
func (s *service) archiveLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			yesterday := time.Now().UTC().AddDate(0, 0, -1)
			if err := s.usage.Archive(ctx, yesterday); err != nil {
				slog.Warn("Day ledger archive failed",
					"day", yesterday.Format("2006-01-02"),
					"error", err)
			}
		}
	}
}

// =============================================================================
// Cleanup
// =============================================================================

// cleanup releases all resources held by the service. Called when
// Run() exits or on initialization failure; safe on a partially
// constructed service.
func (s *service) cleanup() {
	if s.live != nil {
		s.live.Stop()
	}
	if s.sanitizer != nil {
		if err := s.sanitizer.Close(); err != nil {
			slog.Warn("Sanitizer close error", "error", err)
		}
	}
	if s.usage != nil {
		s.usage.Close()
	}
	if s.nonceCache != nil {
		if err := s.nonceCache.Close(); err != nil {
			slog.Warn("Nonce cache close error", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("Store close error", "error", err)
		}
	}
	if s.vault != nil {
		s.vault.Destroy()
	}
	if s.telemetryShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.telemetryShutdown(shutdownCtx); err != nil {
			slog.Warn("Telemetry shutdown error", "error", err)
		}
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
