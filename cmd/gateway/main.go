package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"tradegate/gateway/apikey"
	"tradegate/gateway/auth"
	"tradegate/gateway/config"
	"tradegate/gateway/middleware"
	"tradegate/gateway/pipeline"
	"tradegate/gateway/ratelimit"
	"tradegate/gateway/rbac"
	"tradegate/gateway/sanitize"
	"tradegate/gateway/session"
	"tradegate/observability/logging"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to gateway configuration (yaml or toml)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("TRADEGATE_ENV"))
	logger := logging.Setup("gateway", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	engine, err := rbac.NewEngine(cfg.RBACRoles(), cfg.RBACRules())
	if err != nil {
		logger.Error("build rbac engine", "error", err)
		os.Exit(1)
	}

	var persistence auth.NoncePersistence
	if cfg.HMAC.NoncePath != "" {
		store, err := auth.NewLevelDBNoncePersistence(cfg.HMAC.NoncePath)
		if err != nil {
			logger.Error("open nonce store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		persistence = store
	}
	verifier := auth.NewVerifier(cfg.Secrets(), cfg.HMAC.Window, cfg.HMAC.NonceCapacity, nil, persistence, logger)
	if persistence != nil {
		if err := verifier.HydrateNonces(context.Background(), time.Now().Add(-verifier.Window())); err != nil {
			logger.Error("hydrate nonces", "error", err)
			os.Exit(1)
		}
	}

	var keyStore apikey.Store
	if cfg.APIKeys.StorePath != "" {
		store, err := apikey.OpenSQLiteStore(cfg.APIKeys.StorePath)
		if err != nil {
			logger.Error("open api key store", "error", err)
			os.Exit(1)
		}
		keyStore = store
	} else {
		keyStore = apikey.NewMemoryStore(cfg.StaticKeys())
	}
	validator := apikey.NewValidator(cfg.ScopeRules(), keyStore, nil)

	quotas, defaultQuota := cfg.Quotas()
	limiter := ratelimit.NewLimiter(quotas, defaultQuota, nil)

	pipe := pipeline.New(pipeline.Deps{
		Canonicalizer: sanitize.New(sanitize.Limits{MaxLength: cfg.Sanitize.MaxLength, MaxDepth: cfg.Sanitize.MaxDepth}),
		Verifier:      verifier,
		Engine:        engine,
		Keys:          validator,
		Limiter:       limiter,
		HMACRoles:     cfg.HMACRoles(),
		Logger:        logger,
	})

	guard := middleware.NewGuard(pipe, logger)
	bearer := middleware.NewBearer(middleware.BearerConfig{
		Enabled:   cfg.Bearer.Enabled,
		Secret:    cfg.Bearer.Secret,
		Issuer:    cfg.Bearer.Issuer,
		Audience:  cfg.Bearer.Audience,
		RoleClaim: cfg.Bearer.RoleClaim,
		ClockSkew: cfg.Bearer.ClockSkew,
	}, logger)
	throttle := middleware.NewThrottle(middleware.ThrottleConfig{
		Enabled:           cfg.Throttle.Enabled,
		RequestsPerMinute: cfg.Throttle.RequestsPerMinute,
		Burst:             cfg.Throttle.Burst,
	}, logger)
	csp := middleware.NewCSP(middleware.CSPConfig{
		Enabled:       cfg.CSP.Enabled,
		SessionCookie: cfg.CSP.SessionCookie,
	}, session.NewCSPNonces())
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Enabled,
	}, logger)

	r := chi.NewRouter()
	r.Use(middleware.CORS(middleware.CORSConfig{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", obs.MetricsHandler())
	r.Group(func(gr chi.Router) {
		gr.Use(throttle.Middleware)
		gr.Use(obs.Middleware("gateway"))
		gr.Use(csp.Middleware)
		gr.Use(bearer.Middleware)
		gr.Use(guard.Middleware)
		gr.HandleFunc("/*", func(w http.ResponseWriter, _ *http.Request) {
			// Admitted requests are forwarded by the surrounding platform;
			// this binary only exposes the decision surface.
			w.WriteHeader(http.StatusNoContent)
		})
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepLoop(sweepCtx, limiter, throttle, defaultQuota.Window)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddress)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}
}

// sweepLoop opportunistically drops stale rate-limit buckets and idle
// throttle entries so long-running processes do not accumulate identities.
func sweepLoop(ctx context.Context, limiter *ratelimit.Limiter, throttle *middleware.Throttle, window time.Duration) {
	if window <= 0 {
		window = time.Minute
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for limiter.Sweep(now.Add(-2*window)) > 0 {
			}
			throttle.Prune(10 * time.Minute)
		}
	}
}
