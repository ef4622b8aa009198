package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/slotcast/internal/api"
	"github.com/onnwee/slotcast/internal/audit"
	"github.com/onnwee/slotcast/internal/auth"
	"github.com/onnwee/slotcast/internal/booking"
	"github.com/onnwee/slotcast/internal/config"
	"github.com/onnwee/slotcast/internal/health"
	"github.com/onnwee/slotcast/internal/idempotency"
	"github.com/onnwee/slotcast/internal/jobs"
	"github.com/onnwee/slotcast/internal/livekit"
	"github.com/onnwee/slotcast/internal/middleware"
	"github.com/onnwee/slotcast/internal/realtime"
	"github.com/onnwee/slotcast/internal/scheduler"
	"github.com/onnwee/slotcast/internal/streaming"
	"github.com/onnwee/slotcast/internal/upload"
)

const (
	serviceName = "slotcast"

	// cleanupInterval is how often expired in-memory rate-limit buckets and
	// idempotency records are dropped.
	cleanupInterval = time.Minute
)

// deps are the external resources an app is built on. DB and Redis may be
// nil; a nil Audit keeps the trail in memory.
type deps struct {
	Store booking.Store
	Audit audit.Repository
	DB    health.Pinger
	Redis redis.UniversalClient
}

// app holds the wired server components and their lifecycle.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	handler    http.Handler
	registry   *prometheus.Registry
	scheduler  *scheduler.Scheduler
	supervisor *jobs.Supervisor
	scene      *realtime.Hub
	content    *realtime.Hub
	sockets    *realtime.BookingRegistry

	memLimits *middleware.InMemoryRateLimitStore
	memIdem   *idempotency.InMemoryRepository
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// newApp wires every component from cfg. It starts nothing.
func newApp(cfg *config.Config, logger *slog.Logger, d deps) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		stopCh:   make(chan struct{}),
	}

	httpMetrics := middleware.NewMetrics()
	realtimeMetrics := realtime.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	schedulerMetrics := scheduler.NewMetrics()
	streamingMetrics := streaming.NewMetrics()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, r := range []interface {
		Register(prometheus.Registerer) error
	}{httpMetrics, realtimeMetrics, jobMetrics, schedulerMetrics, streamingMetrics} {
		if err := r.Register(a.registry); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	a.scene = realtime.NewHub(realtime.RegistryScene, logger, realtimeMetrics)
	a.content = realtime.NewHub(realtime.RegistryContent, logger, realtimeMetrics)
	a.sockets = realtime.NewBookingRegistry(logger, realtimeMetrics)
	fanout := realtime.NewFanout(a.scene, a.content, d.Store, logger)

	a.supervisor = jobs.NewSupervisor(logger, jobMetrics)

	delegator, err := newDelegator(cfg)
	if err != nil {
		return nil, err
	}
	var (
		granter scheduler.Granter
		revoker booking.Revoker
	)
	if delegator != nil {
		bridge := streaming.NewBridge(delegator, a.supervisor, streaming.Config{
			MaxAttempts: cfg.StreamingMaxAttempts,
			Logger:      logger,
			Metrics:     streamingMetrics,
			JobMetrics:  jobMetrics,
		})
		granter, revoker = bridge, bridge
	}

	service := booking.NewService(d.Store, fanout, revoker, booking.ServiceConfig{
		MinDuration: cfg.MinBookingTime,
		MaxDuration: cfg.MaxBookingTime,
	}, logger)

	schedCfg := scheduler.Config{
		Interval:   cfg.SchedulerInterval,
		Logger:     logger,
		Metrics:    schedulerMetrics,
		JobMetrics: jobMetrics,
	}
	if d.Redis != nil {
		schedCfg.Locker = scheduler.NewRedisLocker(d.Redis, scheduler.DefaultLockKey, 3*cfg.SchedulerInterval)
	}
	a.scheduler = scheduler.New(d.Store, fanout, granter, schedCfg)

	jwtService := auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret)

	var tokens *livekit.TokenService
	if cfg.LiveKitEnabled() {
		tokens, err = livekit.NewTokenService(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret)
		if err != nil {
			return nil, fmt.Errorf("livekit token service: %w", err)
		}
	}

	var (
		limits middleware.RateLimitStore
		idem   idempotency.Repository
	)
	if d.Redis != nil {
		limits = middleware.NewRedisRateLimitStore(d.Redis).WithMetrics(httpMetrics)
		idem = idempotency.NewRedisRepository(d.Redis)
	} else {
		a.memLimits = middleware.NewInMemoryRateLimitStore()
		a.memIdem = idempotency.NewInMemoryRepository()
		limits, idem = a.memLimits, a.memIdem
	}

	var uploads *upload.Service
	if cfg.UploadsEnabled() {
		uploads, err = upload.NewService(upload.ServiceConfig{
			BucketName:      cfg.R2BucketName,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Endpoint:        cfg.R2Endpoint,
			PublicURL:       cfg.R2PublicURL,
			MaxSizeMB:       cfg.R2MaxUploadSizeMB,
		})
		if err != nil {
			return nil, fmt.Errorf("upload service: %w", err)
		}
		service.WithPreviews(uploads)
	}

	var auditRepo audit.Repository = audit.NewInMemoryRepository()
	if d.Audit != nil {
		auditRepo = d.Audit
	}

	healthCfg := api.HealthHandlersConfig{}
	if d.DB != nil {
		healthCfg.DBChecker = health.NewDBChecker(d.DB)
	}
	if d.Redis != nil {
		healthCfg.RedisChecker = health.NewRedisChecker(d.Redis)
	}
	if cfg.LiveKitEnabled() {
		healthCfg.LiveKitChecker = health.NewLiveKitChecker(cfg.LiveKitURL)
	}
	if cfg.StreamingAuthority == config.StreamingWorlds {
		healthCfg.WorldsChecker = health.NewHTTPChecker("worlds", cfg.WorldsURL)
	}

	mux := api.NewRouter(api.RouterConfig{
		Bookings: api.NewBookingHandlers(service).WithAudit(auditRepo),
		Tokens:   api.NewTokenHandlers(jwtService, service, tokens).WithAudit(auditRepo),
		WS: api.NewWSHandlers(a.scene, a.content, a.sockets, service, jwtService, api.WSConfig{
			AllowedOrigins: cfg.CORSAllowedOrigins,
		}),
		Content:        api.NewContentHandlers(fanout),
		Uploads:        api.NewUploadHandlers(uploads),
		Health:         api.NewHealthHandlers(healthCfg),
		Auth:           jwtService,
		SystemToken:    cfg.SystemToken,
		RateLimitStore: limits,
		WriteLimit:     middleware.DefaultWriteLimit(),
		TokenLimit:     middleware.DefaultTokenLimit(),
		Idempotency:    idem,
		IdempotencyTTL: idempotency.DefaultExpiry,
		Metrics:        httpMetrics,
		MetricsHandler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
	})

	// RequestID -> Logging -> HTTPMetrics -> Tracing -> CORS -> routes
	var handler http.Handler = mux
	handler = middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSAllowedOrigins))(handler)
	handler = middleware.Tracing(serviceName)(handler)
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	handler = middleware.Logging(logger)(handler)
	a.handler = middleware.RequestID(handler)

	return a, nil
}

// newDelegator builds the streaming-rights delegator for the configured
// authority. It returns nil when streaming delegation is disabled.
func newDelegator(cfg *config.Config) (streaming.Delegator, error) {
	switch cfg.StreamingAuthority {
	case config.StreamingWorlds:
		signer, err := streaming.NewSigner(streaming.SignerConfig{
			OwnerAddress:        cfg.OwnerAddress,
			EphemeralPrivateKey: cfg.EphemeralPrivateKey,
			DelegationSignature: cfg.DelegationSignature,
			Expiration:          cfg.DelegationExpiration,
		})
		if err != nil {
			return nil, fmt.Errorf("streaming signer: %w", err)
		}
		return streaming.NewWorldsDelegator(cfg.WorldsURL, signer), nil
	case config.StreamingLiveKit:
		rooms := livekit.NewRoomService(cfg.LiveKitURL, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret)
		return streaming.NewLiveKitDelegator(rooms), nil
	default:
		return nil, nil
	}
}

// start launches the scheduler and housekeeping loops.
func (a *app) start(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if a.memLimits != nil {
		a.wg.Add(1)
		go a.cleanupMemoryStores()
	}
	return nil
}

func (a *app) cleanupMemoryStores() {
	defer a.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.memLimits.Cleanup()
			a.memIdem.Cleanup()
		}
	}
}

// shutdown stops the scheduler, closes every socket and waits for
// in-flight delegations until ctx expires.
func (a *app) shutdown(ctx context.Context) error {
	a.scheduler.Stop()
	close(a.stopCh)
	a.wg.Wait()

	a.scene.CloseAll()
	a.content.CloseAll()
	a.sockets.CloseAll()

	if err := a.supervisor.Shutdown(ctx); err != nil {
		return fmt.Errorf("supervisor shutdown: %w", err)
	}
	return nil
}
