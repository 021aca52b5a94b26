package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"streamhub/internal/core/services"
	handlers "streamhub/internal/handlers/http"
	"streamhub/internal/infrastructure/collaborators"
	"streamhub/internal/infrastructure/distributed"
	"streamhub/internal/infrastructure/middleware"
	"streamhub/internal/infrastructure/monitoring"
	"streamhub/internal/infrastructure/ratelimit"
	"streamhub/internal/infrastructure/reliability"
	"streamhub/internal/infrastructure/repositories"
	wsignal "streamhub/internal/infrastructure/signal"
	"streamhub/internal/infrastructure/storage"
	"streamhub/pkg/circuitbreaker"
	"streamhub/pkg/config"
	dlock "streamhub/pkg/distributed"
	"streamhub/pkg/logger"
	"streamhub/pkg/tracing"
	"streamhub/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	janitorInterval   = time.Minute
	heartbeatInterval = 10 * time.Second
	instanceTTL       = 30 * time.Second
	sweepLockKey      = "streamhub:lock:recording-sweep"
	rateLimitPrefix   = "streamhub:ratelimit:"
)

// configPaths are tried in order; STREAMHUB_CONFIG wins when set.
var configPaths = []string{
	"configs/config.yaml",
	"./config.yaml",
	"/etc/streamhub/config.yaml",
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "streamhub: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	if path := os.Getenv("STREAMHUB_CONFIG"); path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}
	cfg, err := config.Load("")
	return cfg, "", err
}

func run() error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	zl, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer zl.Sync()
	log := zl.Sugar()
	if path != "" {
		log.Infow("loaded config", "path", path)
	} else {
		log.Info("no config file found, using defaults and environment")
	}

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := utils.SystemClock{}
	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	factory := repositories.NewRepositoryFactory(ctx, cfg, clock, log)
	client := factory.RedisClient()

	limiterOpts := []ratelimit.Option{ratelimit.WithRejectHook(collector.Throttled)}
	if client != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithSharedStore(ratelimit.NewRedisStore(client, rateLimitPrefix)))
	}
	limiter := ratelimit.NewLimiter(cfg, log, limiterOpts...)

	chunks, err := storage.NewFileChunkStore(cfg.Recording.StorageRoot)
	if err != nil {
		return err
	}

	instanceID := utils.GenerateID("hub")
	deps := services.HubDeps{
		Snapshots: factory.CreateSnapshotStore(),
		Chunks:    chunks,
		Source:    storage.NewSyntheticSource(cfg.Recording.SimulatedChunkBytes),
		Admission: limiter,
		Quality: services.NewQualityService(services.ScoreThresholds{
			High:   cfg.ABR.Thresholds.High,
			Medium: cfg.ABR.Thresholds.Medium,
			Low:    cfg.ABR.Thresholds.Low,
		}, cfg.WebRTC.ICEServers),
		Clock:   clock,
		Metrics: collector,
		Logger:  log,
	}
	if cfg.Collaborators.PaymentURL != "" {
		deps.Payments = reliability.NewGuardedPaymentGateway(
			collaborators.NewPaymentClient(cfg.Collaborators.PaymentURL, cfg.Collaborators.Timeout),
			func(err error) bool { return errors.Is(err, collaborators.ErrTipDeclined) },
			circuitbreaker.DefaultConfig(),
			log,
		)
	}

	var (
		eventBus  *distributed.EventBus
		instances *distributed.InstanceRegistry
	)
	if client != nil {
		eventBus = distributed.NewEventBus(client, instanceID, cfg.Redis.EventsChannel, log)
		instances = distributed.NewInstanceRegistry(client, instanceID, instanceTTL, log)
		deps.Lifecycle = eventBus
	}

	hub := services.NewHub(services.NewHubConfig(cfg, instanceID), deps)

	recorder := hub.Recorder()
	if n, err := recorder.Load(); err != nil {
		log.Warnw("failed to load finalized recordings", "error", err)
	} else if n > 0 {
		log.Infow("loaded finalized recordings", "count", n)
	}
	if client != nil {
		recorder.WithSweepLock(dlock.NewLock(client, sweepLockKey, cfg.Recording.SweepInterval))
	}

	checker := monitoring.NewHealthChecker(log)
	for name, check := range hub.HealthChecks() {
		checker.AddCheck(name, monitoring.CheckFunc(check), 5*time.Second)
	}
	if client != nil {
		checker.AddRedisCheck(client, 2*time.Second)
	}

	var wg sync.WaitGroup
	background := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	background(func() { hub.Registry().Run(ctx, cfg.Registry.JanitorInterval, hub.ForgetStream) })
	background(func() { limiter.Run(ctx, janitorInterval) })
	background(func() { factory.Run(ctx, janitorInterval) })
	background(func() { recorder.Run(ctx) })
	background(func() { checker.Run(ctx, cfg.Monitoring.HealthCheckInterval) })
	if eventBus != nil {
		background(func() {
			if err := eventBus.Subscribe(ctx, hub.HandleRemoteLifecycle); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("lifecycle subscription stopped", "error", err)
			}
		})
		startedAt := time.Now().UTC()
		background(func() {
			instances.Run(ctx, heartbeatInterval, func() distributed.InstanceInfo {
				stats := hub.Stats()
				return distributed.InstanceInfo{
					LiveStreams: stats.LiveStreams,
					Sessions:    stats.Sessions,
					Connections: stats.Connections,
					StartedAt:   startedAt,
				}
			})
		})
	}

	auth := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Required, clock)
	wsServer := wsignal.NewWebSocketServer(hub, wsignal.ConfigFrom(cfg), collector, log)

	router := newRouter(cfg, log, collector, limiter, auth, hub, checker, instances, wsServer)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("starting streamhub",
			"address", cfg.Server.Address,
			"instance_id", hub.InstanceID(),
			"redis", factory.UsesRedis(),
			"auth_required", cfg.Auth.Required,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Errorw("http server failed", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http server shutdown", "error", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Warnw("hub shutdown", "error", err)
	}
	if err := wsServer.Close(shutdownCtx); err != nil {
		log.Warnw("websocket shutdown", "error", err)
	}
	wg.Wait()
	if eventBus != nil {
		_ = eventBus.Close()
	}
	if err := factory.Close(); err != nil {
		log.Warnw("failed to close repositories", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("tracing shutdown", "error", err)
	}
	log.Info("streamhub stopped")
	return nil
}

func newRouter(
	cfg *config.Config,
	log *zap.SugaredLogger,
	collector *monitoring.PrometheusCollector,
	limiter *ratelimit.Limiter,
	auth *services.AuthService,
	hub *services.Hub,
	checker *monitoring.HealthChecker,
	instances *distributed.InstanceRegistry,
	wsServer *wsignal.WebSocketServer,
) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		middleware.RequestIDMiddleware(),
		middleware.RecoveryMiddleware(log),
		middleware.ErrorHandlerMiddleware(log),
		middleware.CORSMiddleware(cfg.Server.AllowedOrigins),
		middleware.TracingMiddleware(),
		middleware.MetricsMiddleware(collector),
	)

	handlers.NewHealthHandler(checker, hub, instances).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	authMW := middleware.AuthMiddleware(auth)
	api := router.Group("/api", middleware.NewHTTPRateLimitMiddleware(limiter, config.BucketAPI))
	handlers.NewStreamHandler(hub).SetupRoutes(api, authMW)
	handlers.NewRecordingHandler(hub).SetupRoutes(api, authMW)
	handlers.NewWebRTCHandler(hub).SetupRoutes(api)

	router.GET(cfg.Signal.Path,
		middleware.NewHTTPRateLimitMiddleware(limiter, config.BucketConnect),
		authMW,
		wsServer.HandleWebSocket,
	)
	return router
}
