package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httphandlers "tourstream/internal/handlers/http"
	signalws "tourstream/internal/infrastructure/signal"
	"tourstream/internal/infrastructure/middleware"
	"tourstream/internal/infrastructure/monitoring"
	"tourstream/internal/infrastructure/repositories"
	rtc "tourstream/internal/infrastructure/webrtc"
	"tourstream/pkg/config"
	"tourstream/pkg/logger"
	"tourstream/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/tourstream/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()
	roomRepo := repoFactory.CreateRoomRepository()

	var relayMetrics rtc.RelayMetrics = rtc.NopRelayMetrics{}
	collector := monitoring.NewPrometheusCollector()
	if cfg.Monitoring.PrometheusEnabled {
		relayMetrics = collector
	}

	relayCfg := rtc.RelayConfig{}
	if cfg.Session.STUNServerURL != "" {
		relayCfg.ICEServers = append(relayCfg.ICEServers, webrtc.ICEServer{
			URLs: []string{cfg.Session.STUNServerURL},
		})
	}
	if cfg.Session.TURNServerURL != "" {
		relayCfg.ICEServers = append(relayCfg.ICEServers, webrtc.ICEServer{
			URLs:       []string{cfg.Session.TURNServerURL},
			Username:   cfg.Session.TURNUsername,
			Credential: cfg.Session.TURNCredential,
		})
	}
	relay := rtc.NewRelay(relayCfg, relayMetrics, zapLogger)

	router := signalws.NewRouter(roomRepo, relay, zapLogger)
	router.SetPingInterval(cfg.Signal.PingInterval)
	router.SetReadTimeout(cfg.Signal.PongTimeout)

	health := monitoring.NewHealthChecker()
	health.AddCheck("rooms", func(ctx context.Context) error {
		_, err := roomRepo.ListActive(ctx)
		return err
	})

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.TracingMiddleware())
	engine.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	engine.Use(middleware.ErrorHandlerMiddleware(log))
	engine.Use(middleware.AuthMiddleware(cfg.Auth.JWTSecret, cfg.Auth.Required))

	engine.GET("/ws", func(c *gin.Context) {
		router.HandleWebSocket(c.Writer, c.Request)
	})
	engine.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	roomHandler := httphandlers.NewRoomHandler(roomRepo)
	roomHandler.SetupRoutes(engine)
	if cfg.Monitoring.PrometheusEnabled {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: engine,
	}

	go func() {
		log.Infow("starting signaling server", "address", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warnw("server shutdown failed", "error", err)
	}
	if err := tp.Shutdown(ctx); err != nil {
		log.Warnw("tracer shutdown failed", "error", err)
	}
}
