package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/carelink/realtime/internal/call"
	"github.com/carelink/realtime/internal/config"
	"github.com/carelink/realtime/internal/consult"
	"github.com/carelink/realtime/internal/logging"
	"github.com/carelink/realtime/internal/monitoring"
	"github.com/carelink/realtime/internal/notify"
	"github.com/carelink/realtime/internal/rest"
	"github.com/carelink/realtime/internal/session"
)

// globalKey is the conversation key of the call/notification channel.
const globalKey = "global"

func main() {
	cfg := config.LoadOrDefault()

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	metrics := monitoring.New(reg)

	api := rest.NewClient(cfg.Transport.APIOrigin, logger)
	if token := os.Getenv("RTCLIENT_API_TOKEN"); token != "" {
		api.SetAuthToken(token)
	}

	dialer := &session.WSDialer{}
	policy := session.NewReconnectPolicy(
		cfg.Reconnect.BaseDelay,
		cfg.Reconnect.Growth,
		cfg.Reconnect.MaxDelay,
		cfg.Reconnect.MaxAttempts,
	)

	registry := session.NewRegistry(cfg.Pool.Capacity, func(key string) *session.Manager {
		return session.NewManager(session.ManagerConfig{
			Key:        key,
			Endpoint:   endpointFor(cfg.Transport.WSOrigin, key),
			StaleAfter: cfg.Heartbeat.StaleAfter,
			PongWindow: cfg.Heartbeat.PongWindow,
		}, dialer, api, policy, logger, metrics)
	}, logger, metrics)

	machine := call.NewMachine(call.DefaultGracePeriod, logger)
	globalMgr := registry.Acquire(globalKey)
	signaler := call.NewSignaler(machine, globalMgr.Send, api, cfg.Transport.AckTimeout, logger)
	deduper := notify.NewDeduper(cfg.Notify.DedupeCapacity)

	global := consult.NewGlobalChannel(globalMgr, signaler, deduper, logger, metrics)
	global.OnNotification(func(n consult.Notification) {
		logger.Info("notification",
			zap.String("kind", string(n.Kind)),
			zap.String("consultation_id", n.ConsultationID))
	})
	if err := global.Open(context.Background()); err != nil {
		logger.Fatal("failed to open global channel", zap.Error(err))
	}

	var admin *http.Server
	if cfg.Admin.Enabled {
		admin = startAdmin(cfg.Admin.Addr, reg, registry, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	global.Close("shutdown")
	registry.CloseAll("shutdown")
	if admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := admin.Shutdown(ctx); err != nil {
			logger.Warn("admin shutdown failed", zap.Error(err))
		}
	}
}

// endpointFor maps a conversation key to its socket URL.
func endpointFor(wsOrigin, key string) string {
	if key == globalKey {
		return wsOrigin + "/ws/notifications"
	}
	return wsOrigin + "/ws/consultations/" + key
}

// startAdmin serves /metrics and /healthz on the loopback admin port.
func startAdmin(addr string, reg *prometheus.Registry, registry *session.Registry, logger *logging.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": registry.Len(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		logger.Info("admin endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", zap.Error(err))
		}
	}()
	return srv
}
