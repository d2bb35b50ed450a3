package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"messaging-core/internal/config"
	"messaging-core/internal/core"
	"messaging-core/internal/db"
	"messaging-core/internal/handlers"
	"messaging-core/internal/hub"
	"messaging-core/internal/identity"
	"messaging-core/internal/middleware"
	"messaging-core/internal/observability"
	"messaging-core/internal/offline"
	"messaging-core/internal/rabbitmq"
	"messaging-core/internal/repositories"
	"messaging-core/internal/telemetry"
	"messaging-core/internal/ws"
)

const (
	serviceName     = "messaging-core"
	auditRoutingKey = "audit.messaging"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("%s: %v", serviceName, err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.OTLPEndpoint, serviceName)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	queue, err := offline.Open(cfg.QueuePath, logger.With("component", "queue"))
	if err != nil {
		return err
	}
	defer queue.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	logger.Info("rabbitmq.mode", "mode", rabbitmq.PublisherMode(publisher), "reason", rabbitmq.PublisherNoopReason(publisher))

	sink := rabbitmq.NewEventSink(publisher, 0, logger)
	eventHub := hub.New(logger.With("component", "hub"), hub.WithBufferSize(cfg.HubBuffer), hub.WithSinks(sink))
	audit := telemetry.NewAuditEmitter(publisher, auditRoutingKey, serviceName, cfg.Environment, logger)

	app := core.New(store, queue, eventHub, logger, core.Settings{
		Origin:          cfg.StoreOrigin,
		TypingTTL:       cfg.TypingTTL,
		PageLimitMax:    cfg.PageLimitMax,
		MonitorInterval: cfg.MonitorInterval,
		OnStall:         audit.QueueStalled,
	})
	defer app.Close()

	verifier := identity.NewVerifier(cfg.JWTSecret)
	connections := identity.NewConnections()
	gateway := ws.NewGateway(eventHub, verifier, connections, publisher, logger.With("component", "ws"))

	if err := handlers.RegisterBindingValidators(); err != nil {
		return err
	}
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(serviceName), observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "queued": queue.Len()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "queued": queue.Len()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers.RegisterRoutes(router, middleware.AuthMiddleware(verifier),
		handlers.NewChatHandler(app.Messages, app.Conversations, audit),
		handlers.NewPresenceHandler(app.Signals))
	router.GET("/ws", gateway.Handle)

	handlers.RegisterDebugRoutes(router, app, audit, cfg.DebugRoutes)
	if cfg.DebugRoutes {
		router.GET("/debug/connections", gateway.ListConnections)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	listener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr(), err)
	}

	g, gctx := errgroup.WithContext(ctx)
	httpServer.BaseContext = func(net.Listener) context.Context { return gctx }
	g.Go(func() error {
		logger.Info("http.listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc.listening", "addr", cfg.GRPCAddr())
		return grpcServer.Serve(listener)
	})
	g.Go(func() error { return app.Monitor.Run(gctx) })
	g.Go(func() error { return app.Bridge(gctx) })
	g.Go(func() error { return app.TrackAuth(gctx, connections) })
	g.Go(func() error { return sink.Run(gctx) })
	g.Go(func() error {
		reportHealth(gctx, healthServer, app.Monitor, cfg.MonitorInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown.started")
		healthServer.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(sctx)
		grpcServer.GracefulStop()
		return err
	})

	err = g.Wait()
	logger.Info("shutdown.completed", "queued", queue.Len())
	return err
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (repositories.RemoteStore, error) {
	if cfg.DatabaseDSN == "" {
		logger.Warn("store.memory", "reason", "DB_DSN is empty")
		return repositories.NewMemoryStore(cfg.StoreOrigin), nil
	}
	database, err := db.Connect(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}
	return repositories.NewPostgresStore(database, cfg.DatabaseDSN, cfg.StoreOrigin, logger.With("component", "store")), nil
}

// reportHealth mirrors store connectivity into the gRPC health service.
func reportHealth(ctx context.Context, srv *health.Server, monitor *offline.Monitor, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if !monitor.Online() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		srv.SetServingStatus(serviceName, status)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
