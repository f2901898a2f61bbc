package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/net/netutil"

	httpadapter "github.com/kirillkom/rag-context-pipeline/internal/adapters/http"
	"github.com/kirillkom/rag-context-pipeline/internal/bootstrap"
	"github.com/kirillkom/rag-context-pipeline/internal/config"
	"github.com/kirillkom/rag-context-pipeline/internal/observability/logging"
)

const service = "rag-api"

func main() {
	// .env is optional; real environment wins.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	slog.SetDefault(logging.NewJSONLogger(service, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, service)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if app.Events != nil {
		go func() {
			if err := app.Events.SubscribeContentUpdated(ctx, app.HandleContentUpdated); err != nil {
				slog.Error("content_events_subscribe_failed", "error", err)
			}
		}()
	}

	router := httpadapter.NewRouter(app.Pipeline, app.Cache, app, app, httpadapter.Options{
		Service:        service,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MaxInFlight:    cfg.MaxInFlight,
		QueueTimeout:   cfg.QueueTimeout,
		AdminToken:     cfg.AdminToken,
		Metrics:        app.Metrics,
	}).Handler()

	server := &http.Server{
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", ":"+cfg.APIPort)
	if err != nil {
		slog.Error("api_listen_failed", "port", cfg.APIPort, "error", err)
		os.Exit(1)
	}
	if cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxConnections)
	}

	go func() {
		slog.Info("api_listening", "port", cfg.APIPort, "provider", cfg.Provider, "vector_backend", cfg.VectorBackend)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
	slog.Info("api_stopped")
}
