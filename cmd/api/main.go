package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"task-outbox/internal/app"
	"task-outbox/internal/handler"
	"time"
)

func main() {
	flags := app.RegisterFlags(flag.CommandLine)
	port := flag.String("port", "", "HTTP server port")
	flag.Parse()

	cfg, err := flags.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	outbox, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize outbox: %v", err)
	}
	defer outbox.Close()

	// Initialize handlers
	outboxHandler := handler.NewOutboxHandler(outbox.Repo, outbox.Fetcher, outbox.Uploads, outbox.Scheduler,
		outbox.Metrics, cfg.Upload.MaxFileSizeBytes)
	eventsHandler := handler.NewEventsHandler(outbox.Repo)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: handler.Routes(outboxHandler, eventsHandler),
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		outbox.Run(ctx)
	}()

	go func() {
		slog.Info("API server starting", slog.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("error closing server", slog.String("error", err.Error()))
	}
	<-runDone
	slog.Info("server stopped")
}
