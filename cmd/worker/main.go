package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"task-outbox/internal/app"
	"task-outbox/internal/watch"
)

func main() {
	flags := app.RegisterFlags(flag.CommandLine)
	watchDir := flag.String("watch", "", "folder whose new files are enqueued as uploads")
	taskID := flag.String("task", "", "task id for uploads from the watch folder")
	flag.Parse()

	cfg, err := flags.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *watchDir != "" {
		cfg.Watch.Dir = *watchDir
	}
	if *taskID != "" {
		cfg.Watch.TaskID = *taskID
	}
	if cfg.Watch.Dir != "" && cfg.Watch.TaskID == "" {
		log.Fatalf("a task id is required to watch %s", cfg.Watch.Dir)
	}

	outbox, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize outbox: %v", err)
	}
	defer outbox.Close()

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Watch.Dir != "" {
		folder := watch.NewFolder(cfg.Watch.Dir, cfg.Watch.TaskID, outbox.Uploads, 0)
		go func() {
			if err := folder.Run(ctx); err != nil {
				slog.Error("folder watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	slog.Info("worker started, retrying queued requests and uploads")
	outbox.Run(ctx)
	slog.Info("worker stopped")
}
