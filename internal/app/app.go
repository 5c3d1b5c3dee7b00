package app

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"task-outbox/internal/config"
	"task-outbox/internal/device"
	"task-outbox/internal/events"
	"task-outbox/internal/metrics"
	"task-outbox/internal/repository"
	"task-outbox/internal/service"
)

// App holds the wired outbox components shared by the commands
type App struct {
	Config       *config.Config
	Repo         *repository.ObservableRepository
	Metrics      *metrics.Metrics
	DeviceID     string
	Fetcher      *service.SafeFetcher
	Uploads      *service.UploadQueue
	Connectivity *service.ConnectivityMonitor
	Scheduler    *service.Scheduler
}

// Flags are the command-line overrides every command accepts
type Flags struct {
	ConfigPath *string
	Driver     *string
	DBPath     *string
	Endpoint   *string
	LogLevel   *string
}

// RegisterFlags defines the shared flags on fs
func RegisterFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		ConfigPath: fs.String("config", "", "path to YAML config (defaults to $"+config.EnvPath+")"),
		Driver:     fs.String("driver", "", "SQLite driver: sqlite3 or sqlite"),
		DBPath:     fs.String("db", "", "path to SQLite database"),
		Endpoint:   fs.String("endpoint", "", "upload endpoint URL"),
		LogLevel:   fs.String("log-level", "", "log level: debug, info, warn, error"),
	}
}

// LoadConfig reads the config file and applies non-empty flag overrides
func (f *Flags) LoadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if *f.ConfigPath != "" {
		cfg, err = config.Load(*f.ConfigPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, err
	}

	if *f.Driver != "" {
		cfg.Store.Driver = *f.Driver
	}
	if *f.DBPath != "" {
		cfg.Store.Path = *f.DBPath
	}
	if *f.Endpoint != "" {
		cfg.Upload.Endpoint = *f.Endpoint
	}
	if *f.LogLevel != "" {
		cfg.Log.Level = *f.LogLevel
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// New wires the outbox from cfg and installs the configured logger as the
// slog default. A store that cannot be opened degrades to best-effort
// delivery instead of failing.
func New(cfg *config.Config) (*App, error) {
	slog.SetDefault(cfg.Log.NewLogger())

	deviceID, err := device.LoadOrCreate(cfg.Device.IDFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load device id: %w", err)
	}

	hub := events.NewHub(0)
	repo := repository.NewObservableRepository(repository.Open(cfg.Store.Driver, cfg.Store.Path), hub)
	m := metrics.NewMetrics()
	limiter := service.NewDispatchLimiter(cfg.Limits.MaxConcurrent, cfg.Limits.MaxAttemptsPerMinute)

	client := &http.Client{Timeout: cfg.Upload.RequestTimeout}
	fetcher := service.NewSafeFetcher(client, repo, m, deviceID).WithLimiter(limiter)
	uploader := service.NewHTTPUploader(cfg.Upload.Endpoint, client)
	uploads := service.NewUploadQueue(repo, uploader, service.NewReauthGate(), hub, m, deviceID,
		service.WithBackoffCeiling(cfg.Upload.BackoffCeiling),
		service.WithUploadLimiter(limiter),
	)

	connectivity := service.NewConnectivityMonitor(cfg.Connectivity.ProbeURL, cfg.Connectivity.Interval, nil)
	scheduler := service.NewScheduler(fetcher, uploads, m, connectivity.Online(), cfg.Scheduler.Interval)

	slog.Info("outbox initialized", slog.String("device_id", deviceID), slog.String("store", cfg.Store.Path),
		slog.String("driver", cfg.Store.Driver), slog.String("upload_endpoint", cfg.Upload.Endpoint))

	return &App{
		Config:       cfg,
		Repo:         repo,
		Metrics:      m,
		DeviceID:     deviceID,
		Fetcher:      fetcher,
		Uploads:      uploads,
		Connectivity: connectivity,
		Scheduler:    scheduler,
	}, nil
}

// Run starts connectivity probing and the scheduler, runs one sweep for
// anything left from a previous session, and blocks until ctx is done.
func (a *App) Run(ctx context.Context) {
	go a.Connectivity.Run(ctx)
	a.Scheduler.Start(ctx)
	a.Scheduler.TriggerSweep()

	<-ctx.Done()
	a.Scheduler.Stop()
}

// Close waits for any running sweep and releases the store
func (a *App) Close() error {
	a.Scheduler.Stop()
	return a.Repo.Close()
}
