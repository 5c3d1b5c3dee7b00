package service

import (
	"context"
	"log/slog"
	"sync"
	"task-outbox/internal/metrics"
	"time"
)

// DefaultSweepInterval is how often queued records are retried without a trigger
const DefaultSweepInterval = 30 * time.Second

// SweepReport is the outcome of one scheduler sweep
type SweepReport struct {
	Requests SweepResult `json:"requests"`
	Uploads  SweepResult `json:"uploads"`
}

// Scheduler redelivers queued requests and uploads on a fixed interval, on
// every transition back online and on demand.
type Scheduler struct {
	requests *SafeFetcher
	uploads  *UploadQueue
	metrics  *metrics.Metrics
	online   <-chan struct{}
	interval time.Duration

	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu              sync.RWMutex
	isRunning       bool
	sweepInProgress bool
	lastSweep       time.Time
}

// NewScheduler creates a new scheduler. online may be nil.
func NewScheduler(requests *SafeFetcher, uploads *UploadQueue, metrics *metrics.Metrics, online <-chan struct{}, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Scheduler{
		requests: requests,
		uploads:  uploads,
		metrics:  metrics,
		online:   online,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Start runs the sweep loop in the background until ctx is done or Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	s.mu.Unlock()

	go s.loop(ctx, s.stopCh)

	slog.Info("retry scheduler started", slog.Duration("interval", s.interval))
}

// Stop stops the scheduler and waits for an in-progress sweep to finish.
// Every caller waits, including ones that find the loop already stopping.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasRunning := s.isRunning
	if wasRunning {
		s.isRunning = false
		close(s.stopCh)
	}
	s.mu.Unlock()

	s.wg.Wait()

	if wasRunning {
		slog.Info("retry scheduler stopped")
	}
}

// TriggerSweep asks the loop for a sweep without waiting for it
func (s *Scheduler) TriggerSweep() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// IsRunning returns whether the loop is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// LastSweep returns when the last sweep finished
func (s *Scheduler) LastSweep() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSweep
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.runSweep(ctx, "interval")
		case <-s.online:
			s.runSweep(ctx, "online")
		case <-s.trigger:
			s.runSweep(ctx, "manual")
		}
	}
}

func (s *Scheduler) runSweep(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.sweepInProgress {
		s.mu.Unlock()
		slog.Debug("sweep already in progress, skipping", slog.String("reason", reason))
		return
	}
	s.sweepInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.sweepInProgress = false
		s.mu.Unlock()
	}()

	report := s.Sweep(ctx)
	if report.Requests.Attempted+report.Uploads.Attempted > 0 || report.Uploads.Skipped {
		slog.Info("sweep completed", slog.String("reason", reason),
			slog.Int("requests_attempted", report.Requests.Attempted), slog.Int("requests_delivered", report.Requests.Delivered),
			slog.Int("uploads_attempted", report.Uploads.Attempted), slog.Int("uploads_delivered", report.Uploads.Delivered),
			slog.Bool("uploads_paused", report.Uploads.Skipped))
	}
}

// Sweep retries every eligible request and upload once. Attempt failures are
// recorded on the records; store errors are logged.
func (s *Scheduler) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	s.metrics.IncrementSweeps()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		result, err := s.requests.RetryEligible(ctx)
		if err != nil {
			slog.Error("request sweep failed", slog.String("error", err.Error()))
		}
		report.Requests = result
	}()

	go func() {
		defer wg.Done()
		result, err := s.uploads.RetryEligible(ctx)
		if err != nil {
			slog.Error("upload sweep failed", slog.String("error", err.Error()))
		}
		report.Uploads = result
	}()

	wg.Wait()

	s.mu.Lock()
	s.lastSweep = time.Now()
	s.mu.Unlock()

	return report
}
