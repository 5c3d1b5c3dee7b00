package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"task-outbox/internal/device"
	"task-outbox/internal/metrics"
	"task-outbox/internal/models"
	"task-outbox/internal/repository"
	"time"
)

// HTTPDoer is the subset of *http.Client the outbox needs
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchRequest describes a mutating HTTP call
type FetchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// SafeFetcher performs mutating calls that must survive connectivity loss and
// redelivers the ones that did not reach the network
type SafeFetcher struct {
	client   HTTPDoer
	repo     repository.OutboxRepository
	metrics  *metrics.Metrics
	limiter  *DispatchLimiter
	deviceID string
	newKey   func() string
	now      func() time.Time
}

// NewSafeFetcher creates a new safe fetcher
func NewSafeFetcher(client HTTPDoer, repo repository.OutboxRepository, metrics *metrics.Metrics, deviceID string) *SafeFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SafeFetcher{
		client:   client,
		repo:     repo,
		metrics:  metrics,
		deviceID: deviceID,
		newKey:   device.NewIdempotencyKey,
		now:      time.Now,
	}
}

// WithLimiter bounds concurrent redelivery during sweeps
func (f *SafeFetcher) WithLimiter(limiter *DispatchLimiter) *SafeFetcher {
	f.limiter = limiter
	return f
}

// Do stamps the call with the device id and a fresh idempotency key and sends
// it. Any response, whatever its status, is returned unmodified. If no
// response arrives the call is persisted to the outbox before the transport
// error is returned, wrapped in a *QueuedError.
func (f *SafeFetcher) Do(ctx context.Context, req FetchRequest) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	headers := make(map[string]string, len(req.Headers)+2)
	for k, v := range req.Headers {
		headers[k] = v
	}
	key := f.newKey()
	headers[device.HeaderDeviceID] = f.deviceID
	headers[device.HeaderIdempotencyKey] = key

	httpReq, err := newHTTPRequest(ctx, method, req.URL, headers, req.Body)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(httpReq)
	if err == nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			slog.Warn("server error on safe fetch", slog.String("url", req.URL), slog.Int("status", resp.StatusCode),
				slog.String("idempotency_key", key))
		}
		return resp, nil
	}

	// the caller gave up; nothing was lost to the network
	if ctx.Err() != nil {
		return nil, err
	}

	record := models.NewRequestRecord(req.URL, method, headers, req.Body, f.deviceID, key)
	id, addErr := f.repo.Add(context.WithoutCancel(ctx), record)
	if addErr != nil {
		slog.Error("failed to persist request after network failure", slog.String("url", req.URL),
			slog.String("idempotency_key", key), slog.String("error", addErr.Error()))
		return nil, err
	}

	f.metrics.IncrementRequestsQueued()
	slog.Info("request queued after network failure", slog.Int64("record_id", id), slog.String("method", method),
		slog.String("url", req.URL), slog.String("idempotency_key", key), slog.String("error", err.Error()))

	return nil, &QueuedError{RecordID: id, IdempotencyKey: key, Err: err}
}

// Retry redelivers a queued request with its stored headers, so the original
// idempotency key goes out again. A 2xx response removes the record; anything
// else marks it failed and bumps its retry count.
func (f *SafeFetcher) Retry(ctx context.Context, record *models.Record) error {
	now := f.now()

	httpReq, err := newHTTPRequest(ctx, record.Method, record.URL, record.Headers, record.Body)
	if err != nil {
		f.markFailed(ctx, record, now)
		return err
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		f.markFailed(ctx, record, now)
		return fmt.Errorf("record %d: %w", record.ID, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f.markFailed(ctx, record, now)
		return fmt.Errorf("record %d: http %d", record.ID, resp.StatusCode)
	}

	if err := f.repo.Delete(ctx, record.ID); err != nil {
		slog.Error("failed to remove delivered request", slog.Int64("record_id", record.ID), slog.String("error", err.Error()))
		return nil
	}

	f.metrics.IncrementRequestsDelivered()
	slog.Info("queued request delivered", slog.Int64("record_id", record.ID), slog.Int("retry_count", record.RetryCount),
		slog.String("idempotency_key", record.IdempotencyKey))
	return nil
}

// RetryEligible attempts every pending request and every failed request whose
// backoff has elapsed. Failures are recorded on the records themselves.
func (f *SafeFetcher) RetryEligible(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := f.now()

	candidates, err := eligibleRecords(ctx, f.repo, models.KindRequest, now, RequestBackoff)
	if err != nil {
		return result, err
	}

	var mu sync.Mutex
	result.Deferred = dispatch(ctx, f.limiter, models.KindRequest, candidates, func(ctx context.Context, record *models.Record) {
		err := f.Retry(ctx, record)
		mu.Lock()
		defer mu.Unlock()
		result.Attempted++
		if err != nil {
			result.Failed++
			slog.Debug("request retry failed", slog.Int64("record_id", record.ID), slog.String("error", err.Error()))
			return
		}
		result.Delivered++
	})

	return result, nil
}

func (f *SafeFetcher) markFailed(ctx context.Context, record *models.Record, now time.Time) {
	f.metrics.IncrementAttemptsFailed()
	if err := recordFailure(context.WithoutCancel(ctx), f.repo, record, now); err != nil {
		slog.Error("failed to record request failure", slog.Int64("record_id", record.ID), slog.String("error", err.Error()))
	}
}

// recordFailure moves a record to failed, bumps its retry count and stamps
// the attempt time, both in the store and on the in-memory copy
func recordFailure(ctx context.Context, repo repository.OutboxRepository, record *models.Record, now time.Time) error {
	status := models.StatusFailed
	retries := record.RetryCount + 1
	patch := models.Patch{Status: &status, RetryCount: &retries, LastAttemptedAt: &now}
	patch.Apply(record)
	return repo.Update(ctx, record.ID, patch)
}

// eligibleRecords loads pending and failed records of kind and keeps those a
// sweep at now should attempt
func eligibleRecords(ctx context.Context, repo repository.OutboxRepository, kind models.Kind, now time.Time, backoff func(int) time.Duration) ([]*models.Record, error) {
	pending, err := repo.ListByStatus(ctx, kind, models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending %s records: %w", kind, err)
	}

	failed, err := repo.ListByStatus(ctx, kind, models.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed %s records: %w", kind, err)
	}

	candidates := pending
	for _, record := range failed {
		if Eligible(record, now, backoff(record.RetryCount)) {
			candidates = append(candidates, record)
		}
	}

	return candidates, nil
}

func newHTTPRequest(ctx context.Context, method, url string, headers map[string]string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// SweepResult summarizes one pass over a queue
type SweepResult struct {
	Attempted   int  `json:"attempted"`
	Delivered   int  `json:"delivered"`
	Failed      int  `json:"failed"`
	NeedsReauth int  `json:"needs_reauth"`
	Deferred    int  `json:"deferred"`
	Skipped     bool `json:"skipped"`
}
