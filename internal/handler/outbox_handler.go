package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"task-outbox/internal/metrics"
	"task-outbox/internal/models"
	"task-outbox/internal/repository"
	"task-outbox/internal/service"
	"time"

	"github.com/dustin/go-humanize"
)

// Sweeper runs one retry pass over the outbox
type Sweeper interface {
	Sweep(ctx context.Context) service.SweepReport
	LastSweep() time.Time
}

// OutboxHandler handles HTTP requests for the local outbox status API
type OutboxHandler struct {
	repo        repository.OutboxRepository
	fetcher     *service.SafeFetcher
	uploads     *service.UploadQueue
	sweeper     Sweeper
	metrics     *metrics.Metrics
	maxFileSize int64
}

// NewOutboxHandler creates a new outbox handler. maxFileSize of zero accepts
// uploads of any size.
func NewOutboxHandler(repo repository.OutboxRepository, fetcher *service.SafeFetcher, uploads *service.UploadQueue, sweeper Sweeper, metrics *metrics.Metrics, maxFileSize int64) *OutboxHandler {
	return &OutboxHandler{
		repo:        repo,
		fetcher:     fetcher,
		uploads:     uploads,
		sweeper:     sweeper,
		metrics:     metrics,
		maxFileSize: maxFileSize,
	}
}

// dispatchRequest is the body of POST /requests
type dispatchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type queuedResponse struct {
	Status         string `json:"status"`
	RecordID       int64  `json:"record_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Error          string `json:"error"`
}

type statusResponse struct {
	Counts         models.StatusCounts `json:"counts"`
	ReauthRequired bool                `json:"reauth_required"`
	LastSweep      *time.Time          `json:"last_sweep,omitempty"`
}

// EnqueueUpload handles POST /uploads
func (h *OutboxHandler) EnqueueUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.maxFileSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+1<<20)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}

	taskID := r.FormValue("task_id")
	if taskID == "" {
		http.Error(w, "task_id is required", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if h.maxFileSize > 0 && header.Size > h.maxFileSize {
		http.Error(w, "file exceeds "+humanize.Bytes(uint64(h.maxFileSize)), http.StatusRequestEntityTooLarge)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read file", http.StatusBadRequest)
		return
	}

	result, err := h.uploads.Enqueue(r.Context(), models.UploadDescriptor{
		TaskID:      taskID,
		DisplayName: r.FormValue("display_name"),
		FileName:    header.Filename,
		File:        data,
	})
	if err != nil {
		slog.Error("error enqueueing upload", slog.String("task_id", taskID), slog.String("error", err.Error()))

		var dupErr *repository.ErrDuplicateIdempotencyKey
		switch {
		case errors.Is(err, service.ErrEmptyUpload):
			http.Error(w, "file is empty", http.StatusBadRequest)
		case errors.As(err, &dupErr):
			http.Error(w, "upload failed: duplicate idempotency key", http.StatusConflict)
		default:
			http.Error(w, "upload failed: "+err.Error(), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

// ListUploads handles GET /uploads
func (h *OutboxHandler) ListUploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records, err := h.uploads.Snapshot(r.Context())
	if err != nil {
		slog.Error("error listing uploads", slog.String("error", err.Error()))
		http.Error(w, "failed to list uploads: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, nonNil(records))
}

// DispatchRequest handles POST /requests. The upstream response is relayed
// as-is; a call that never reached the network answers 503 with the queued
// record.
func (h *OutboxHandler) DispatchRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}

	fetch := service.FetchRequest{URL: req.URL, Method: strings.ToUpper(req.Method), Headers: req.Headers}
	if req.Body != "" {
		fetch.Body = []byte(req.Body)
	}

	resp, err := h.fetcher.Do(r.Context(), fetch)
	if err != nil {
		var queued *service.QueuedError
		if errors.As(err, &queued) {
			writeJSON(w, http.StatusServiceUnavailable, queuedResponse{
				Status:         "queued",
				RecordID:       queued.RecordID,
				IdempotencyKey: queued.IdempotencyKey,
				Error:          queued.Err.Error(),
			})
			return
		}
		http.Error(w, "request failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Error("error relaying response", slog.String("error", err.Error()))
	}
}

// ListRequests handles GET /requests?status=
func (h *OutboxHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte("method not allowed"))
		return
	}

	var (
		records []*models.Record
		err     error
	)

	if statusStr := r.URL.Query().Get("status"); statusStr != "" {
		status := models.Status(statusStr)
		if !status.Valid(models.KindRequest) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("invalid status"))
			return
		}
		records, err = h.repo.ListByStatus(r.Context(), models.KindRequest, status)
	} else {
		records, err = h.repo.List(r.Context(), models.KindRequest)
	}

	if err != nil {
		slog.Error("error listing requests", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("failed to list requests: " + err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, nonNil(records))
}

// DeleteRecord handles DELETE /records/{id}
func (h *OutboxHandler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/records/")
	if path == "" || path == r.URL.Path {
		http.Error(w, "record id is required", http.StatusBadRequest)
		return
	}

	id, err := strconv.ParseInt(path, 10, 64)
	if err != nil {
		http.Error(w, "invalid record id", http.StatusBadRequest)
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		slog.Error("error deleting record", slog.Int64("record_id", id), slog.String("error", err.Error()))
		http.Error(w, "failed to delete record: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetStatus handles GET /status
func (h *OutboxHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counts, err := h.repo.CountByStatus(r.Context())
	if err != nil {
		slog.Error("error counting records", slog.String("error", err.Error()))
		http.Error(w, "failed to count records: "+err.Error(), http.StatusInternalServerError)
		return
	}

	resp := statusResponse{Counts: counts, ReauthRequired: h.uploads.Gate().Required()}
	if last := h.sweeper.LastSweep(); !last.IsZero() {
		resp.LastSweep = &last
	}

	writeJSON(w, http.StatusOK, resp)
}

// ResetReauthorization handles POST /reauth/reset
func (h *OutboxHandler) ResetReauthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requeued, err := h.uploads.ResetReauthorization(r.Context())
	if err != nil {
		slog.Error("error resetting reauthorization", slog.String("error", err.Error()))
		http.Error(w, "failed to reset reauthorization: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"requeued": requeued})
}

// Sweep handles POST /sweep
func (h *OutboxHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.sweeper.Sweep(r.Context()))
}

// GetMetrics handles GET /metrics
func (h *OutboxHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.metrics.GetSnapshot())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("error encoding response", slog.String("error", err.Error()))
	}
}

func nonNil(records []*models.Record) []*models.Record {
	if records == nil {
		return []*models.Record{}
	}
	return records
}
