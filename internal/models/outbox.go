package models

import "time"

// Kind discriminates the two record shapes stored in the outbox
type Kind string

const (
	KindRequest Kind = "request"
	KindUpload  Kind = "upload"
)

// Status represents the state of a queued record
type Status string

const (
	StatusPending     Status = "pending"
	StatusFailed      Status = "failed"
	StatusNeedsReauth Status = "needs_reauth"
)

// Valid reports whether s is a status the given kind can hold.
func (s Status) Valid(kind Kind) bool {
	switch s {
	case StatusPending, StatusFailed:
		return true
	case StatusNeedsReauth:
		return kind == KindUpload
	}
	return false
}

// Record is one row of the outbox. Request records use URL, Method, Headers
// and Body; upload records use TaskID, DisplayName, FileName and File.
type Record struct {
	ID              int64             `json:"id"`
	Kind            Kind              `json:"kind"`
	URL             string            `json:"url,omitempty"`
	Method          string            `json:"method,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            []byte            `json:"-"`
	TaskID          string            `json:"task_id,omitempty"`
	DisplayName     string            `json:"display_name,omitempty"`
	FileName        string            `json:"file_name,omitempty"`
	File            []byte            `json:"-"`
	FileSize        int               `json:"file_size,omitempty"`
	DeviceID        string            `json:"device_id"`
	IdempotencyKey  string            `json:"idempotency_key"`
	Status          Status            `json:"status"`
	RetryCount      int               `json:"retry_count"`
	LastAttemptedAt *time.Time        `json:"last_attempted_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// QueuedRequest is a generic mutating HTTP call that failed to reach the network
type QueuedRequest struct {
	ID              int64
	URL             string
	Method          string
	Headers         map[string]string
	Body            []byte
	IdempotencyKey  string
	DeviceID        string
	Status          Status
	RetryCount      int
	LastAttemptedAt *time.Time
}

// QueuedUpload is a file upload waiting for durable retry
type QueuedUpload struct {
	ID              int64
	TaskID          string
	DisplayName     string
	FileName        string
	File            []byte
	DeviceID        string
	IdempotencyKey  string
	Status          Status
	RetryCount      int
	LastAttemptedAt *time.Time
	CreatedAt       time.Time
}

// UploadDescriptor is what a caller hands to the upload queue
type UploadDescriptor struct {
	TaskID      string
	DisplayName string
	FileName    string
	File        []byte
}

// NewRequestRecord builds a request record ready to be added to the store.
func NewRequestRecord(url, method string, headers map[string]string, body []byte, deviceID, idempotencyKey string) *Record {
	return &Record{
		Kind:           KindRequest,
		URL:            url,
		Method:         method,
		Headers:        headers,
		Body:           body,
		DeviceID:       deviceID,
		IdempotencyKey: idempotencyKey,
		Status:         StatusPending,
	}
}

// NewUploadRecord builds an upload record ready to be added to the store.
func NewUploadRecord(desc UploadDescriptor, deviceID, idempotencyKey string) *Record {
	return &Record{
		Kind:           KindUpload,
		TaskID:         desc.TaskID,
		DisplayName:    desc.DisplayName,
		FileName:       desc.FileName,
		File:           desc.File,
		FileSize:       len(desc.File),
		DeviceID:       deviceID,
		IdempotencyKey: idempotencyKey,
		Status:         StatusPending,
	}
}

// AsRequest returns the request view of r
func (r *Record) AsRequest() QueuedRequest {
	return QueuedRequest{
		ID:              r.ID,
		URL:             r.URL,
		Method:          r.Method,
		Headers:         r.Headers,
		Body:            r.Body,
		IdempotencyKey:  r.IdempotencyKey,
		DeviceID:        r.DeviceID,
		Status:          r.Status,
		RetryCount:      r.RetryCount,
		LastAttemptedAt: r.LastAttemptedAt,
	}
}

// AsUpload returns the upload view of r
func (r *Record) AsUpload() QueuedUpload {
	return QueuedUpload{
		ID:              r.ID,
		TaskID:          r.TaskID,
		DisplayName:     r.DisplayName,
		FileName:        r.FileName,
		File:            r.File,
		DeviceID:        r.DeviceID,
		IdempotencyKey:  r.IdempotencyKey,
		Status:          r.Status,
		RetryCount:      r.RetryCount,
		LastAttemptedAt: r.LastAttemptedAt,
		CreatedAt:       r.CreatedAt,
	}
}

// Patch carries the mutable fields of a record. Nil fields are left alone.
// The idempotency key is not patchable.
type Patch struct {
	Status             *Status
	RetryCount         *int
	LastAttemptedAt    *time.Time
	ClearLastAttempted bool
}

// Apply merges p into r.
func (p Patch) Apply(r *Record) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.RetryCount != nil {
		r.RetryCount = *p.RetryCount
	}
	if p.ClearLastAttempted {
		r.LastAttemptedAt = nil
	} else if p.LastAttemptedAt != nil {
		t := *p.LastAttemptedAt
		r.LastAttemptedAt = &t
	}
}

// ChangeType names what happened to the outbox
type ChangeType string

const (
	ChangeAdded          ChangeType = "added"
	ChangeUpdated        ChangeType = "updated"
	ChangeDeleted        ChangeType = "deleted"
	ChangeReauthRequired ChangeType = "reauth_required"
	ChangeReauthCleared  ChangeType = "reauth_cleared"
)

// Change is published whenever outbox contents or the reauth state change
type Change struct {
	Type     ChangeType `json:"type"`
	RecordID int64      `json:"record_id,omitempty"`
	Kind     Kind       `json:"kind,omitempty"`
	Status   Status     `json:"status,omitempty"`
	At       time.Time  `json:"at"`
}

// StatusCounts holds per-kind status counts for badges
type StatusCounts struct {
	Requests map[Status]int `json:"requests"`
	Uploads  map[Status]int `json:"uploads"`
}

// NewStatusCounts returns zeroed counts.
func NewStatusCounts() StatusCounts {
	return StatusCounts{
		Requests: map[Status]int{StatusPending: 0, StatusFailed: 0},
		Uploads:  map[Status]int{StatusPending: 0, StatusFailed: 0, StatusNeedsReauth: 0},
	}
}

// Add increments the counter for kind/status.
func (c StatusCounts) Add(kind Kind, status Status, n int) {
	switch kind {
	case KindRequest:
		c.Requests[status] += n
	case KindUpload:
		c.Uploads[status] += n
	}
}
