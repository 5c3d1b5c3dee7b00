package service

import (
	"errors"
	"fmt"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrReauthRequired    = errors.New("storage provider requires reauthorization")
	ErrEmptyUpload       = errors.New("upload has no file content")
)

// ReauthCode is the application-level error code the upload endpoint returns
// when the user must redo the storage provider authorization flow.
const ReauthCode = "NEED_REAUTH"

// UploadError is a non-2xx upload response that is not a reauthorization request
type UploadError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *UploadError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upload failed: http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("upload failed: http %d: %s", e.StatusCode, e.Message)
}

// QueuedError is returned by SafeFetcher when the network call failed and the
// request was persisted for retry. It unwraps to the transport error.
type QueuedError struct {
	RecordID       int64
	IdempotencyKey string
	Err            error
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("request queued for retry (record %d): %v", e.RecordID, e.Err)
}

func (e *QueuedError) Unwrap() error {
	return e.Err
}
