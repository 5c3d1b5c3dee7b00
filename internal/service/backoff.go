package service

import (
	"task-outbox/internal/models"
	"time"
)

// DefaultUploadBackoffCeiling caps the delay between upload retries
const DefaultUploadBackoffCeiling = 300 * time.Second

// maxBackoffShift keeps 2^k seconds representable as a time.Duration
const maxBackoffShift = 33

// RequestBackoff is the delay a failed generic request waits before its next
// attempt: 2^retryCount seconds, without a ceiling.
func RequestBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxBackoffShift {
		retryCount = maxBackoffShift
	}
	return time.Duration(int64(1)<<uint(retryCount)) * time.Second
}

// UploadBackoff is RequestBackoff capped at ceiling.
func UploadBackoff(retryCount int, ceiling time.Duration) time.Duration {
	backoff := RequestBackoff(retryCount)
	if ceiling > 0 && backoff > ceiling {
		return ceiling
	}
	return backoff
}

// Eligible reports whether a record should be attempted in a sweep at now.
// Pending records always are; failed records once backoff has elapsed since
// their last attempt. Anything else waits for an explicit transition.
func Eligible(record *models.Record, now time.Time, backoff time.Duration) bool {
	switch record.Status {
	case models.StatusPending:
		return true
	case models.StatusFailed:
		if record.LastAttemptedAt == nil {
			return true
		}
		return now.Sub(*record.LastAttemptedAt) >= backoff
	}
	return false
}
