package metrics

import (
	"sync"
)

// Metrics tracks outbox delivery counters
type Metrics struct {
	mu sync.RWMutex

	requestsQueued    int64
	uploadsEnqueued   int64
	requestsDelivered int64
	uploadsDelivered  int64
	attemptsFailed    int64
	reauthRequired    int64
	sweeps            int64
	sweepsSkipped     int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncrementRequestsQueued counts a safe-fetch call persisted after a network failure
func (m *Metrics) IncrementRequestsQueued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestsQueued++
}

// IncrementUploadsEnqueued counts an upload added to the queue
func (m *Metrics) IncrementUploadsEnqueued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadsEnqueued++
}

// IncrementRequestsDelivered counts a queued request confirmed by the server
func (m *Metrics) IncrementRequestsDelivered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestsDelivered++
}

// IncrementUploadsDelivered counts an upload confirmed by the server
func (m *Metrics) IncrementUploadsDelivered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadsDelivered++
}

// IncrementAttemptsFailed counts a retryable delivery failure
func (m *Metrics) IncrementAttemptsFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attemptsFailed++
}

// IncrementReauthRequired counts uploads rejected with the reauthorization code
func (m *Metrics) IncrementReauthRequired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reauthRequired++
}

// IncrementSweeps counts a retry sweep that ran
func (m *Metrics) IncrementSweeps() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
}

// IncrementSweepsSkipped counts an upload sweep skipped by the reauthorization gate
func (m *Metrics) IncrementSweepsSkipped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepsSkipped++
}

// GetSnapshot returns a snapshot of all metrics
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"requests_queued":    m.requestsQueued,
		"uploads_enqueued":   m.uploadsEnqueued,
		"requests_delivered": m.requestsDelivered,
		"uploads_delivered":  m.uploadsDelivered,
		"attempts_failed":    m.attemptsFailed,
		"reauth_required":    m.reauthRequired,
		"sweeps":             m.sweeps,
		"sweeps_skipped":     m.sweepsSkipped,
	}
}
