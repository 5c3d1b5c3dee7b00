package service

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ConnectivityMonitor tracks whether the remote side is reachable and signals
// every offline -> online transition on Online().
type ConnectivityMonitor struct {
	probeURL string
	interval time.Duration
	client   HTTPDoer

	mu       sync.RWMutex
	isOnline bool
	onlineCh chan struct{}
}

// NewConnectivityMonitor creates a monitor probing probeURL every interval.
// An empty probeURL disables probing; SetOnline still works.
func NewConnectivityMonitor(probeURL string, interval time.Duration, client HTTPDoer) *ConnectivityMonitor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ConnectivityMonitor{
		probeURL: probeURL,
		interval: interval,
		client:   client,
		isOnline: true, // Assume online initially
		onlineCh: make(chan struct{}, 1),
	}
}

// Online returns a channel that receives after each transition back online.
// Transitions that happen while a previous one is still unconsumed coalesce.
func (m *ConnectivityMonitor) Online() <-chan struct{} {
	return m.onlineCh
}

// IsOnline returns the last known connectivity state
func (m *ConnectivityMonitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isOnline
}

// SetOnline records a connectivity observation
func (m *ConnectivityMonitor) SetOnline(isOnline bool) {
	m.mu.Lock()
	wasOnline := m.isOnline
	m.isOnline = isOnline
	m.mu.Unlock()

	if wasOnline == isOnline {
		return
	}

	slog.Info("connectivity changed", slog.Bool("was_online", wasOnline), slog.Bool("is_online", isOnline))

	if isOnline {
		select {
		case m.onlineCh <- struct{}{}:
		default:
		}
	}
}

// Run probes until ctx is done
func (m *ConnectivityMonitor) Run(ctx context.Context) {
	if m.probeURL == "" {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(m.Probe(ctx))
		}
	}
}

// Probe reports whether any HTTP response comes back from the probe URL
func (m *ConnectivityMonitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
