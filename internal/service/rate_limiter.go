package service

import (
	"context"
	"sync"
	"task-outbox/internal/models"
	"time"
)

// DispatchLimiter bounds how hard a sweep hits the remote endpoints, per
// record kind: a cap on attempts in flight and a cap on attempts per minute.
// Zero disables the corresponding limit.
type DispatchLimiter struct {
	mu sync.Mutex

	maxConcurrent int
	slots         map[models.Kind]chan struct{}

	maxAttemptsPerMinute int
	attemptWindows       map[models.Kind]*attemptWindow
}

type attemptWindow struct {
	count     int
	windowEnd time.Time
}

// NewDispatchLimiter creates a new dispatch limiter
func NewDispatchLimiter(maxConcurrent, maxAttemptsPerMinute int) *DispatchLimiter {
	return &DispatchLimiter{
		maxConcurrent:        maxConcurrent,
		slots:                make(map[models.Kind]chan struct{}),
		maxAttemptsPerMinute: maxAttemptsPerMinute,
		attemptWindows:       make(map[models.Kind]*attemptWindow),
	}
}

// CheckAttemptRate checks whether another attempt of this kind fits in the
// current one-minute window and counts it if so
func (l *DispatchLimiter) CheckAttemptRate(kind models.Kind) error {
	if l.maxAttemptsPerMinute <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	window, exists := l.attemptWindows[kind]

	if !exists || now.After(window.windowEnd) {
		l.attemptWindows[kind] = &attemptWindow{
			count:     1,
			windowEnd: now.Add(1 * time.Minute),
		}
		return nil
	}

	if window.count >= l.maxAttemptsPerMinute {
		return ErrRateLimitExceeded
	}

	window.count++
	return nil
}

// Acquire waits for an in-flight slot for kind. Every successful Acquire
// must be paired with Release.
func (l *DispatchLimiter) Acquire(ctx context.Context, kind models.Kind) error {
	if l.maxConcurrent <= 0 {
		return nil
	}

	select {
	case l.slot(kind) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire
func (l *DispatchLimiter) Release(kind models.Kind) {
	if l.maxConcurrent <= 0 {
		return
	}
	<-l.slot(kind)
}

// InFlight returns the number of attempts of kind currently holding a slot
func (l *DispatchLimiter) InFlight(kind models.Kind) int {
	if l.maxConcurrent <= 0 {
		return 0
	}
	return len(l.slot(kind))
}

func (l *DispatchLimiter) slot(kind models.Kind) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[kind]
	if !ok {
		ch = make(chan struct{}, l.maxConcurrent)
		l.slots[kind] = ch
	}
	return ch
}

// dispatch runs attempt for every record concurrently within the limiter's
// bounds. Records refused by the per-minute cap are left untouched for a
// later sweep and counted as deferred.
func dispatch(ctx context.Context, limiter *DispatchLimiter, kind models.Kind, records []*models.Record, attempt func(context.Context, *models.Record)) (deferred int) {
	var wg sync.WaitGroup

	for _, record := range records {
		if ctx.Err() != nil {
			deferred++
			continue
		}

		if limiter != nil {
			if err := limiter.CheckAttemptRate(kind); err != nil {
				deferred++
				continue
			}
			if err := limiter.Acquire(ctx, kind); err != nil {
				deferred++
				continue
			}
		}

		wg.Add(1)
		go func(record *models.Record) {
			defer wg.Done()
			if limiter != nil {
				defer limiter.Release(kind)
			}
			attempt(ctx, record)
		}(record)
	}

	wg.Wait()
	return deferred
}
