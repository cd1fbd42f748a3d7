package limiter

import (
	"sync"
	"sync/atomic"

	"github.com/tollgate/tollgate/internal/metrics"
)

// Limiter tracks in-flight work per principal and enforces the policy's
// max_concurrent_requests. Counters are process-local: concurrency is a
// property of the serving instance, unlike the durable window counters.
type Limiter struct {
	metrics *metrics.Metrics
	current map[string]*int64 // principalID -> atomic counter
	mu      sync.RWMutex
}

// New creates a new concurrency limiter.
func New(m *metrics.Metrics) *Limiter {
	return &Limiter{
		metrics: m,
		current: make(map[string]*int64),
	}
}

// Acquire attempts to take a slot for the principal under the given limit.
// A non-positive limit admits everything.
func (l *Limiter) Acquire(principalID string, limit int64) bool {
	if limit <= 0 {
		return true
	}

	counter := l.counter(principalID)
	for {
		current := atomic.LoadInt64(counter)
		if current >= limit {
			if l.metrics != nil {
				l.metrics.RecordConcurrencyAcquire("denied")
			}
			return false
		}
		if atomic.CompareAndSwapInt64(counter, current, current+1) {
			if l.metrics != nil {
				l.metrics.RecordConcurrencyAcquire("success")
				l.metrics.SetConcurrencyInFlight(principalID, current+1)
			}
			return true
		}
	}
}

// Release returns a slot for the principal. Releasing below zero is a
// no-op so double releases cannot corrupt the counter.
func (l *Limiter) Release(principalID string) {
	l.mu.RLock()
	counter, ok := l.current[principalID]
	l.mu.RUnlock()
	if !ok {
		return
	}

	for {
		current := atomic.LoadInt64(counter)
		if current <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(counter, current, current-1) {
			if l.metrics != nil {
				l.metrics.RecordConcurrencyRelease()
				l.metrics.SetConcurrencyInFlight(principalID, current-1)
			}
			return
		}
	}
}

// Current returns the in-flight count for a principal.
func (l *Limiter) Current(principalID string) int64 {
	l.mu.RLock()
	counter, ok := l.current[principalID]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(counter)
}

// Forget drops the counter and gauge label for a removed principal.
func (l *Limiter) Forget(principalID string) {
	l.mu.Lock()
	delete(l.current, principalID)
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.RemoveConcurrencyInFlight(principalID)
	}
}

func (l *Limiter) counter(principalID string) *int64 {
	l.mu.RLock()
	counter, ok := l.current[principalID]
	l.mu.RUnlock()
	if ok {
		return counter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if counter, ok = l.current[principalID]; ok {
		return counter
	}
	var c int64
	l.current[principalID] = &c
	return &c
}
