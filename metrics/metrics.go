// Package metrics keeps in-process counters for the payment and licensing
// paths. Counters only; there is no external metrics system behind this.
package metrics

import (
	"sync"
	"time"
)

// Counter names used across the subsystem.
const (
	ReconciliationCorrections = "reconciliation_corrections"
	WebhookDuplicates         = "webhook_duplicates"
	UnknownPaymentEvents      = "unknown_payment_events"
	SettlementLatency         = "settlement_latency"
	DecrementDenied           = "decrement_denied" // suffixed with the denial reason
)

type durationStat struct {
	count int64
	total time.Duration
}

// Registry is a mutex-protected counter set. Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	counters  map[string]int64
	durations map[string]durationStat
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]int64),
		durations: make(map[string]durationStat),
	}
}

// Inc adds one to the named counter.
func (r *Registry) Inc(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name]++
}

// Count returns the current value of the named counter.
func (r *Registry) Count(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Observe records one duration sample under name.
func (r *Registry) Observe(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stat := r.durations[name]
	stat.count++
	stat.total += d
	r.durations[name] = stat
}

// Snapshot returns a copy of all counters and duration aggregates.
func (r *Registry) Snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.counters)+len(r.durations))
	for name, v := range r.counters {
		out[name] = v
	}
	for name, stat := range r.durations {
		out[name] = map[string]any{
			"count":   stat.count,
			"totalMs": stat.total.Milliseconds(),
		}
	}
	return out
}
