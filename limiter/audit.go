package limiter

import (
	"context"
	"sync"
)

// AuditSink receives one record per adaptive limit computation, for tuning
// the scaling rules and explaining decisions after the fact. Implementations
// must be fast and must not fail a check: recording is best effort.
type AuditSink interface {
	RecordAdaptive(ctx context.Context, d AdaptiveDecision)
}

// MemoryAudit keeps the most recent decisions in a fixed-size ring. It is
// the default sink.
type MemoryAudit struct {
	mu   sync.Mutex
	ring []AdaptiveDecision
	next int
	size int
}

// NewMemoryAudit creates a ring holding the last capacity decisions.
func NewMemoryAudit(capacity int) *MemoryAudit {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryAudit{ring: make([]AdaptiveDecision, capacity)}
}

// RecordAdaptive implements AuditSink.
func (a *MemoryAudit) RecordAdaptive(_ context.Context, d AdaptiveDecision) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ring[a.next] = d
	a.next = (a.next + 1) % len(a.ring)
	if a.size < len(a.ring) {
		a.size++
	}
}

// Recent returns the recorded decisions, newest first.
func (a *MemoryAudit) Recent() []AdaptiveDecision {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]AdaptiveDecision, 0, a.size)
	for i := 1; i <= a.size; i++ {
		idx := (a.next - i + len(a.ring)) % len(a.ring)
		out = append(out, a.ring[idx])
	}
	return out
}

// nopAudit drops every record.
type nopAudit struct{}

func (nopAudit) RecordAdaptive(context.Context, AdaptiveDecision) {}
