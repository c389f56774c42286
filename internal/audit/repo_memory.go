package audit

import (
	"context"
	"sync"
)

// MemoryRepo is an append-only ring that keeps the newest limit events.
type MemoryRepo struct {
	limit int

	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo(limit int) *MemoryRepo {
	if limit <= 0 {
		limit = 1
	}
	return &MemoryRepo{limit: limit}
}

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if over := len(r.events) - r.limit; over > 0 {
		r.events = append(r.events[:0:0], r.events[over:]...)
	}
	return nil
}

// Events returns newest first.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	for i, e := range r.events {
		out[len(r.events)-1-i] = e
	}
	return out
}

func (r *MemoryRepo) Clear() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
