package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for console events.
//
// It is append-only; retention is the repository's business.
type Repository interface {
	Append(ctx context.Context, e Event) error
	Events() []Event
}

// Service records call history and the event log. Callers treat it as
// best-effort: a failed append never affects a call.
type Service struct {
	history Repository
	log     Repository
	clock   func() time.Time
}

func NewService(history, log Repository) *Service {
	return &Service{history: history, log: log, clock: time.Now}
}

// NewMemoryService keeps the console limits in memory.
func NewMemoryService() *Service {
	return NewService(NewMemoryRepo(HistoryLimit), NewMemoryRepo(LogLimit))
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) append(ctx context.Context, repo Repository, e Event) error {
	if repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return repo.Append(ctx, e)
}

// RecordCall adds a finished call to the history.
func (s *Service) RecordCall(ctx context.Context, label, details string) error {
	if label == "" {
		return fmt.Errorf("%w: label required", ErrInvalidEvent)
	}
	return s.append(ctx, s.history, Event{Type: EventTypeCall, Label: label, Details: details})
}

// Logf adds one line to the event log.
func (s *Service) Logf(ctx context.Context, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		return fmt.Errorf("%w: empty message", ErrInvalidEvent)
	}
	return s.append(ctx, s.log, Event{Type: EventTypeLog, Message: msg})
}

// History is newest first.
func (s *Service) History() []Event {
	if s.history == nil {
		return nil
	}
	return s.history.Events()
}

// Log is newest first.
func (s *Service) Log() []Event {
	if s.log == nil {
		return nil
	}
	return s.log.Events()
}
