package audit

import "time"

// Event is an immutable console record: a finished call in the history or a
// line in the event log.
//
// Invariants:
// - Events are never updated.
// - The history keeps the newest HistoryLimit calls, the log the newest LogLimit lines.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`

	// Label is the headline, e.g. the dialed number or call code.
	Label   string `json:"label,omitempty"`
	Details string `json:"details,omitempty"`
	Message string `json:"message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EventType string

const (
	EventTypeCall EventType = "call"
	EventTypeLog  EventType = "log"
)

const (
	HistoryLimit = 12
	LogLimit     = 20
)
