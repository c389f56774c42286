package rtc

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrMediaPermission means the local capture devices were refused.
	// It is fatal for the current call attempt and never retried automatically.
	ErrMediaPermission = errors.New("rtc: media permission denied")
	ErrClosed          = errors.New("rtc: transport closed")
)

// State is the connection state reported by a Transport.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Terminal reports whether s ends the call. Disconnected counts: there is
// no negotiation timer, so a dropped path is how a dead call shows up.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// Transport is one local media endpoint. Implementations invoke callbacks
// from their own goroutines; callers must not hold locks across calls.
type Transport interface {
	// AttachStream adds the stream's tracks. A nil or empty stream makes the
	// transport receive-only. Must precede CreateOffer / CreateAnswer.
	AttachStream(s *Stream) error

	// CreateOffer and CreateAnswer build and install the local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	// GatherComplete waits for candidate gathering and returns the local
	// description with every candidate inlined (for non-trickle peers).
	GatherComplete(ctx context.Context) (webrtc.SessionDescription, error)

	SetRemoteDescription(d webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	// OnLocalCandidate fires once per locally discovered candidate.
	OnLocalCandidate(fn func(webrtc.ICECandidateInit))
	OnStateChange(fn func(State))

	Close() error
}

// Factory creates transports with a shared media configuration.
type Factory interface {
	NewTransport() (Transport, error)
}
