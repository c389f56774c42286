package calls

import "time"

// Status is the single projected view of whatever call is active.
//
// Invariants:
// - Origin is OriginNone exactly when Phase is PhaseIdle.
// - Reason is human readable and always set on PhaseEnded.
type Status struct {
	Phase  Phase  `json:"phase"`
	Origin Origin `json:"origin"`
	Reason string `json:"reason,omitempty"`

	// CallCode and Role are set for peer calls.
	CallCode string `json:"call_code,omitempty"`
	Role     string `json:"role,omitempty"`
	// Remote is the SIP remote identity or the dialed number.
	Remote string `json:"remote,omitempty"`

	Muted           bool `json:"muted"`
	CameraOff       bool `json:"camera_off"`
	TransferEnabled bool `json:"transfer_enabled"`

	Since time.Time `json:"since"`
}

// Busy reports whether the slot is occupied.
func (s Status) Busy() bool {
	switch s.Phase {
	case PhaseRinging, PhaseConnecting, PhaseActive:
		return true
	}
	return false
}

// Variant is the coarse indicator the console colors by.
func (s Status) Variant() string {
	switch s.Phase {
	case PhaseActive:
		return "active"
	case PhaseRinging, PhaseConnecting:
		return "pending"
	default:
		return "idle"
	}
}

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRinging    Phase = "ringing"
	PhaseConnecting Phase = "connecting"
	PhaseActive     Phase = "active"
	PhaseEnded      Phase = "ended"
)

// Origin names which state machine currently owns the slot.
type Origin string

const (
	OriginNone     Origin = "none"
	OriginPeer     Origin = "peer"
	OriginSIP      Origin = "sip"
	OriginLoopback Origin = "loopback"
)

func Idle(now time.Time) Status {
	return Status{Phase: PhaseIdle, Origin: OriginNone, Since: now}
}
