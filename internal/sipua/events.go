package sipua

import (
	"context"
	"errors"

	"callconsole/internal/rtc"
)

var (
	// ErrRegistration wraps REGISTER failures. Surfaced as a status; the
	// agent never retries on its own.
	ErrRegistration  = errors.New("sipua: registration failed")
	ErrNotStarted    = errors.New("sipua: agent not started")
	ErrNoActiveCall  = errors.New("sipua: no established sip call")
	ErrInvalidTarget = errors.New("sipua: invalid target")
)

type RegistrationState string

const (
	RegInitial      RegistrationState = "initial"
	RegRegistering  RegistrationState = "registering"
	RegRegistered   RegistrationState = "registered"
	RegUnregistered RegistrationState = "unregistered"
	RegTerminated   RegistrationState = "terminated"
)

type TransportState string

const (
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
)

type SessionState string

const (
	SessionInitial      SessionState = "initial"
	SessionEstablishing SessionState = "establishing"
	SessionEstablished  SessionState = "established"
	SessionTerminating  SessionState = "terminating"
	SessionTerminated   SessionState = "terminated"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Event is the closed set of things a UserAgent reports.
type Event interface{ sipEvent() }

type RegistrationEvent struct {
	State RegistrationState
	Err   error
}

type TransportEvent struct {
	State TransportState
	Err   error
}

// InviteEvent carries a new inbound session in SessionInitial.
type InviteEvent struct {
	Session Session
}

type SessionEvent struct {
	Session Session
	State   SessionState
}

// ReferEvent means the remote side asked us to call Target.
type ReferEvent struct {
	Session Session
	Target  string
}

// StatusEvent is emitted by Agent whenever its externally visible status changes.
type StatusEvent struct {
	Status Status
	Detail string
}

func (RegistrationEvent) sipEvent() {}
func (TransportEvent) sipEvent()    {}
func (InviteEvent) sipEvent()       {}
func (SessionEvent) sipEvent()      {}
func (ReferEvent) sipEvent()        {}
func (StatusEvent) sipEvent()       {}

// UserAgent is one SIP stack bound to a gateway. Events are delivered on a
// single channel; readers stop reading after Close, the channel stays open.
type UserAgent interface {
	Connect(ctx context.Context) error
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	Invite(ctx context.Context, target string, stream *rtc.Stream) (Session, error)
	Events() <-chan Event
	Close() error
}

// Session is one SIP dialog with media.
type Session interface {
	ID() string
	Direction() Direction
	RemoteIdentity() string
	State() SessionState
	// Accept answers an inbound session with stream as local media.
	Accept(ctx context.Context, stream *rtc.Stream) error
	Terminate(ctx context.Context) error
	Refer(ctx context.Context, target string) error
}

// Dialer builds a UserAgent for a complete configuration.
type Dialer func(cfg Config) (UserAgent, error)
