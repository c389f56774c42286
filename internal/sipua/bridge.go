package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"callconsole/internal/rtc"
	"callconsole/pkg/logger"
)

var ErrTransferInProgress = errors.New("sipua: transfer already in progress")

// Inviter places outbound calls. *Agent satisfies it.
type Inviter interface {
	Invite(ctx context.Context, target string, stream *rtc.Stream) (Session, error)
}

type BridgeConfig struct {
	Inviter     Inviter
	Devices     *rtc.Devices
	Constraints rtc.Constraints
	SIP         Config

	// Preempt must tear down any other active call. It runs before an
	// inbound call takes the slot.
	Preempt func()
	// OnChange is called after every visible change, outside bridge locks.
	OnChange func(BridgeInfo)
	// OnFailed reports an inbound call that could not be set up after
	// Preempt ran. The session is already terminated.
	OnFailed func(error)
	Logger   *slog.Logger
}

// BridgeInfo is what the console shows about the SIP call.
type BridgeInfo struct {
	SessionID       string
	Direction       Direction
	Remote          string
	State           SessionState
	TransferEnabled bool
	Transferring    bool
}

// Bridge holds at most one SIP session and its local media.
type Bridge struct {
	cfg BridgeConfig
	log *slog.Logger

	mu           sync.Mutex
	session      Session
	stream       *rtc.Stream
	state        SessionState
	transferring bool
}

func NewBridge(cfg BridgeConfig) *Bridge {
	return &Bridge{cfg: cfg, log: logger.OrDefault(cfg.Logger)}
}

// HandleEvent consumes call events from the agent. Other events are ignored.
func (b *Bridge) HandleEvent(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case InviteEvent:
		if err := b.acceptInbound(ctx, e.Session); err != nil {
			b.log.Warn("inbound sip call failed", "remote", e.Session.RemoteIdentity(), "err", err)
			if b.cfg.OnFailed != nil {
				b.cfg.OnFailed(err)
			}
		}
	case SessionEvent:
		b.onSessionState(e.Session, e.State)
	case ReferEvent:
		if err := b.followRefer(ctx, e); err != nil {
			b.log.Warn("refer follow-up failed", "target", e.Target, "err", err)
		}
	}
}

func (b *Bridge) acceptInbound(ctx context.Context, s Session) error {
	if b.cfg.Preempt != nil {
		b.cfg.Preempt()
	}
	// Preempt normally clears us too; a leftover session is ours to end.
	b.Hangup(ctx)

	stream, err := b.cfg.Devices.Acquire(ctx, b.cfg.Constraints)
	if err != nil {
		if terr := s.Terminate(ctx); terr != nil {
			b.log.Debug("reject inbound", "err", terr)
		}
		return err
	}

	b.mu.Lock()
	b.session = s
	b.stream = stream
	b.state = SessionEstablishing
	b.transferring = false
	b.mu.Unlock()
	b.notify()

	b.log.Info("accepting sip call", "session_id", s.ID(), "remote", s.RemoteIdentity())
	if err := s.Accept(ctx, stream); err != nil {
		b.drop(s)
		if terr := s.Terminate(ctx); terr != nil {
			b.log.Debug("terminate after failed accept", "err", terr)
		}
		return fmt.Errorf("sipua: accept: %w", err)
	}
	return nil
}

// Call places an outbound call. Callers are responsible for clearing other
// call types first.
func (b *Bridge) Call(ctx context.Context, target string) (BridgeInfo, error) {
	b.Hangup(ctx)

	stream, err := b.cfg.Devices.Acquire(ctx, b.cfg.Constraints)
	if err != nil {
		return BridgeInfo{}, err
	}
	s, err := b.cfg.Inviter.Invite(ctx, target, stream)
	if err != nil {
		b.cfg.Devices.Release(stream)
		return BridgeInfo{}, fmt.Errorf("sipua: invite %s: %w", target, err)
	}

	if st := s.State(); st == SessionTerminated {
		// Rejected before we could hold it.
		b.cfg.Devices.Release(stream)
		info := BridgeInfo{SessionID: s.ID(), Direction: s.Direction(), Remote: s.RemoteIdentity(), State: st}
		b.emit(info)
		return info, nil
	}

	b.mu.Lock()
	b.session = s
	b.stream = stream
	b.state = s.State()
	b.transferring = false
	b.mu.Unlock()
	b.notify()
	return b.Info(), nil
}

func (b *Bridge) onSessionState(s Session, st SessionState) {
	b.mu.Lock()
	if b.session == nil || b.session.ID() != s.ID() {
		b.mu.Unlock()
		return
	}
	b.state = st
	var stream *rtc.Stream
	if st == SessionTerminated {
		stream = b.stream
		b.session, b.stream, b.transferring = nil, nil, false
	}
	b.mu.Unlock()

	if stream != nil {
		b.cfg.Devices.Release(stream)
	}
	b.log.Info("sip session state", "session_id", s.ID(), "state", st)
	if st == SessionTerminated {
		b.emit(BridgeInfo{
			SessionID: s.ID(),
			Direction: s.Direction(),
			Remote:    s.RemoteIdentity(),
			State:     SessionTerminated,
		})
		return
	}
	b.notify()
}

// Transfer sends a REFER for the established call. The transfer control is
// disabled while the request is outstanding and re-enabled from the session
// state afterwards, whatever the outcome.
func (b *Bridge) Transfer(ctx context.Context, dest string) error {
	b.mu.Lock()
	s := b.session
	if s == nil || b.state != SessionEstablished {
		b.mu.Unlock()
		return ErrNoActiveCall
	}
	if b.transferring {
		b.mu.Unlock()
		return ErrTransferInProgress
	}
	target, err := b.cfg.SIP.TransferTarget(dest)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.transferring = true
	b.mu.Unlock()
	b.notify()

	b.log.Info("transferring sip call", "session_id", s.ID(), "target", target)
	err = s.Refer(ctx, target)

	b.mu.Lock()
	b.transferring = false
	b.mu.Unlock()
	b.notify()

	if err != nil {
		return fmt.Errorf("sipua: refer %s: %w", target, err)
	}
	return nil
}

// followRefer re-invites toward the referred target with the current media,
// then lets the old dialog go.
func (b *Bridge) followRefer(ctx context.Context, e ReferEvent) error {
	b.mu.Lock()
	old, stream := b.session, b.stream
	b.mu.Unlock()
	if old == nil || old.ID() != e.Session.ID() {
		return ErrNoActiveCall
	}

	next, err := b.cfg.Inviter.Invite(ctx, e.Target, stream)
	if err != nil {
		return err
	}

	b.mu.Lock()
	replaced := b.session == old
	if replaced {
		b.session = next
		b.state = next.State()
		b.transferring = false
	}
	b.mu.Unlock()

	if !replaced {
		// The old call ended while we were dialing; the new leg has no slot.
		return errors.Join(ErrNoActiveCall, next.Terminate(ctx))
	}
	if err := old.Terminate(ctx); err != nil {
		b.log.Debug("terminate referred session", "err", err)
	}
	b.log.Info("followed refer", "from", old.ID(), "to", next.ID(), "target", e.Target)
	b.notify()
	return nil
}

// Hangup terminates the current session, if any, and releases its media.
// Errors are logged only.
func (b *Bridge) Hangup(ctx context.Context) {
	b.mu.Lock()
	s, stream := b.session, b.stream
	b.session, b.stream, b.transferring = nil, nil, false
	b.state = ""
	b.mu.Unlock()

	if s != nil {
		if err := s.Terminate(ctx); err != nil {
			b.log.Warn("sip hangup failed", "session_id", s.ID(), "err", err)
		}
	}
	b.cfg.Devices.Release(stream)
}

// drop forgets s without terminating it.
func (b *Bridge) drop(s Session) {
	b.mu.Lock()
	if b.session != s {
		b.mu.Unlock()
		return
	}
	stream := b.stream
	b.session, b.stream, b.transferring = nil, nil, false
	b.state = ""
	b.mu.Unlock()
	b.cfg.Devices.Release(stream)
}

func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session != nil
}

func (b *Bridge) Info() BridgeInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.infoLocked()
}

func (b *Bridge) infoLocked() BridgeInfo {
	if b.session == nil {
		return BridgeInfo{}
	}
	return BridgeInfo{
		SessionID:       b.session.ID(),
		Direction:       b.session.Direction(),
		Remote:          b.session.RemoteIdentity(),
		State:           b.state,
		TransferEnabled: b.state == SessionEstablished && !b.transferring,
		Transferring:    b.transferring,
	}
}

func (b *Bridge) notify() {
	b.mu.Lock()
	info := b.infoLocked()
	b.mu.Unlock()
	if info.SessionID != "" {
		b.emit(info)
	}
}

func (b *Bridge) emit(info BridgeInfo) {
	if b.cfg.OnChange != nil {
		b.cfg.OnChange(info)
	}
}
