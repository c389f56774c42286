// Package peer negotiates one browser-style media session through the
// polled signaling relay.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callconsole/internal/relay"
	"callconsole/internal/rtc"
	"callconsole/internal/sessions"
	"callconsole/pkg/logger"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrSessionNotReady means the responder joined before the initiator
	// published an offer. Retrying later is expected.
	ErrSessionNotReady = errors.New("peer: session has no offer yet")
	// ErrStarted is returned when an engine is started a second time.
	// Engines are single use.
	ErrStarted = errors.New("peer: engine already started")
)

type State string

const (
	StateIdle        State = "idle"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	StateEnded       State = "ended"
)

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// local is the candidate sequence this role publishes to.
func (r Role) local() sessions.Role {
	if r == RoleResponder {
		return sessions.RoleAnswer
	}
	return sessions.RoleOffer
}

// Relay is the signaling surface the engine needs. *relay.Client satisfies it.
type Relay interface {
	relay.Fetcher
	Create(ctx context.Context, dialedNumber string) (sessions.Session, error)
	ApplyOffer(ctx context.Context, code string, offer sessions.Description, dialedNumber string) (sessions.Session, error)
	ApplyAnswer(ctx context.Context, code string, answer sessions.Description) (sessions.Session, error)
	AppendCandidate(ctx context.Context, code string, role sessions.Role, c sessions.Candidate) (int, error)
	SetStatus(ctx context.Context, code, status string) (sessions.Session, error)
}

type Config struct {
	Relay       Relay
	Transports  rtc.Factory
	Devices     *rtc.Devices
	Constraints rtc.Constraints

	// PollInterval defaults to relay.DefaultPollInterval. A negative value
	// disables polling; snapshots must then be fed through Observe.
	PollInterval time.Duration

	// OnState is called after every state change, outside engine locks.
	OnState func(State, string)
	Logger  *slog.Logger
}

// Info is a point-in-time view of the engine.
type Info struct {
	State         State
	Role          Role
	CallCode      string
	Cursor        int
	RemoteApplied bool
}

// Engine owns one transport for one role. It is safe for concurrent use;
// transport calls are made without holding the engine lock.
type Engine struct {
	cfg Config
	log *slog.Logger

	mu            sync.Mutex
	state         State
	role          Role
	code          string
	remoteApplied bool
	cursor        int
	published     bool
	pending       []sessions.Candidate
	transport     rtc.Transport
	stream        *rtc.Stream
	sub           *relay.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	// pushMu keeps local candidates in discovery order on the relay.
	pushMu sync.Mutex
	// observeMu serializes snapshot handling.
	observeMu sync.Mutex
}

func New(cfg Config) *Engine {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = relay.DefaultPollInterval
	}
	return &Engine{cfg: cfg, log: logger.OrDefault(cfg.Logger), state: StateIdle}
}

// StartAsInitiator creates a session, publishes the local offer and starts
// polling for the answer. It returns the call code.
func (e *Engine) StartAsInitiator(ctx context.Context, dialedNumber string) (string, error) {
	if err := e.begin(ctx, RoleInitiator); err != nil {
		return "", err
	}

	tr, err := e.setupTransport(ctx)
	if err != nil {
		return "", e.abort("media setup failed", err)
	}

	sess, err := e.cfg.Relay.Create(ctx, dialedNumber)
	if err != nil {
		return "", e.abort("could not create session", err)
	}
	e.setCode(sess.CallCode)

	offer, err := tr.CreateOffer(ctx)
	if err != nil {
		return "", e.abort("could not create offer", err)
	}
	if _, err := e.cfg.Relay.ApplyOffer(ctx, sess.CallCode, fromSDP(offer), dialedNumber); err != nil {
		return "", e.abort("could not publish offer", err)
	}

	e.flushCandidates()
	e.startPolling()
	e.log.Info("offer published", "call_code", sess.CallCode, "role", RoleInitiator)
	return sess.CallCode, nil
}

// JoinAsResponder answers the offer stored under code.
func (e *Engine) JoinAsResponder(ctx context.Context, code string) error {
	code = sessions.NormalizeCode(code)
	if err := e.begin(ctx, RoleResponder); err != nil {
		return err
	}

	sess, err := e.cfg.Relay.Fetch(ctx, code)
	if err != nil {
		return e.abort("could not load session", err)
	}
	if sess.Offer == nil {
		return e.abort("session has no offer yet", ErrSessionNotReady)
	}
	e.setCode(sess.CallCode)

	tr, err := e.setupTransport(ctx)
	if err != nil {
		return e.abort("media setup failed", err)
	}
	if err := tr.SetRemoteDescription(toSDP(*sess.Offer)); err != nil {
		return e.abort("could not apply offer", err)
	}
	e.mu.Lock()
	e.remoteApplied = true
	e.mu.Unlock()
	e.applyCandidates(tr, sess.Candidates(sessions.RoleOffer))

	answer, err := tr.CreateAnswer(ctx)
	if err != nil {
		return e.abort("could not create answer", err)
	}
	if _, err := e.cfg.Relay.ApplyAnswer(ctx, sess.CallCode, fromSDP(answer)); err != nil {
		return e.abort("could not publish answer", err)
	}

	e.flushCandidates()
	e.startPolling()
	e.log.Info("answer published", "call_code", sess.CallCode, "role", RoleResponder)
	return nil
}

// Observe applies one relay snapshot. Replaying a snapshot is harmless: the
// remote description is applied once and candidates below the cursor are
// skipped.
func (e *Engine) Observe(sess sessions.Session) {
	e.observeMu.Lock()
	defer e.observeMu.Unlock()

	e.mu.Lock()
	if e.state == StateEnded || e.state == StateIdle || e.transport == nil {
		e.mu.Unlock()
		return
	}
	role, tr, applied := e.role, e.transport, e.remoteApplied
	e.mu.Unlock()

	if sess.Status == sessions.StatusEnded {
		e.end("remote hung up", false)
		return
	}

	if role == RoleInitiator && !applied && sess.Answer != nil {
		if err := tr.SetRemoteDescription(toSDP(*sess.Answer)); err != nil {
			e.log.Warn("apply answer failed", "call_code", sess.CallCode, "err", err)
			return
		}
		e.mu.Lock()
		e.remoteApplied = true
		e.mu.Unlock()
		applied = true
	}
	if !applied {
		return
	}
	e.applyCandidates(tr, sess.Candidates(role.local().Opposite()))
}

// Hangup ends the call and tells the relay. Safe in any state; cleanup
// failures are logged, never returned.
func (e *Engine) Hangup() {
	e.end("hung up", true)
}

func (e *Engine) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{
		State:         e.state,
		Role:          e.role,
		CallCode:      e.code,
		Cursor:        e.cursor,
		RemoteApplied: e.remoteApplied,
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) begin(ctx context.Context, role Role) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrStarted
	}
	e.role = role
	e.state = StateNegotiating
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Unlock()
	e.notify(StateNegotiating, "negotiating")
	return nil
}

func (e *Engine) setupTransport(ctx context.Context) (rtc.Transport, error) {
	stream, err := e.cfg.Devices.Acquire(ctx, e.cfg.Constraints)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.stream = stream
	e.mu.Unlock()

	tr, err := e.cfg.Transports.NewTransport()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.transport = tr
	e.mu.Unlock()

	tr.OnLocalCandidate(e.onLocalCandidate)
	tr.OnStateChange(e.onTransportState)
	if err := tr.AttachStream(stream); err != nil {
		return nil, err
	}
	return tr, nil
}

func (e *Engine) setCode(code string) {
	e.mu.Lock()
	e.code = code
	e.mu.Unlock()
}

// applyCandidates applies list[cursor:] and advances the cursor to len(list).
// A candidate the transport rejects is logged and still counted.
func (e *Engine) applyCandidates(tr rtc.Transport, list []sessions.Candidate) {
	e.mu.Lock()
	from := e.cursor
	code := e.code
	e.mu.Unlock()
	if len(list) <= from {
		return
	}
	for _, c := range list[from:] {
		if err := tr.AddICECandidate(toICE(c)); err != nil {
			e.log.Warn("apply remote candidate failed", "call_code", code, "err", err)
		}
	}
	e.mu.Lock()
	e.cursor = len(list)
	e.mu.Unlock()
}

func (e *Engine) onLocalCandidate(c webrtc.ICECandidateInit) {
	cand := fromICE(c)
	e.mu.Lock()
	if e.state == StateEnded {
		e.mu.Unlock()
		return
	}
	if !e.published {
		e.pending = append(e.pending, cand)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.pushMu.Lock()
	defer e.pushMu.Unlock()
	e.push(cand)
}

// flushCandidates marks the local description as published and sends
// everything discovered before that point. Storing an offer resets the
// candidate lists, so nothing may be pushed earlier.
func (e *Engine) flushCandidates() {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()

	e.mu.Lock()
	e.published = true
	queued := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, c := range queued {
		e.push(c)
	}
}

func (e *Engine) push(c sessions.Candidate) {
	e.mu.Lock()
	ctx, code, role := e.ctx, e.code, e.role
	e.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if _, err := e.cfg.Relay.AppendCandidate(ctx, code, role.local(), c); err != nil {
		e.log.Warn("send candidate failed", "call_code", code, "role", role, "err", err)
	}
}

func (e *Engine) startPolling() {
	if e.cfg.PollInterval < 0 {
		return
	}
	e.mu.Lock()
	if e.state == StateEnded {
		e.mu.Unlock()
		return
	}
	ctx, code := e.ctx, e.code
	e.mu.Unlock()

	sub := relay.Subscribe(ctx, e.cfg.Relay, code, e.cfg.PollInterval, func(ev relay.Event) {
		if ev.Err != nil {
			e.log.Warn("poll failed", "call_code", code, "err", ev.Err)
			return
		}
		e.Observe(ev.Session)
	})

	e.mu.Lock()
	if e.state == StateEnded {
		e.mu.Unlock()
		sub.Stop()
		return
	}
	e.sub = sub
	e.mu.Unlock()
}

func (e *Engine) onTransportState(s rtc.State) {
	switch {
	case s == rtc.StateConnected:
		e.mu.Lock()
		if e.state != StateNegotiating {
			e.mu.Unlock()
			return
		}
		e.state = StateConnected
		code := e.code
		e.mu.Unlock()
		e.log.Info("peer connected", "call_code", code)
		e.notify(StateConnected, "connected")
	case s.Terminal():
		e.end(fmt.Sprintf("connection %s", s), false)
	}
}

func (e *Engine) abort(reason string, cause error) error {
	e.end(reason, true)
	return fmt.Errorf("peer: %s: %w", reason, cause)
}

// end tears everything down once. Each step runs regardless of the others.
func (e *Engine) end(reason string, notifyRelay bool) {
	e.mu.Lock()
	if e.state == StateEnded || e.state == StateIdle {
		e.mu.Unlock()
		return
	}
	e.state = StateEnded
	sub, tr, stream, code, ctx := e.sub, e.transport, e.stream, e.code, e.ctx
	e.sub, e.transport, e.stream, e.pending = nil, nil, nil, nil
	cancel := e.cancel
	e.mu.Unlock()

	sub.Stop()
	if cancel != nil {
		cancel()
	}

	var errs []error
	if tr != nil {
		if err := tr.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	e.cfg.Devices.Release(stream)
	if notifyRelay && code != "" {
		nctx, ncancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if _, err := e.cfg.Relay.SetStatus(nctx, code, sessions.StatusEnded); err != nil {
			errs = append(errs, fmt.Errorf("notify relay: %w", err))
		}
		ncancel()
	}
	if err := errors.Join(errs...); err != nil {
		e.log.Warn("teardown incomplete", "call_code", code, "err", err)
	}
	e.log.Info("peer ended", "call_code", code, "reason", reason)
	e.notify(StateEnded, reason)
}

func (e *Engine) notify(s State, reason string) {
	if e.cfg.OnState != nil {
		e.cfg.OnState(s, reason)
	}
}

func toSDP(d sessions.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromSDP(d webrtc.SessionDescription) sessions.Description {
	return sessions.Description{Type: d.Type.String(), SDP: d.SDP}
}

func toICE(c sessions.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromICE(c webrtc.ICECandidateInit) sessions.Candidate {
	return sessions.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
