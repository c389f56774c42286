// Package orchestrator owns the single call slot of the console. It starts
// peer calls, SIP calls and the loopback self-test, tears down whatever is
// active before anything new starts, and projects all three into one
// calls.Status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callconsole/internal/audit"
	"callconsole/internal/calls"
	"callconsole/internal/peer"
	"callconsole/internal/relay"
	"callconsole/internal/rtc"
	"callconsole/internal/sipua"
	"callconsole/pkg/logger"
)

var (
	ErrNoMedia   = errors.New("orchestrator: no local media")
	ErrNoSIPCall = errors.New("orchestrator: no sip call to transfer")
)

type Config struct {
	Relay       peer.Relay
	Transports  rtc.Factory
	Devices     *rtc.Devices
	Constraints rtc.Constraints
	// Agent may be nil when the console runs without SIP.
	Agent        *sipua.Agent
	PollInterval time.Duration
	History      *audit.Service
	Logger       *slog.Logger
}

type slot struct {
	origin calls.Origin
	gen    uint64
	engine *peer.Engine
	loop   *loopback
	label  string
	since  time.Time
}

type Orchestrator struct {
	cfg    Config
	log    *slog.Logger
	bridge *sipua.Bridge
	clock  func() time.Time

	// opMu serializes operations that change the slot. Callbacks from the
	// underlying machines only take mu.
	opMu sync.Mutex

	mu      sync.Mutex
	slot    slot
	gen     uint64
	status  calls.Status
	subs    map[int]chan calls.Status
	nextSub int
}

func New(cfg Config) *Orchestrator {
	if cfg.History == nil {
		cfg.History = audit.NewMemoryService()
	}
	if cfg.Devices == nil {
		cfg.Devices = rtc.NewDevices(rtc.DeniedSource{})
	}
	o := &Orchestrator{
		cfg:   cfg,
		log:   logger.OrDefault(cfg.Logger),
		clock: time.Now,
		subs:  make(map[int]chan calls.Status),
	}
	o.status = calls.Idle(o.clock())

	var sipCfg sipua.Config
	var inviter sipua.Inviter = noInviter{}
	if cfg.Agent != nil {
		sipCfg = cfg.Agent.Config()
		inviter = cfg.Agent
	}
	o.bridge = sipua.NewBridge(sipua.BridgeConfig{
		Inviter:     inviter,
		Devices:     cfg.Devices,
		Constraints: cfg.Constraints,
		SIP:         sipCfg,
		Preempt:     o.preemptForSIP,
		OnChange:    o.onBridgeChange,
		OnFailed:    o.onBridgeFailed,
		Logger:      cfg.Logger,
	})
	if cfg.Agent != nil {
		cfg.Agent.Handle(o.handleSIP)
	}
	return o
}

// StartSIP starts registration. An incomplete SIP configuration is not an
// error; the agent reports itself disabled.
func (o *Orchestrator) StartSIP(ctx context.Context) error {
	if o.cfg.Agent == nil {
		return nil
	}
	return o.cfg.Agent.Start(ctx)
}

// StartCall creates a relay session as initiator and returns its call code.
func (o *Orchestrator) StartCall(ctx context.Context, dialedNumber string) (string, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	gen := o.claim(calls.OriginPeer, dialedNumber)
	e := o.newEngine(gen)
	o.mu.Lock()
	o.slot.engine = e
	o.mu.Unlock()
	o.setStatus(gen, func(s *calls.Status) {
		s.Phase = calls.PhaseConnecting
		s.Role = string(peer.RoleInitiator)
		s.Remote = dialedNumber
		s.Reason = "creating session"
	})

	code, err := e.StartAsInitiator(ctx, dialedNumber)
	if err != nil {
		o.abandon(gen, err)
		return "", err
	}
	o.mu.Lock()
	if o.slot.gen == gen && dialedNumber == "" {
		o.slot.label = code
	}
	o.mu.Unlock()
	o.setStatus(gen, func(s *calls.Status) {
		s.CallCode = code
		if s.Phase == calls.PhaseConnecting {
			s.Phase = calls.PhaseRinging
			s.Reason = "waiting for the other side to join"
		}
	})
	o.note("call %s created", code)
	return code, nil
}

// JoinCall answers the session under code.
func (o *Orchestrator) JoinCall(ctx context.Context, code string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	gen := o.claim(calls.OriginPeer, code)
	e := o.newEngine(gen)
	o.mu.Lock()
	o.slot.engine = e
	o.mu.Unlock()
	o.setStatus(gen, func(s *calls.Status) {
		s.Phase = calls.PhaseConnecting
		s.Role = string(peer.RoleResponder)
		s.CallCode = code
		s.Reason = "joining"
	})

	if err := e.JoinAsResponder(ctx, code); err != nil {
		o.abandon(gen, err)
		return err
	}
	o.note("joined call %s", code)
	return nil
}

// StartLoopback runs the local self-test.
func (o *Orchestrator) StartLoopback(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	gen := o.claim(calls.OriginLoopback, "loopback")
	o.setStatus(gen, func(s *calls.Status) {
		s.Phase = calls.PhaseConnecting
		s.Reason = "loopback self-test"
	})

	lb, err := startLoopback(ctx, o.cfg.Transports, o.cfg.Devices, o.cfg.Constraints, func(st rtc.State) {
		o.onLoopbackState(gen, st)
	})
	if err != nil {
		o.abandon(gen, err)
		return err
	}

	o.mu.Lock()
	current := o.slot.gen == gen
	if current {
		o.slot.loop = lb
	}
	o.mu.Unlock()
	if !current {
		// Failed during negotiation; the slot already moved on.
		_ = lb.Close()
	}
	o.note("loopback started")
	return nil
}

// CallSIP places an outbound SIP call.
func (o *Orchestrator) CallSIP(ctx context.Context, target string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	gen := o.claim(calls.OriginSIP, target)
	o.setStatus(gen, func(s *calls.Status) {
		s.Phase = calls.PhaseConnecting
		s.Remote = target
		s.Reason = "dialing"
	})
	if _, err := o.bridge.Call(ctx, target); err != nil {
		o.abandon(gen, err)
		return err
	}
	o.note("dialing %s", target)
	return nil
}

// Transfer refers the established SIP call to target.
func (o *Orchestrator) Transfer(ctx context.Context, target string) error {
	o.mu.Lock()
	origin := o.slot.origin
	o.mu.Unlock()
	if origin != calls.OriginSIP {
		return ErrNoSIPCall
	}
	err := o.bridge.Transfer(ctx, target)
	if err != nil {
		o.note("transfer to %s failed: %v", target, err)
		return err
	}
	o.note("transferred to %s", target)
	return nil
}

// Hangup ends whatever is active. Safe in any state, never fails.
func (o *Orchestrator) Hangup(ctx context.Context) {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	o.teardown(ctx, "hung up")
}

// ToggleMute flips the shared audio track and returns whether it is now muted.
func (o *Orchestrator) ToggleMute() (bool, error) {
	stream := o.cfg.Devices.Current()
	if stream == nil {
		return false, ErrNoMedia
	}
	muted := stream.AudioEnabled()
	stream.SetAudioEnabled(!muted)
	o.mu.Lock()
	o.status.Muted = muted
	o.publishLocked()
	o.mu.Unlock()
	return muted, nil
}

// ToggleCamera flips the shared video track and returns whether it is now off.
func (o *Orchestrator) ToggleCamera() (bool, error) {
	stream := o.cfg.Devices.Current()
	if stream == nil {
		return false, ErrNoMedia
	}
	off := stream.VideoEnabled()
	stream.SetVideoEnabled(!off)
	o.mu.Lock()
	o.status.CameraOff = off
	o.publishLocked()
	o.mu.Unlock()
	return off, nil
}

func (o *Orchestrator) Status() calls.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Orchestrator) SIPStatus() (sipua.Status, string) {
	if o.cfg.Agent == nil {
		return sipua.StatusDisabled, "not configured"
	}
	return o.cfg.Agent.Status()
}

func (o *Orchestrator) History() []audit.Event { return o.cfg.History.History() }
func (o *Orchestrator) Log() []audit.Event     { return o.cfg.History.Log() }

// Subscribe delivers every status change. Slow readers miss updates rather
// than blocking the orchestrator. Call the returned func to unsubscribe.
func (o *Orchestrator) Subscribe() (<-chan calls.Status, func()) {
	ch := make(chan calls.Status, 16)
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// Close hangs up and stops SIP.
func (o *Orchestrator) Close(ctx context.Context) {
	o.Hangup(ctx)
	if o.cfg.Agent != nil {
		o.cfg.Agent.Stop(ctx)
	}
}

// claim tears down the current slot and reserves a fresh one. Caller holds opMu.
func (o *Orchestrator) claim(origin calls.Origin, label string) uint64 {
	o.teardown(context.Background(), "replaced by a new call")

	o.mu.Lock()
	defer o.mu.Unlock()
	o.gen++
	now := o.clock()
	o.slot = slot{origin: origin, gen: o.gen, label: label, since: now}
	o.status = calls.Status{Phase: calls.PhaseConnecting, Origin: origin, Since: now}
	o.publishLocked()
	return o.gen
}

// teardown stops the current slot. Every step runs regardless of the others.
// Caller holds opMu.
func (o *Orchestrator) teardown(ctx context.Context, reason string) {
	o.mu.Lock()
	cur := o.slot
	if cur.origin == "" || cur.origin == calls.OriginNone {
		o.mu.Unlock()
		return
	}
	o.slot = slot{origin: calls.OriginNone}
	o.mu.Unlock()

	switch cur.origin {
	case calls.OriginPeer:
		if cur.engine != nil {
			cur.engine.Hangup()
		}
	case calls.OriginSIP:
		o.bridge.Hangup(ctx)
	case calls.OriginLoopback:
		if cur.loop != nil {
			if err := cur.loop.Close(); err != nil {
				o.log.Warn("loopback close", "err", err)
			}
		}
	}
	o.finish(cur, reason)
}

// finish records the ended call and publishes the ended status.
func (o *Orchestrator) finish(cur slot, reason string) {
	o.mu.Lock()
	if o.slot.gen == cur.gen || o.slot.origin == calls.OriginNone {
		o.status.Phase = calls.PhaseEnded
		o.status.Origin = cur.origin
		o.status.Reason = reason
		o.status.TransferEnabled = false
		o.status.Since = o.clock()
		o.publishLocked()
	}
	o.mu.Unlock()

	label := cur.label
	if label == "" {
		label = string(cur.origin)
	}
	dur := o.clock().Sub(cur.since).Round(time.Second)
	if err := o.cfg.History.RecordCall(context.Background(), label, fmt.Sprintf("%s · %s · %s", cur.origin, reason, dur)); err != nil {
		o.log.Debug("history append failed", "err", err)
	}
	o.note("%s call ended: %s", cur.origin, reason)
}

// release clears the slot when the underlying machine ended on its own.
// Returns false when gen is stale.
func (o *Orchestrator) release(gen uint64, reason string) bool {
	o.mu.Lock()
	if o.slot.gen != gen || o.slot.origin == calls.OriginNone {
		o.mu.Unlock()
		return false
	}
	cur := o.slot
	o.slot = slot{origin: calls.OriginNone, gen: gen}
	o.mu.Unlock()
	o.finish(cur, reason)
	return true
}

// abandon resets a slot whose setup failed back to idle with a reason.
func (o *Orchestrator) abandon(gen uint64, err error) {
	reason := userReason(err)
	o.mu.Lock()
	if o.slot.gen != gen {
		o.mu.Unlock()
		return
	}
	cur := o.slot
	o.slot = slot{origin: calls.OriginNone}
	o.status = calls.Idle(o.clock())
	o.status.Reason = reason
	o.publishLocked()
	o.mu.Unlock()

	switch {
	case cur.engine != nil:
		cur.engine.Hangup()
	case cur.loop != nil:
		_ = cur.loop.Close()
	case cur.origin == calls.OriginSIP:
		o.bridge.Hangup(context.Background())
	}
	o.log.Warn("call setup failed", "origin", cur.origin, "err", err)
	o.note("%s call failed: %s", cur.origin, reason)
}

func (o *Orchestrator) newEngine(gen uint64) *peer.Engine {
	return peer.New(peer.Config{
		Relay:        o.cfg.Relay,
		Transports:   o.cfg.Transports,
		Devices:      o.cfg.Devices,
		Constraints:  o.cfg.Constraints,
		PollInterval: o.cfg.PollInterval,
		Logger:       o.cfg.Logger,
		OnState: func(st peer.State, reason string) {
			o.onPeerState(gen, st, reason)
		},
	})
}

func (o *Orchestrator) onPeerState(gen uint64, st peer.State, reason string) {
	switch st {
	case peer.StateConnected:
		o.setStatus(gen, func(s *calls.Status) {
			s.Phase = calls.PhaseActive
			s.Reason = "connected"
		})
	case peer.StateEnded:
		o.release(gen, reason)
	}
}

func (o *Orchestrator) onLoopbackState(gen uint64, st rtc.State) {
	switch {
	case st == rtc.StateConnected:
		o.setStatus(gen, func(s *calls.Status) {
			s.Phase = calls.PhaseActive
			s.Reason = "loopback media flowing"
		})
	case st.Terminal():
		o.mu.Lock()
		lb := o.slot.loop
		current := o.slot.gen == gen
		o.mu.Unlock()
		if current && o.release(gen, fmt.Sprintf("loopback %s", st)) && lb != nil {
			_ = lb.Close()
		}
	}
}

// preemptForSIP runs on the SIP event goroutine before an inbound call is
// accepted.
func (o *Orchestrator) preemptForSIP() {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	gen := o.claim(calls.OriginSIP, "inbound")
	o.setStatus(gen, func(s *calls.Status) {
		s.Phase = calls.PhaseRinging
		s.Reason = "incoming call"
	})
}

func (o *Orchestrator) onBridgeChange(info sipua.BridgeInfo) {
	o.mu.Lock()
	if o.slot.origin != calls.OriginSIP {
		o.mu.Unlock()
		return
	}
	gen := o.slot.gen
	if info.Remote != "" {
		o.slot.label = info.Remote
	}
	o.mu.Unlock()

	if info.State == sipua.SessionTerminated {
		o.release(gen, "sip call ended")
		return
	}
	o.setStatus(gen, func(s *calls.Status) {
		s.Phase = sipPhase(info)
		s.Remote = info.Remote
		s.TransferEnabled = info.TransferEnabled
		switch {
		case info.Transferring:
			s.Reason = "transferring"
		case s.Phase == calls.PhaseActive:
			s.Reason = "connected"
		case info.Direction == sipua.Inbound:
			s.Reason = "incoming call"
		default:
			s.Reason = "dialing"
		}
	})
}

// onBridgeFailed resets the slot claimed by preemptForSIP when the inbound
// call never got going.
func (o *Orchestrator) onBridgeFailed(err error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	o.mu.Lock()
	gen, origin := o.slot.gen, o.slot.origin
	o.mu.Unlock()
	if origin != calls.OriginSIP {
		return
	}
	o.abandon(gen, err)
}

func (o *Orchestrator) handleSIP(ev sipua.Event) {
	switch e := ev.(type) {
	case sipua.StatusEvent:
		o.log.Info("sip status", "status", e.Status, "detail", e.Detail)
		o.note("SIP %s %s", e.Status, e.Detail)
	default:
		o.bridge.HandleEvent(context.Background(), ev)
	}
}

// setStatus mutates the status if gen still owns the slot.
func (o *Orchestrator) setStatus(gen uint64, fn func(*calls.Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.slot.gen != gen || o.slot.origin == calls.OriginNone {
		return
	}
	fn(&o.status)
	o.status.Origin = o.slot.origin
	o.publishLocked()
}

func (o *Orchestrator) publishLocked() {
	for _, ch := range o.subs {
		select {
		case ch <- o.status:
		default:
		}
	}
}

func (o *Orchestrator) note(format string, args ...any) {
	if err := o.cfg.History.Logf(context.Background(), format, args...); err != nil {
		o.log.Debug("event log append failed", "err", err)
	}
}

func sipPhase(info sipua.BridgeInfo) calls.Phase {
	switch info.State {
	case sipua.SessionEstablished:
		return calls.PhaseActive
	case sipua.SessionTerminating, sipua.SessionTerminated:
		return calls.PhaseEnded
	}
	if info.Direction == sipua.Inbound {
		return calls.PhaseRinging
	}
	return calls.PhaseConnecting
}

func userReason(err error) string {
	switch {
	case errors.Is(err, rtc.ErrMediaPermission):
		return "camera or microphone access denied"
	case errors.Is(err, peer.ErrSessionNotReady):
		return "the caller has not published an offer yet"
	case errors.Is(err, relay.ErrNotFound):
		return "unknown call code"
	case errors.Is(err, relay.ErrTransport):
		return "relay unreachable"
	case errors.Is(err, sipua.ErrNotStarted):
		return "sip is not registered"
	default:
		return err.Error()
	}
}

type noInviter struct{}

func (noInviter) Invite(context.Context, string, *rtc.Stream) (sipua.Session, error) {
	return nil, sipua.ErrNotStarted
}
