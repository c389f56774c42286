package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"callconsole/internal/calls"
	"callconsole/internal/rtc"
	"callconsole/internal/sessions"
	"callconsole/internal/sipua"
)

type fakeUA struct {
	events chan sipua.Event
}

func (u *fakeUA) Connect(context.Context) error    { return nil }
func (u *fakeUA) Register(context.Context) error   { return nil }
func (u *fakeUA) Unregister(context.Context) error { return nil }
func (u *fakeUA) Events() <-chan sipua.Event       { return u.events }
func (u *fakeUA) Close() error                     { return nil }

func (u *fakeUA) Invite(ctx context.Context, target string, stream *rtc.Stream) (sipua.Session, error) {
	return &fakeSession{id: "out-" + target, dir: sipua.Outbound, remote: target, state: sipua.SessionEstablishing}, nil
}

type fakeSession struct {
	id     string
	dir    sipua.Direction
	remote string

	mu        sync.Mutex
	state     sipua.SessionState
	refers    []string
	acceptErr error
}

func (s *fakeSession) ID() string                 { return s.id }
func (s *fakeSession) Direction() sipua.Direction { return s.dir }
func (s *fakeSession) RemoteIdentity() string     { return s.remote }

func (s *fakeSession) Accept(context.Context, *rtc.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptErr != nil {
		return s.acceptErr
	}
	s.state = sipua.SessionEstablishing
	return nil
}

func (s *fakeSession) State() sipua.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) Terminate(context.Context) error {
	s.mu.Lock()
	s.state = sipua.SessionTerminated
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Refer(_ context.Context, target string) error {
	s.mu.Lock()
	s.refers = append(s.refers, target)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) referred() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.refers...)
}

func newSIPHarness(t *testing.T, withRelay bool) (*harness, *fakeUA) {
	t.Helper()
	ua := &fakeUA{events: make(chan sipua.Event, 16)}
	cfg := sipua.Config{
		WSSServer:      "wss://sbc.example.com",
		Username:       "1001",
		Domain:         "sip.example.com",
		Password:       "secret",
		TransferDomain: "pbx.example.com",
	}
	agent := sipua.NewAgent(cfg, func(sipua.Config) (sipua.UserAgent, error) { return ua, nil }, nil)
	var h *harness
	if withRelay {
		h = newHarness(t, newRelay(t), agent)
	} else {
		h = newHarness(t, nil, agent)
	}
	if err := h.o.StartSIP(context.Background()); err != nil {
		t.Fatalf("start sip: %v", err)
	}
	if st, _ := h.o.SIPStatus(); st != sipua.StatusRegistered {
		t.Fatalf("sip status = %s", st)
	}
	return h, ua
}

func TestInboundSIPPreemptsPeerCall(t *testing.T) {
	h, ua := newSIPHarness(t, true)
	ctx := context.Background()

	code, err := h.o.StartCall(ctx, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	peerTransport := h.factory.Created()[0]

	in := &fakeSession{id: "in-1", dir: sipua.Inbound, remote: "sip:+15550100@pstn", state: sipua.SessionInitial}
	ua.events <- sipua.InviteEvent{Session: in}
	waitStatus(t, h.o, func(s calls.Status) bool {
		return s.Origin == calls.OriginSIP && s.Phase == calls.PhaseRinging
	})
	if !peerTransport.Closed() {
		t.Fatalf("peer call not torn down before the sip call")
	}
	sess, _ := h.relay.Fetch(ctx, code)
	if sess.Status != sessions.StatusEnded {
		t.Fatalf("relay not told about hangup: %q", sess.Status)
	}

	ua.events <- sipua.SessionEvent{Session: in, State: sipua.SessionEstablished}
	s := waitPhase(t, h.o, calls.PhaseActive)
	if !s.TransferEnabled || s.Remote != in.remote {
		t.Fatalf("status = %+v", s)
	}

	if err := h.o.Transfer(ctx, "200"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := in.referred(); len(got) != 1 || got[0] != "sip:200@pbx.example.com" {
		t.Fatalf("refers = %v", got)
	}
	if s := h.o.Status(); !s.TransferEnabled {
		t.Fatalf("transfer control not restored: %+v", s)
	}

	ua.events <- sipua.SessionEvent{Session: in, State: sipua.SessionTerminated}
	waitPhase(t, h.o, calls.PhaseEnded)
	if h.devices.Refs() != 0 {
		t.Fatalf("refs = %d", h.devices.Refs())
	}
}

func TestOutboundSIPReplacedByLoopback(t *testing.T) {
	h, _ := newSIPHarness(t, false)
	ctx := context.Background()

	if err := h.o.CallSIP(ctx, "sip:300@sip.example.com"); err != nil {
		t.Fatalf("call: %v", err)
	}
	if s := h.o.Status(); s.Origin != calls.OriginSIP || s.Phase != calls.PhaseConnecting {
		t.Fatalf("status = %+v", s)
	}
	if err := h.o.StartLoopback(ctx); err != nil {
		t.Fatalf("loopback: %v", err)
	}
	if s := h.o.Status(); s.Origin != calls.OriginLoopback || s.Phase != calls.PhaseActive {
		t.Fatalf("status = %+v", s)
	}
	if h.devices.Refs() != 1 {
		t.Fatalf("refs = %d", h.devices.Refs())
	}
}

func TestInboundSetupFailureResetsSlot(t *testing.T) {
	h, ua := newSIPHarness(t, false)
	h.source.Err = rtc.ErrMediaPermission

	in := &fakeSession{id: "in-1", dir: sipua.Inbound, remote: "sip:+15550100@pstn", state: sipua.SessionInitial}
	ua.events <- sipua.InviteEvent{Session: in}
	ua.events <- sipua.SessionEvent{Session: in, State: sipua.SessionTerminated}

	s := waitStatus(t, h.o, func(s calls.Status) bool {
		return s.Phase == calls.PhaseIdle && s.Reason != ""
	})
	if s.Busy() || s.Reason != "camera or microphone access denied" {
		t.Fatalf("status = %+v", s)
	}
	if in.State() != sipua.SessionTerminated {
		t.Fatalf("inbound session not rejected")
	}

	// The slot is free again.
	h.source.Err = nil
	if err := h.o.StartLoopback(context.Background()); err != nil {
		t.Fatalf("loopback: %v", err)
	}
	if s := h.o.Status(); s.Origin != calls.OriginLoopback || s.Phase != calls.PhaseActive {
		t.Fatalf("status = %+v", s)
	}
}

func TestInboundAcceptFailureResetsSlot(t *testing.T) {
	h, ua := newSIPHarness(t, false)

	in := &fakeSession{id: "in-2", dir: sipua.Inbound, remote: "sip:+15550101@pstn", state: sipua.SessionInitial}
	in.acceptErr = errors.New("no common codec")
	ua.events <- sipua.InviteEvent{Session: in}

	s := waitStatus(t, h.o, func(s calls.Status) bool {
		return s.Phase == calls.PhaseIdle && s.Reason != ""
	})
	if !strings.Contains(s.Reason, "no common codec") {
		t.Fatalf("status = %+v", s)
	}
	if h.devices.Refs() != 0 {
		t.Fatalf("refs = %d", h.devices.Refs())
	}
}
