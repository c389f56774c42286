package orchestrator

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"callconsole/internal/auth"
	"callconsole/internal/calls"
	"callconsole/internal/httpapi"
	"callconsole/internal/peer"
	"callconsole/internal/relay"
	"callconsole/internal/rtc"
	"callconsole/internal/rtc/rtctest"
	"callconsole/internal/sessions"
	"callconsole/internal/sipua"

	"github.com/gin-gonic/gin"
)

func newRelay(t *testing.T) *relay.Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(auth.Anonymous())
	httpapi.Handlers{Sessions: sessions.NewService(sessions.NewMemoryRepo())}.Register(r.Group("/sessions"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return relay.NewClient(srv.URL, "")
}

type harness struct {
	o        *Orchestrator
	factory  *rtctest.Factory
	devices  *rtc.Devices
	source   *rtctest.Source
	relay    *relay.Client
	statuses *statusRecorder
}

func newHarness(t *testing.T, rc *relay.Client, agent *sipua.Agent) *harness {
	t.Helper()
	h := &harness{
		factory: rtctest.NewFactory(),
		source:  &rtctest.Source{},
		relay:   rc,
	}
	h.devices = rtc.NewDevices(h.source)
	h.o = New(Config{
		Relay:        rc,
		Transports:   h.factory,
		Devices:      h.devices,
		Constraints:  rtc.Constraints{Audio: true, Video: true},
		Agent:        agent,
		PollInterval: 10 * time.Millisecond,
	})
	h.statuses = record(h.o)
	t.Cleanup(func() { h.o.Close(context.Background()) })
	return h
}

// statusRecorder keeps every published status.
type statusRecorder struct {
	mu  sync.Mutex
	all []calls.Status
}

func record(o *Orchestrator) *statusRecorder {
	r := &statusRecorder{}
	ch, _ := o.Subscribe()
	go func() {
		for s := range ch {
			r.mu.Lock()
			r.all = append(r.all, s)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *statusRecorder) phases() []calls.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.Phase, 0, len(r.all))
	for _, s := range r.all {
		out = append(out, s.Phase)
	}
	return out
}

// saw reports whether want appears in order, waiting briefly for delivery.
func (r *statusRecorder) saw(want ...calls.Phase) bool {
	deadline := time.Now().Add(time.Second)
	for {
		got := r.phases()
		i := 0
		for _, p := range got {
			if i < len(want) && p == want[i] {
				i++
			}
		}
		if i == len(want) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitPhase(t *testing.T, o *Orchestrator, want calls.Phase) calls.Status {
	t.Helper()
	return waitStatus(t, o, func(s calls.Status) bool { return s.Phase == want })
}

func waitStatus(t *testing.T, o *Orchestrator, ok func(calls.Status) bool) calls.Status {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		s := o.Status()
		if ok(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, status %+v", s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoopbackReachesActive(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.o.StartLoopback(context.Background()); err != nil {
		t.Fatalf("loopback: %v", err)
	}
	s := h.o.Status()
	if s.Phase != calls.PhaseActive || s.Origin != calls.OriginLoopback {
		t.Fatalf("status = %+v", s)
	}
	created := h.factory.Created()
	if len(created) != 2 {
		t.Fatalf("expected two transports, got %d", len(created))
	}
	if created[1].Stream() != nil {
		t.Fatalf("remote side of the loopback must not capture media")
	}

	h.o.Hangup(context.Background())
	for _, tr := range created {
		if !tr.Closed() {
			t.Fatalf("transport %s left open", tr.Name)
		}
	}
	if h.devices.Refs() != 0 {
		t.Fatalf("media not released")
	}
	if got := h.o.Status(); got.Phase != calls.PhaseEnded {
		t.Fatalf("status after hangup = %+v", got)
	}
	if len(h.o.History()) != 1 {
		t.Fatalf("history = %+v", h.o.History())
	}
	if !h.statuses.saw(calls.PhaseConnecting, calls.PhaseActive, calls.PhaseEnded) {
		t.Fatalf("subscriber missed a transition: %+v", h.statuses.phases())
	}
}

func TestLoopbackCandidatesCrossOver(t *testing.T) {
	h := newHarness(t, nil, nil)
	local := rtctest.NewTransport("local", "l1", "l2")
	remote := rtctest.NewTransport("remote", "r1")
	h.factory = rtctest.NewFactory(local, remote)
	h.o.cfg.Transports = h.factory

	if err := h.o.StartLoopback(context.Background()); err != nil {
		t.Fatalf("loopback: %v", err)
	}
	if got := remote.Applied(); len(got) != 2 {
		t.Fatalf("remote applied %v", got)
	}
	if got := local.Applied(); len(got) != 1 || got[0] != "r1" {
		t.Fatalf("local applied %v", got)
	}
}

func TestPeerCallEndToEnd(t *testing.T) {
	rc := newRelay(t)
	caller := newHarness(t, rc, nil)
	callee := newHarness(t, rc, nil)
	ctx := context.Background()

	code, err := caller.o.StartCall(ctx, "+15550100")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s := caller.o.Status(); s.Phase != calls.PhaseRinging || s.CallCode != code {
		t.Fatalf("caller status = %+v", s)
	}
	sess, err := rc.Fetch(ctx, code)
	if err != nil || sess.Status != sessions.StatusCalling {
		t.Fatalf("session after offer: %+v %v", sess, err)
	}

	if err := callee.o.JoinCall(ctx, code); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitPhase(t, callee.o, calls.PhaseActive)
	waitPhase(t, caller.o, calls.PhaseActive)

	sess, _ = rc.Fetch(ctx, code)
	if sess.Status != sessions.StatusInProgress {
		t.Fatalf("status = %q", sess.Status)
	}

	// Either side ending is observed by the other through the relay.
	callee.o.Hangup(ctx)
	s := waitPhase(t, caller.o, calls.PhaseEnded)
	if s.Origin != calls.OriginPeer {
		t.Fatalf("ended status = %+v", s)
	}
	if caller.devices.Refs() != 0 || callee.devices.Refs() != 0 {
		t.Fatalf("media not released: %d %d", caller.devices.Refs(), callee.devices.Refs())
	}
}

func TestJoinUnknownOrNotReady(t *testing.T) {
	rc := newRelay(t)
	h := newHarness(t, rc, nil)
	ctx := context.Background()

	err := h.o.JoinCall(ctx, "ZZZZZZ")
	if !errors.Is(err, relay.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if s := h.o.Status(); s.Phase != calls.PhaseIdle || s.Reason != "unknown call code" {
		t.Fatalf("status = %+v", s)
	}

	sess, err := rc.Create(ctx, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.o.JoinCall(ctx, sess.CallCode); !errors.Is(err, peer.ErrSessionNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
	if s := h.o.Status(); s.Phase != calls.PhaseIdle || s.Busy() {
		t.Fatalf("status = %+v", s)
	}
}

func TestMediaDeniedResetsToIdle(t *testing.T) {
	rc := newRelay(t)
	h := newHarness(t, rc, nil)
	h.source.Err = rtc.ErrMediaPermission

	_, err := h.o.StartCall(context.Background(), "")
	if !errors.Is(err, rtc.ErrMediaPermission) {
		t.Fatalf("expected media error, got %v", err)
	}
	s := h.o.Status()
	if s.Phase != calls.PhaseIdle || s.Reason != "camera or microphone access denied" {
		t.Fatalf("status = %+v", s)
	}
}

func TestNewCallTearsDownPrevious(t *testing.T) {
	rc := newRelay(t)
	h := newHarness(t, rc, nil)
	ctx := context.Background()

	if err := h.o.StartLoopback(ctx); err != nil {
		t.Fatalf("loopback: %v", err)
	}
	loop := h.factory.Created()

	if _, err := h.o.StartCall(ctx, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, tr := range loop {
		if !tr.Closed() {
			t.Fatalf("loopback transport %s still open", tr.Name)
		}
	}
	if s := h.o.Status(); s.Origin != calls.OriginPeer {
		t.Fatalf("status = %+v", s)
	}
	if h.devices.Refs() != 1 {
		t.Fatalf("refs = %d", h.devices.Refs())
	}
	if opens, closes := h.source.Counts(); opens != 2 || closes != 1 {
		t.Fatalf("opens=%d closes=%d", opens, closes)
	}
}

func TestToggleMuteAndCamera(t *testing.T) {
	h := newHarness(t, nil, nil)
	if _, err := h.o.ToggleMute(); !errors.Is(err, ErrNoMedia) {
		t.Fatalf("expected ErrNoMedia, got %v", err)
	}
	if err := h.o.StartLoopback(context.Background()); err != nil {
		t.Fatalf("loopback: %v", err)
	}
	stream := h.devices.Current()

	muted, err := h.o.ToggleMute()
	if err != nil || !muted || stream.AudioEnabled() {
		t.Fatalf("mute: %v %v", muted, err)
	}
	off, err := h.o.ToggleCamera()
	if err != nil || !off || stream.VideoEnabled() {
		t.Fatalf("camera: %v %v", off, err)
	}
	if s := h.o.Status(); !s.Muted || !s.CameraOff {
		t.Fatalf("status = %+v", s)
	}
	muted, _ = h.o.ToggleMute()
	if muted || !stream.AudioEnabled() {
		t.Fatalf("unmute failed")
	}
}

func TestHangupWhenIdle(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.o.Hangup(context.Background())
	h.o.Hangup(context.Background())
	if s := h.o.Status(); s.Phase != calls.PhaseIdle {
		t.Fatalf("status = %+v", s)
	}
	if err := h.o.Transfer(context.Background(), "200"); !errors.Is(err, ErrNoSIPCall) {
		t.Fatalf("expected ErrNoSIPCall, got %v", err)
	}
}
