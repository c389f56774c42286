package sipua

import (
	"context"
	"errors"
	"sync"
	"testing"

	"callconsole/internal/rtc"
	"callconsole/internal/rtc/rtctest"
)

type bridgeHarness struct {
	bridge   *Bridge
	ua       *fakeUA
	devices  *rtc.Devices
	source   *rtctest.Source
	preempts int

	mu       sync.Mutex
	changes  []BridgeInfo
	failures []error
}

func newBridgeHarness() *bridgeHarness {
	h := &bridgeHarness{ua: newFakeUA(), source: &rtctest.Source{}}
	h.devices = rtc.NewDevices(h.source)
	cfg := completeConfig()
	cfg.TransferDomain = "pbx.example.com"
	h.bridge = NewBridge(BridgeConfig{
		Inviter:     h.ua,
		Devices:     h.devices,
		Constraints: rtc.Constraints{Audio: true},
		SIP:         cfg,
		Preempt:     func() { h.preempts++ },
		OnChange: func(info BridgeInfo) {
			h.mu.Lock()
			h.changes = append(h.changes, info)
			h.mu.Unlock()
		},
		OnFailed: func(err error) {
			h.mu.Lock()
			h.failures = append(h.failures, err)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *bridgeHarness) last() BridgeInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.changes) == 0 {
		return BridgeInfo{}
	}
	return h.changes[len(h.changes)-1]
}

func (h *bridgeHarness) failed() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.failures...)
}

func (h *bridgeHarness) establishInbound(t *testing.T) *fakeSession {
	t.Helper()
	ctx := context.Background()
	s := newFakeSession("in-1", Inbound, "sip:caller@example.com")
	h.bridge.HandleEvent(ctx, InviteEvent{Session: s})
	h.bridge.HandleEvent(ctx, SessionEvent{Session: s, State: SessionEstablished})
	return s
}

func TestInboundPreemptsThenAccepts(t *testing.T) {
	h := newBridgeHarness()
	s := h.establishInbound(t)

	if h.preempts != 1 {
		t.Fatalf("preempts = %d", h.preempts)
	}
	if s.accepted == nil || s.accepted != h.devices.Current() {
		t.Fatalf("session not accepted with the shared stream")
	}
	info := h.bridge.Info()
	if info.State != SessionEstablished || !info.TransferEnabled {
		t.Fatalf("info = %+v", info)
	}
}

func TestInboundWithoutMediaIsRejected(t *testing.T) {
	h := newBridgeHarness()
	h.source.Err = rtc.ErrMediaPermission
	s := newFakeSession("in-1", Inbound, "sip:caller@example.com")
	h.bridge.HandleEvent(context.Background(), InviteEvent{Session: s})

	if s.terminations() != 1 {
		t.Fatalf("session not rejected")
	}
	if h.bridge.Active() {
		t.Fatalf("slot held without media")
	}
	if got := h.failed(); len(got) != 1 || !errors.Is(got[0], rtc.ErrMediaPermission) {
		t.Fatalf("failures = %v", got)
	}
}

func TestInboundAcceptFailureIsReported(t *testing.T) {
	h := newBridgeHarness()
	s := newFakeSession("in-1", Inbound, "sip:caller@example.com")
	s.acceptErr = errors.New("sdp rejected")
	h.bridge.HandleEvent(context.Background(), InviteEvent{Session: s})

	if h.bridge.Active() || h.devices.Refs() != 0 {
		t.Fatalf("failed accept kept the slot or media")
	}
	if got := h.failed(); len(got) != 1 || !errors.Is(got[0], s.acceptErr) {
		t.Fatalf("failures = %v", got)
	}
}

func TestTerminatedReleasesSlot(t *testing.T) {
	h := newBridgeHarness()
	s := h.establishInbound(t)

	h.bridge.HandleEvent(context.Background(), SessionEvent{Session: s, State: SessionTerminated})
	if h.bridge.Active() {
		t.Fatalf("slot still held")
	}
	if h.devices.Refs() != 0 {
		t.Fatalf("refs = %d", h.devices.Refs())
	}
	if last := h.last(); last.State != SessionTerminated || last.SessionID != "in-1" {
		t.Fatalf("last change = %+v", last)
	}
}

func TestTransferDisablesControlDuringRequest(t *testing.T) {
	for _, referErr := range []error{nil, errors.New("603 declined")} {
		h := newBridgeHarness()
		s := h.establishInbound(t)
		s.referErr = referErr

		var during BridgeInfo
		s.onRefer = func() { during = h.bridge.Info() }

		err := h.bridge.Transfer(context.Background(), "200")
		if (err != nil) != (referErr != nil) {
			t.Fatalf("transfer err = %v, refer err %v", err, referErr)
		}
		if during.TransferEnabled || !during.Transferring {
			t.Fatalf("control enabled during refer: %+v", during)
		}
		after := h.bridge.Info()
		if !after.TransferEnabled || after.Transferring {
			t.Fatalf("control not restored: %+v", after)
		}
		if s.refers[0] != "sip:200@pbx.example.com" {
			t.Fatalf("refer target = %q", s.refers[0])
		}
	}
}

func TestTransferRequiresEstablishedCall(t *testing.T) {
	h := newBridgeHarness()
	if err := h.bridge.Transfer(context.Background(), "200"); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("expected ErrNoActiveCall, got %v", err)
	}

	s := newFakeSession("in-1", Inbound, "sip:caller@example.com")
	h.bridge.HandleEvent(context.Background(), InviteEvent{Session: s})
	if err := h.bridge.Transfer(context.Background(), "200"); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("establishing call must not transfer, got %v", err)
	}
}

func TestIncomingReferReinvites(t *testing.T) {
	h := newBridgeHarness()
	s := h.establishInbound(t)
	stream := h.devices.Current()

	h.bridge.HandleEvent(context.Background(), ReferEvent{Session: s, Target: "sip:300@pbx.example.com"})

	if len(h.ua.invites) != 1 || h.ua.invites[0] != "sip:300@pbx.example.com" {
		t.Fatalf("invites = %v", h.ua.invites)
	}
	if h.ua.inviteStreams[0] != stream {
		t.Fatalf("re-invite did not reuse the current media")
	}
	if s.terminations() != 1 {
		t.Fatalf("old leg not released")
	}
	info := h.bridge.Info()
	if info.SessionID != "out-1" || info.Direction != Outbound {
		t.Fatalf("info = %+v", info)
	}

	// The old dialog's terminated event must not clear the new leg.
	h.bridge.HandleEvent(context.Background(), SessionEvent{Session: s, State: SessionTerminated})
	if !h.bridge.Active() || h.devices.Refs() != 1 {
		t.Fatalf("new leg lost: active=%v refs=%d", h.bridge.Active(), h.devices.Refs())
	}
}

func TestOutboundCallAndHangup(t *testing.T) {
	h := newBridgeHarness()
	info, err := h.bridge.Call(context.Background(), "sip:+15550100@sip.example.com")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if info.Direction != Outbound || info.State != SessionEstablishing {
		t.Fatalf("info = %+v", info)
	}
	h.bridge.Hangup(context.Background())
	h.bridge.Hangup(context.Background())
	if h.bridge.Active() || h.devices.Refs() != 0 {
		t.Fatalf("hangup left state behind")
	}
}

func TestOutboundRejectedBeforeReturn(t *testing.T) {
	h := newBridgeHarness()
	h.ua.inviteState = SessionTerminated

	info, err := h.bridge.Call(context.Background(), "sip:busy@sip.example.com")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if info.State != SessionTerminated {
		t.Fatalf("info = %+v", info)
	}
	if h.bridge.Active() || h.devices.Refs() != 0 {
		t.Fatalf("rejected call kept the session or media, refs=%d", h.devices.Refs())
	}
	if last := h.last(); last.State != SessionTerminated {
		t.Fatalf("last change = %+v", last)
	}
}
