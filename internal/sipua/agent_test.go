package sipua

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) handle(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Status
	for _, ev := range s.events {
		if st, ok := ev.(StatusEvent); ok {
			out = append(out, st.Status)
		}
	}
	return out
}

func (s *eventSink) count(match func(Event) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if match(ev) {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func fixedDialer(ua *fakeUA, dials *int) Dialer {
	return func(Config) (UserAgent, error) {
		*dials++
		return ua, nil
	}
}

func TestAgentDisabledWhenIncomplete(t *testing.T) {
	dials := 0
	a := NewAgent(Config{WSSServer: "wss://x"}, fixedDialer(newFakeUA(), &dials), nil)
	var sink eventSink
	a.Handle(sink.handle)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if dials != 0 {
		t.Fatalf("incomplete config must not dial")
	}
	st, detail := a.Status()
	if st != StatusDisabled || detail == "" {
		t.Fatalf("status = %s %q", st, detail)
	}
}

func TestAgentStartIsIdempotent(t *testing.T) {
	ua := newFakeUA()
	dials := 0
	a := NewAgent(completeConfig(), fixedDialer(ua, &dials), nil)
	ctx := context.Background()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if dials != 1 {
		t.Fatalf("dials = %d", dials)
	}
	if regs, _, _ := ua.counts(); regs != 1 {
		t.Fatalf("registers = %d", regs)
	}
	if st, _ := a.Status(); st != StatusRegistered {
		t.Fatalf("status = %s", st)
	}
}

func TestAgentRegistrationFailure(t *testing.T) {
	ua := newFakeUA()
	ua.registerErr = errors.New("403 forbidden")
	dials := 0
	a := NewAgent(completeConfig(), fixedDialer(ua, &dials), nil)

	err := a.Start(context.Background())
	if !errors.Is(err, ErrRegistration) {
		t.Fatalf("expected ErrRegistration, got %v", err)
	}
	if st, _ := a.Status(); st != StatusFailed {
		t.Fatalf("status = %s", st)
	}
	if _, _, closed := ua.counts(); !closed {
		t.Fatalf("transport left open after failure")
	}

	// A manual retry is allowed.
	ua.mu.Lock()
	ua.registerErr = nil
	ua.mu.Unlock()
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if dials != 2 {
		t.Fatalf("dials = %d", dials)
	}
}

func TestAgentOfflineAndReregister(t *testing.T) {
	ua := newFakeUA()
	dials := 0
	a := NewAgent(completeConfig(), fixedDialer(ua, &dials), nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ua.events <- TransportEvent{State: TransportDisconnected}
	waitFor(t, "offline", func() bool { st, _ := a.Status(); return st == StatusOffline })

	ua.events <- TransportEvent{State: TransportConnected}
	waitFor(t, "re-registered", func() bool {
		regs, _, _ := ua.counts()
		st, _ := a.Status()
		return regs == 2 && st == StatusRegistered
	})
}

func TestAgentForwardsCallEvents(t *testing.T) {
	ua := newFakeUA()
	dials := 0
	a := NewAgent(completeConfig(), fixedDialer(ua, &dials), nil)
	var sink eventSink
	a.Handle(sink.handle)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	s := newFakeSession("in-1", Inbound, "sip:caller@example.com")
	ua.events <- InviteEvent{Session: s}
	ua.events <- SessionEvent{Session: s, State: SessionEstablished}
	waitFor(t, "forwarded events", func() bool {
		return sink.count(func(ev Event) bool {
			switch ev.(type) {
			case InviteEvent, SessionEvent:
				return true
			}
			return false
		}) == 2
	})
}

func TestAgentStopIsBestEffort(t *testing.T) {
	ua := newFakeUA()
	ua.unregisterErr = errors.New("timeout")
	dials := 0
	a := NewAgent(completeConfig(), fixedDialer(ua, &dials), nil)
	var sink eventSink
	a.Handle(sink.handle)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	a.Stop(context.Background())
	a.Stop(context.Background())

	_, unregs, closed := ua.counts()
	if unregs != 1 || !closed {
		t.Fatalf("unregisters=%d closed=%v", unregs, closed)
	}
	if st, _ := a.Status(); st != StatusTerminated {
		t.Fatalf("status = %s", st)
	}
	got := sink.statuses()
	if got[len(got)-1] != StatusTerminated {
		t.Fatalf("statuses = %v", got)
	}
}

func TestAgentInviteRequiresStart(t *testing.T) {
	a := NewAgent(completeConfig(), fixedDialer(newFakeUA(), new(int)), nil)
	if _, err := a.Invite(context.Background(), "sip:x@y", nil); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}
