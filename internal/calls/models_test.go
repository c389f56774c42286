package calls

import (
	"testing"
	"time"
)

func TestPhaseValuesAreNonEmpty(t *testing.T) {
	phases := []Phase{PhaseIdle, PhaseRinging, PhaseConnecting, PhaseActive, PhaseEnded}
	for _, p := range phases {
		if p == "" {
			t.Fatalf("expected non-empty phase")
		}
	}
}

func TestBusyAndVariant(t *testing.T) {
	cases := []struct {
		phase   Phase
		busy    bool
		variant string
	}{
		{PhaseIdle, false, "idle"},
		{PhaseRinging, true, "pending"},
		{PhaseConnecting, true, "pending"},
		{PhaseActive, true, "active"},
		{PhaseEnded, false, "idle"},
	}
	for _, tc := range cases {
		s := Status{Phase: tc.phase}
		if s.Busy() != tc.busy || s.Variant() != tc.variant {
			t.Errorf("%s: busy=%v variant=%s", tc.phase, s.Busy(), s.Variant())
		}
	}
}

func TestIdle(t *testing.T) {
	now := time.Unix(100, 0)
	s := Idle(now)
	if s.Phase != PhaseIdle || s.Origin != OriginNone || !s.Since.Equal(now) {
		t.Fatalf("idle = %+v", s)
	}
}
