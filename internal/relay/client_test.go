package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"callconsole/internal/auth"
	"callconsole/internal/httpapi"
	"callconsole/internal/sessions"

	"github.com/gin-gonic/gin"
)

func newRelayServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(auth.Anonymous())
	httpapi.Handlers{Sessions: sessions.NewService(sessions.NewMemoryRepo())}.Register(r.Group("/sessions"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoundTrip(t *testing.T) {
	srv := newRelayServer(t)
	c := NewClient(srv.URL+"/", "")
	ctx := context.Background()

	s, err := c.Create(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Status != sessions.StatusPending || !sessions.ValidCode(s.CallCode) {
		t.Fatalf("unexpected session %+v", s)
	}

	if _, err := c.ApplyOffer(ctx, s.CallCode, sessions.Description{Type: "offer", SDP: "v=0"}, ""); err != nil {
		t.Fatalf("offer: %v", err)
	}
	mid := "0"
	n, err := c.AppendCandidate(ctx, s.CallCode, sessions.RoleOffer, sessions.Candidate{Candidate: "c0", SDPMid: &mid})
	if err != nil || n != 1 {
		t.Fatalf("append: n=%d err=%v", n, err)
	}
	if _, err := c.ApplyAnswer(ctx, s.CallCode, sessions.Description{Type: "answer", SDP: "v=0"}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	got, err := c.SetStatus(ctx, s.CallCode, sessions.StatusEnded)
	if err != nil || got.Status != sessions.StatusEnded {
		t.Fatalf("status: %+v %v", got, err)
	}

	got, err = c.Fetch(ctx, s.CallCode)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Answer == nil || len(got.OfferCandidates) != 1 || *got.OfferCandidates[0].SDPMid != "0" {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}

func TestClientErrorMapping(t *testing.T) {
	srv := newRelayServer(t)
	c := NewClient(srv.URL, "")
	ctx := context.Background()

	if _, err := c.Fetch(ctx, "ZZZZZZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.SetStatus(ctx, "ZZ", "ended"); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}

	down := NewClient("http://127.0.0.1:1", "")
	if _, err := down.Fetch(ctx, "ABCDEF"); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()
	if _, err := NewClient(broken.URL, "").Fetch(ctx, "ABCDEF"); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport for 502, got %v", err)
	}
}

func TestClientSendsBearer(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"call_code":"ABCDEF","status":"pending"}`))
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "tok").Fetch(context.Background(), "abcdef"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got != "Bearer tok" {
		t.Fatalf("expected bearer header, got %q", got)
	}
}
