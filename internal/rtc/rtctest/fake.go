// Package rtctest provides in-memory transports for tests.
package rtctest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"callconsole/internal/rtc"

	"github.com/pion/webrtc/v4"
)

var seq atomic.Int64

// Transport is a scripted rtc.Transport. Callbacks run synchronously on the
// calling goroutine. Once both descriptions are installed it reports
// connecting then connected unless ManualConnect is set.
type Transport struct {
	Name string
	// Candidates are emitted as local candidates while the local
	// description is being installed.
	Candidates []string
	// ManualConnect suppresses the automatic connect progression.
	ManualConnect bool
	// FailOffer makes CreateOffer and CreateAnswer return an error.
	FailOffer error

	mu          sync.Mutex
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	remoteSets  int
	applied     []webrtc.ICECandidateInit
	stream      *rtc.Stream
	attached    bool
	state       rtc.State
	closed      bool
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(rtc.State)
}

func NewTransport(name string, candidates ...string) *Transport {
	return &Transport{Name: name, Candidates: candidates, state: rtc.StateNew}
}

func (t *Transport) AttachStream(s *rtc.Stream) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return rtc.ErrClosed
	}
	t.stream = s
	t.attached = true
	return nil
}

func (t *Transport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return t.createLocal(webrtc.SDPTypeOffer)
}

func (t *Transport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	noRemote := t.remote == nil
	t.mu.Unlock()
	if noRemote {
		return webrtc.SessionDescription{}, errors.New("rtctest: answer without remote offer")
	}
	return t.createLocal(webrtc.SDPTypeAnswer)
}

func (t *Transport) createLocal(typ webrtc.SDPType) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return webrtc.SessionDescription{}, rtc.ErrClosed
	}
	if t.FailOffer != nil {
		err := t.FailOffer
		t.mu.Unlock()
		return webrtc.SessionDescription{}, err
	}
	d := webrtc.SessionDescription{
		Type: typ,
		SDP:  fmt.Sprintf("v=0 %s %s-%d", t.Name, typ, seq.Add(1)),
	}
	t.local = &d
	cands := append([]string(nil), t.Candidates...)
	fn := t.onCandidate
	t.mu.Unlock()

	for _, c := range cands {
		if fn != nil {
			fn(webrtc.ICECandidateInit{Candidate: c})
		}
	}
	t.maybeConnect()
	return d, nil
}

func (t *Transport) GatherComplete(ctx context.Context) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local == nil {
		return webrtc.SessionDescription{}, errors.New("rtctest: no local description")
	}
	return *t.local, nil
}

func (t *Transport) SetRemoteDescription(d webrtc.SessionDescription) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return rtc.ErrClosed
	}
	t.remote = &d
	t.remoteSets++
	t.mu.Unlock()
	t.maybeConnect()
	return nil
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return rtc.ErrClosed
	}
	if t.remote == nil {
		return errors.New("rtctest: candidate before remote description")
	}
	t.applied = append(t.applied, c)
	return nil
}

func (t *Transport) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *Transport) OnStateChange(fn func(rtc.State)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.SetState(rtc.StateClosed)
	return nil
}

// SetState forces a state change and notifies the listener.
func (t *Transport) SetState(s rtc.State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EmitCandidate simulates a late local candidate.
func (t *Transport) EmitCandidate(c string) {
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: c})
	}
}

func (t *Transport) maybeConnect() {
	t.mu.Lock()
	ready := t.local != nil && t.remote != nil && !t.ManualConnect && t.state == rtc.StateNew
	t.mu.Unlock()
	if !ready {
		return
	}
	t.SetState(rtc.StateConnecting)
	t.SetState(rtc.StateConnected)
}

func (t *Transport) State() rtc.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Local() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *Transport) Remote() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

// RemoteSets counts SetRemoteDescription calls.
func (t *Transport) RemoteSets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteSets
}

// Applied returns the remote candidate strings applied so far.
func (t *Transport) Applied() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.applied))
	for _, c := range t.applied {
		out = append(out, c.Candidate)
	}
	return out
}

func (t *Transport) Stream() *rtc.Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stream
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Factory hands out preconfigured transports in order, then fresh ones.
type Factory struct {
	mu      sync.Mutex
	queue   []*Transport
	created []*Transport
	Err     error
}

func NewFactory(queue ...*Transport) *Factory {
	return &Factory{queue: queue}
}

func (f *Factory) NewTransport() (rtc.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var t *Transport
	if len(f.queue) > 0 {
		t = f.queue[0]
		f.queue = f.queue[1:]
	} else {
		t = NewTransport(fmt.Sprintf("fake%d", len(f.created)+1))
	}
	f.created = append(f.created, t)
	return t, nil
}

// Created returns every transport handed out so far.
func (f *Factory) Created() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transport(nil), f.created...)
}

// Source is a rtc.Source that counts opens and closes.
type Source struct {
	Err error

	mu     sync.Mutex
	opens  int
	closes int
}

func (s *Source) Open(ctx context.Context, c rtc.Constraints) (*rtc.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.opens++
	return rtc.NewStream(nil, func() {
		s.mu.Lock()
		s.closes++
		s.mu.Unlock()
	}), nil
}

func (s *Source) Counts() (opens, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens, s.closes
}
