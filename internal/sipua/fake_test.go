package sipua

import (
	"context"
	"fmt"
	"sync"

	"callconsole/internal/rtc"
)

type fakeUA struct {
	events chan Event

	mu            sync.Mutex
	connectErr    error
	registerErr   error
	unregisterErr error
	registers     int
	unregisters   int
	closed        bool
	invites       []string
	inviteStreams []*rtc.Stream
	nextID        int
	// inviteState, when set, is the state of every session Invite returns.
	inviteState   SessionState
}

func newFakeUA() *fakeUA {
	return &fakeUA{events: make(chan Event, 32)}
}

func (u *fakeUA) Connect(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connectErr
}

func (u *fakeUA) Register(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.registers++
	return u.registerErr
}

func (u *fakeUA) Unregister(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.unregisters++
	return u.unregisterErr
}

func (u *fakeUA) Invite(ctx context.Context, target string, stream *rtc.Stream) (Session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.invites = append(u.invites, target)
	u.inviteStreams = append(u.inviteStreams, stream)
	u.nextID++
	s := newFakeSession(fmt.Sprintf("out-%d", u.nextID), Outbound, target)
	if u.inviteState != "" {
		s.state = u.inviteState
	}
	return s, nil
}

func (u *fakeUA) Events() <-chan Event { return u.events }

func (u *fakeUA) Close() error {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	return nil
}

func (u *fakeUA) counts() (registers, unregisters int, closed bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.registers, u.unregisters, u.closed
}

type fakeSession struct {
	id        string
	direction Direction
	remote    string

	mu         sync.Mutex
	state      SessionState
	accepted   *rtc.Stream
	acceptErr  error
	terminated int
	refers     []string
	referErr   error
	// onRefer runs inside Refer before it returns.
	onRefer func()
}

func newFakeSession(id string, dir Direction, remote string) *fakeSession {
	st := SessionInitial
	if dir == Outbound {
		st = SessionEstablishing
	}
	return &fakeSession{id: id, direction: dir, remote: remote, state: st}
}

func (s *fakeSession) ID() string             { return s.id }
func (s *fakeSession) Direction() Direction   { return s.direction }
func (s *fakeSession) RemoteIdentity() string { return s.remote }

func (s *fakeSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) Accept(ctx context.Context, stream *rtc.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptErr != nil {
		return s.acceptErr
	}
	s.accepted = stream
	s.state = SessionEstablishing
	return nil
}

func (s *fakeSession) Terminate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated++
	s.state = SessionTerminated
	return nil
}

func (s *fakeSession) Refer(ctx context.Context, target string) error {
	s.mu.Lock()
	s.refers = append(s.refers, target)
	err, hook := s.referErr, s.onRefer
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (s *fakeSession) terminations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}
