package sessions

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo keeps sessions in process memory. Each operation runs under one
// mutex, which makes AppendCandidate atomic.
type MemoryRepo struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{sessions: make(map[string]*Session)}
}

func (r *MemoryRepo) Insert(ctx context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.CallCode]; ok {
		return ErrCodeTaken
	}
	cp := cloneSession(s)
	r.sessions[s.CallCode] = &cp
	return nil
}

func (r *MemoryRepo) CodeExists(ctx context.Context, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[code]
	return ok, nil
}

func (r *MemoryRepo) Get(ctx context.Context, code string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[code]
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(*s), nil
}

func (r *MemoryRepo) SetOffer(ctx context.Context, code string, offer Description, dialedNumber *string, now time.Time) (Session, error) {
	return r.update(code, func(s *Session) {
		o := offer
		s.Offer = &o
		if dialedNumber != nil {
			s.DialedNumber = *dialedNumber
		}
		s.Status = StatusCalling
		s.OfferCandidates = []Candidate{}
		s.AnswerCandidates = []Candidate{}
		s.UpdatedAt = now
	})
}

func (r *MemoryRepo) SetAnswer(ctx context.Context, code string, answer Description, now time.Time) (Session, error) {
	return r.update(code, func(s *Session) {
		a := answer
		s.Answer = &a
		s.Status = StatusInProgress
		s.UpdatedAt = now
	})
}

func (r *MemoryRepo) AppendCandidate(ctx context.Context, code string, role Role, c Candidate, now time.Time) (int, error) {
	var n int
	_, err := r.update(code, func(s *Session) {
		if role == RoleAnswer {
			s.AnswerCandidates = append(s.AnswerCandidates, c)
			n = len(s.AnswerCandidates)
		} else {
			s.OfferCandidates = append(s.OfferCandidates, c)
			n = len(s.OfferCandidates)
		}
		s.UpdatedAt = now
	})
	return n, err
}

func (r *MemoryRepo) SetStatus(ctx context.Context, code, status string, now time.Time) (Session, error) {
	return r.update(code, func(s *Session) {
		s.Status = status
		s.UpdatedAt = now
	})
}

func (r *MemoryRepo) update(code string, fn func(s *Session)) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[code]
	if !ok {
		return Session{}, ErrNotFound
	}
	fn(s)
	return cloneSession(*s), nil
}

func cloneSession(s Session) Session {
	out := s
	if s.Offer != nil {
		o := *s.Offer
		out.Offer = &o
	}
	if s.Answer != nil {
		a := *s.Answer
		out.Answer = &a
	}
	out.OfferCandidates = append([]Candidate(nil), s.OfferCandidates...)
	out.AnswerCandidates = append([]Candidate(nil), s.AnswerCandidates...)
	return out
}
