package sessions

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Repository is the persistence contract for call sessions.
//
// Every mutation is a single atomic operation at the storage layer.
// AppendCandidate in particular must never read-modify-write the sequence
// outside the store, or concurrent appends for one role lose entries.
type Repository interface {
	Insert(ctx context.Context, s Session) error
	CodeExists(ctx context.Context, code string) (bool, error)
	Get(ctx context.Context, code string) (Session, error)

	// SetOffer stores offer, resets both candidate sequences and moves the
	// status to calling. dialedNumber nil keeps the stored value.
	SetOffer(ctx context.Context, code string, offer Description, dialedNumber *string, now time.Time) (Session, error)
	SetAnswer(ctx context.Context, code string, answer Description, now time.Time) (Session, error)
	// AppendCandidate appends c to role's sequence and returns the new length.
	AppendCandidate(ctx context.Context, code string, role Role, c Candidate, now time.Time) (int, error)
	SetStatus(ctx context.Context, code, status string, now time.Time) (Session, error)
}

// Recorder observes store activity. pkg/metrics provides the prometheus one.
type Recorder interface {
	SessionCreated()
	OfferStored()
	AnswerStored()
	CandidateAppended(role string)
	StatusWritten(status string)
}

var (
	ErrNotFound        = errors.New("sessions: not found")
	ErrInvalidArgument = errors.New("sessions: invalid argument")
	ErrInvalidCode     = errors.New("sessions: invalid call code")
	ErrInvalidStatus   = errors.New("sessions: invalid status")
	// ErrCodeTaken is returned by Repository.Insert on a call_code conflict.
	ErrCodeTaken = errors.New("sessions: call code taken")
	// ErrCodeExhausted means no free code was found within maxCodeAttempts.
	ErrCodeExhausted = errors.New("sessions: no free call code")
)

const (
	maxDialedNumberLen = 32
	maxStatusLen       = 32
	maxCodeAttempts    = 32
)

// Service implements the SessionStore operations on top of a Repository.
type Service struct {
	repo Repository
	rec  Recorder
	// clock and entropy are injectable for deterministic tests.
	clock   func() time.Time
	entropy io.Reader
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, rec: noopRecorder{}, clock: time.Now, entropy: rand.Reader}
}

// WithRecorder attaches r and returns s.
func (s *Service) WithRecorder(r Recorder) *Service {
	if r != nil {
		s.rec = r
	}
	return s
}

// Create allocates a fresh code by rejection sampling against existing codes
// and stores the session in pending.
func (s *Service) Create(ctx context.Context, creatorID, dialedNumber string) (Session, error) {
	if s.repo == nil {
		return Session{}, errors.New("sessions: repository not configured")
	}
	dialedNumber = strings.TrimSpace(dialedNumber)
	if len(dialedNumber) > maxDialedNumberLen {
		return Session{}, fmt.Errorf("%w: dialed_number longer than %d", ErrInvalidArgument, maxDialedNumberLen)
	}
	if creatorID == "" {
		return Session{}, fmt.Errorf("%w: creator required", ErrInvalidArgument)
	}

	now := s.clock().UTC()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := generateCode(s.entropy)
		if err != nil {
			return Session{}, fmt.Errorf("sessions: generate code: %w", err)
		}
		exists, err := s.repo.CodeExists(ctx, code)
		if err != nil {
			return Session{}, err
		}
		if exists {
			continue
		}

		sess := Session{
			ID:           uuid.NewString(),
			CallCode:     code,
			CreatorID:    creatorID,
			DialedNumber: dialedNumber,
			Status:       StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		// The unique constraint closes the window between CodeExists and Insert.
		if err := s.repo.Insert(ctx, sess); err != nil {
			if errors.Is(err, ErrCodeTaken) {
				continue
			}
			return Session{}, err
		}
		s.rec.SessionCreated()
		return sess.normalized(), nil
	}
	return Session{}, ErrCodeExhausted
}

func (s *Service) Fetch(ctx context.Context, code string) (Session, error) {
	code, err := checkCode(code)
	if err != nil {
		return Session{}, err
	}
	sess, err := s.repo.Get(ctx, code)
	if err != nil {
		return Session{}, err
	}
	return sess.normalized(), nil
}

// ApplyOffer stores the initiator's description. An empty dialedNumber keeps
// the one recorded at creation.
func (s *Service) ApplyOffer(ctx context.Context, code string, offer Description, dialedNumber string) (Session, error) {
	code, err := checkCode(code)
	if err != nil {
		return Session{}, err
	}
	if err := checkDescription(offer); err != nil {
		return Session{}, err
	}
	var dn *string
	if v := strings.TrimSpace(dialedNumber); v != "" {
		if len(v) > maxDialedNumberLen {
			return Session{}, fmt.Errorf("%w: dialed_number longer than %d", ErrInvalidArgument, maxDialedNumberLen)
		}
		dn = &v
	}
	sess, err := s.repo.SetOffer(ctx, code, offer, dn, s.clock().UTC())
	if err != nil {
		return Session{}, err
	}
	s.rec.OfferStored()
	return sess.normalized(), nil
}

func (s *Service) ApplyAnswer(ctx context.Context, code string, answer Description) (Session, error) {
	code, err := checkCode(code)
	if err != nil {
		return Session{}, err
	}
	if err := checkDescription(answer); err != nil {
		return Session{}, err
	}
	sess, err := s.repo.SetAnswer(ctx, code, answer, s.clock().UTC())
	if err != nil {
		return Session{}, err
	}
	s.rec.AnswerStored()
	return sess.normalized(), nil
}

func (s *Service) AppendCandidate(ctx context.Context, code string, role Role, c Candidate) (int, error) {
	code, err := checkCode(code)
	if err != nil {
		return 0, err
	}
	if !role.Valid() {
		return 0, fmt.Errorf("%w: role must be offer or answer", ErrInvalidArgument)
	}
	n, err := s.repo.AppendCandidate(ctx, code, role, c, s.clock().UTC())
	if err != nil {
		return 0, err
	}
	s.rec.CandidateAppended(string(role))
	return n, nil
}

// SetStatus overwrites the status unconditionally (last write wins).
func (s *Service) SetStatus(ctx context.Context, code, status string) (Session, error) {
	code, err := checkCode(code)
	if err != nil {
		return Session{}, err
	}
	status = strings.TrimSpace(status)
	if err := ValidateStatus(status); err != nil {
		return Session{}, err
	}
	sess, err := s.repo.SetStatus(ctx, code, status, s.clock().UTC())
	if err != nil {
		return Session{}, err
	}
	s.rec.StatusWritten(status)
	return sess.normalized(), nil
}

// ValidateStatus accepts any non-empty printable annotation up to 32 bytes.
// No transition table is enforced.
func ValidateStatus(status string) error {
	if status == "" || len(status) > maxStatusLen {
		return ErrInvalidStatus
	}
	for _, r := range status {
		if !unicode.IsPrint(r) {
			return ErrInvalidStatus
		}
	}
	return nil
}

func checkCode(code string) (string, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return "", ErrInvalidCode
	}
	return code, nil
}

func checkDescription(d Description) error {
	if strings.TrimSpace(d.Type) == "" || strings.TrimSpace(d.SDP) == "" {
		return fmt.Errorf("%w: description requires type and sdp", ErrInvalidArgument)
	}
	return nil
}

type noopRecorder struct{}

func (noopRecorder) SessionCreated()          {}
func (noopRecorder) OfferStored()             {}
func (noopRecorder) AnswerStored()            {}
func (noopRecorder) CandidateAppended(string) {}
func (noopRecorder) StatusWritten(string)     {}
