package sessions

import "time"

// Session is the rendezvous record two endpoints negotiate through.
//
// Invariants:
// - CallCode is 6 uppercase alphanumeric characters and unique.
// - OfferCandidates and AnswerCandidates are append-only between offers;
//   storing a new offer resets both.
// - Status is a free-form annotation (last write wins), see ValidateStatus.
type Session struct {
	ID        string `json:"-" db:"id"`
	CallCode  string `json:"call_code" db:"call_code"`
	CreatorID string `json:"-" db:"creator_id"`

	DialedNumber string `json:"dialed_number,omitempty" db:"dialed_number"`
	Status       string `json:"status" db:"status"`

	Offer  *Description `json:"offer" db:"offer"`
	Answer *Description `json:"answer" db:"answer"`

	OfferCandidates  []Candidate `json:"offer_candidates" db:"offer_candidates"`
	AnswerCandidates []Candidate `json:"answer_candidates" db:"answer_candidates"`

	CreatedAt time.Time `json:"-" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Candidates returns the sequence published by role.
func (s Session) Candidates(role Role) []Candidate {
	if role == RoleAnswer {
		return s.AnswerCandidates
	}
	return s.OfferCandidates
}

// normalized makes nil candidate sequences encode as [] on the wire.
func (s Session) normalized() Session {
	if s.OfferCandidates == nil {
		s.OfferCandidates = []Candidate{}
	}
	if s.AnswerCandidates == nil {
		s.AnswerCandidates = []Candidate{}
	}
	return s
}

// Description is a session description exchanged as offer or answer.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one trickled connectivity candidate. Field names follow the
// browser RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Role names the negotiation side a candidate sequence belongs to.
type Role string

const (
	RoleOffer  Role = "offer"
	RoleAnswer Role = "answer"
)

func (r Role) Valid() bool { return r == RoleOffer || r == RoleAnswer }

// Opposite returns the role whose candidates target r.
func (r Role) Opposite() Role {
	if r == RoleOffer {
		return RoleAnswer
	}
	return RoleOffer
}

// Well-known status values. Other values are accepted as annotations.
const (
	StatusPending    = "pending"
	StatusCalling    = "calling"
	StatusInProgress = "in_progress"
	StatusEnded      = "ended"
)
