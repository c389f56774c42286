package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"callconsole/pkg/utils"

	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the call_sessions table expected by PostgresRepo.
const Schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
  id                UUID PRIMARY KEY,
  call_code         VARCHAR(6) NOT NULL UNIQUE,
  creator_id        TEXT NOT NULL,
  dialed_number     VARCHAR(32),
  status            VARCHAR(32) NOT NULL DEFAULT 'pending',
  offer             JSONB,
  answer            JSONB,
  offer_candidates  JSONB NOT NULL DEFAULT '[]'::jsonb,
  answer_candidates JSONB NOT NULL DEFAULT '[]'::jsonb,
  created_at        TIMESTAMPTZ NOT NULL,
  updated_at        TIMESTAMPTZ NOT NULL
)
`

const schemaIndexes = `
CREATE INDEX IF NOT EXISTS call_sessions_updated_at_idx ON call_sessions (updated_at)
`

const pgUniqueViolation = "23505"

const sessionColumns = `id, call_code, creator_id, COALESCE(dialed_number, ''), status,
offer, answer, offer_candidates, answer_candidates, created_at, updated_at`

// PostgresRepo stores sessions in Postgres through database/sql (pgx stdlib driver).
//
// Candidate appends use a single UPDATE with jsonb concatenation so the row
// lock serializes concurrent appends; nothing is read back into Go first.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

// EnsureSchema creates the call_sessions table if missing.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range []string{Schema, schemaIndexes} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sessions: ensure schema: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Insert(ctx context.Context, s Session) error {
	const q = `
INSERT INTO call_sessions (
  id, call_code, creator_id, dialed_number, status, created_at, updated_at
) VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7)
`
	_, err := r.db.ExecContext(ctx, q, s.ID, s.CallCode, s.CreatorID, s.DialedNumber, s.Status, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrCodeTaken
		}
		return fmt.Errorf("sessions: insert: %w", err)
	}
	return nil
}

func (r *PostgresRepo) CodeExists(ctx context.Context, code string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM call_sessions WHERE call_code = $1)`
	var ok bool
	if err := r.db.QueryRowContext(ctx, q, code).Scan(&ok); err != nil {
		return false, fmt.Errorf("sessions: code exists: %w", err)
	}
	return ok, nil
}

func (r *PostgresRepo) Get(ctx context.Context, code string) (Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE call_code = $1`
	return scanSession(r.db.QueryRowContext(ctx, q, code))
}

func (r *PostgresRepo) SetOffer(ctx context.Context, code string, offer Description, dialedNumber *string, now time.Time) (Session, error) {
	raw, err := json.Marshal(offer)
	if err != nil {
		return Session{}, err
	}
	q := `
UPDATE call_sessions
SET offer = $2::jsonb,
    dialed_number = COALESCE($3, dialed_number),
    status = 'calling',
    offer_candidates = '[]'::jsonb,
    answer_candidates = '[]'::jsonb,
    updated_at = $4
WHERE call_code = $1
RETURNING ` + sessionColumns
	var dn sql.NullString
	if dialedNumber != nil {
		dn = sql.NullString{String: *dialedNumber, Valid: true}
	}
	return scanSession(r.db.QueryRowContext(ctx, q, code, string(raw), dn, now))
}

func (r *PostgresRepo) SetAnswer(ctx context.Context, code string, answer Description, now time.Time) (Session, error) {
	raw, err := json.Marshal(answer)
	if err != nil {
		return Session{}, err
	}
	q := `
UPDATE call_sessions
SET answer = $2::jsonb, status = 'in_progress', updated_at = $3
WHERE call_code = $1
RETURNING ` + sessionColumns
	return scanSession(r.db.QueryRowContext(ctx, q, code, string(raw), now))
}

func (r *PostgresRepo) AppendCandidate(ctx context.Context, code string, role Role, c Candidate, now time.Time) (int, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return 0, err
	}
	column := "offer_candidates"
	if role == RoleAnswer {
		column = "answer_candidates"
	}
	// column comes from the fixed set above, never from input.
	q := fmt.Sprintf(`
UPDATE call_sessions
SET %[1]s = %[1]s || jsonb_build_array($2::jsonb), updated_at = $3
WHERE call_code = $1
RETURNING jsonb_array_length(%[1]s)
`, column)
	var n int
	if err := r.db.QueryRowContext(ctx, q, code, string(raw), now).Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("sessions: append candidate: %w", err)
	}
	return n, nil
}

func (r *PostgresRepo) SetStatus(ctx context.Context, code, status string, now time.Time) (Session, error) {
	q := `
UPDATE call_sessions SET status = $2, updated_at = $3
WHERE call_code = $1
RETURNING ` + sessionColumns
	return scanSession(r.db.QueryRowContext(ctx, q, code, status, now))
}

func scanSession(row *sql.Row) (Session, error) {
	var (
		s                    Session
		offer, answer        []byte
		offerCands, ansCands []byte
	)
	if err := row.Scan(
		&s.ID,
		&s.CallCode,
		&s.CreatorID,
		&s.DialedNumber,
		&s.Status,
		&offer,
		&answer,
		&offerCands,
		&ansCands,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("sessions: scan: %w", err)
	}
	var err error
	if s.Offer, err = decodeDescription(offer); err != nil {
		return Session{}, err
	}
	if s.Answer, err = decodeDescription(answer); err != nil {
		return Session{}, err
	}
	if s.OfferCandidates, err = decodeCandidates(offerCands); err != nil {
		return Session{}, err
	}
	if s.AnswerCandidates, err = decodeCandidates(ansCands); err != nil {
		return Session{}, err
	}
	return s, nil
}

func decodeDescription(raw []byte) (*Description, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var d Description
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("sessions: decode description: %w", err)
	}
	return &d, nil
}

func decodeCandidates(raw []byte) ([]Candidate, error) {
	if len(raw) == 0 {
		return []Candidate{}, nil
	}
	var out []Candidate
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("sessions: decode candidates: %w", err)
	}
	return out, nil
}
