package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRepo stores each session as a hash plus one list per candidate role.
//
// Candidate appends are RPUSH inside a Lua script, so the store itself
// assigns positions and concurrent appends never overwrite each other.
type RedisRepo struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisRepo(rdb *redis.Client) *RedisRepo {
	return &RedisRepo{rdb: rdb, prefix: "callsession:"}
}

var insertSessionScript = redis.NewScript(`
-- KEYS[1] = session hash
-- ARGV    = field/value pairs
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

var setOfferScript = redis.NewScript(`
-- KEYS[1] = session hash, KEYS[2] = offer list, KEYS[3] = answer list
-- ARGV[1] = offer json, ARGV[2] = dialed number ('' keeps), ARGV[3] = updated_at
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'offer', ARGV[1], 'status', 'calling', 'updated_at', ARGV[3])
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[1], 'dialed_number', ARGV[2])
end
redis.call('DEL', KEYS[2], KEYS[3])
return 1
`)

var updateSessionScript = redis.NewScript(`
-- KEYS[1] = session hash
-- ARGV    = field/value pairs
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

var appendCandidateScript = redis.NewScript(`
-- KEYS[1] = session hash, KEYS[2] = candidate list
-- ARGV[1] = candidate json, ARGV[2] = updated_at
-- Returns the new list length, or -1 if the session does not exist.
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local n = redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return n
`)

func (r *RedisRepo) sessionKey(code string) string { return r.prefix + code }

func (r *RedisRepo) candidatesKey(code string, role Role) string {
	return r.prefix + code + ":" + string(role) + "_candidates"
}

func (r *RedisRepo) Insert(ctx context.Context, s Session) error {
	args := []any{
		"id", s.ID,
		"call_code", s.CallCode,
		"creator_id", s.CreatorID,
		"dialed_number", s.DialedNumber,
		"status", s.Status,
		"created_at", formatTime(s.CreatedAt),
		"updated_at", formatTime(s.UpdatedAt),
	}
	ok, err := insertSessionScript.Run(ctx, r.rdb, []string{r.sessionKey(s.CallCode)}, args...).Int()
	if err != nil {
		return fmt.Errorf("sessions: redis insert: %w", err)
	}
	if ok == 0 {
		return ErrCodeTaken
	}
	return nil
}

func (r *RedisRepo) CodeExists(ctx context.Context, code string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.sessionKey(code)).Result()
	if err != nil {
		return false, fmt.Errorf("sessions: redis exists: %w", err)
	}
	return n > 0, nil
}

func (r *RedisRepo) Get(ctx context.Context, code string) (Session, error) {
	var (
		fields               *redis.MapStringStringCmd
		offerCands, ansCands *redis.StringSliceCmd
	)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, r.sessionKey(code))
		offerCands = pipe.LRange(ctx, r.candidatesKey(code, RoleOffer), 0, -1)
		ansCands = pipe.LRange(ctx, r.candidatesKey(code, RoleAnswer), 0, -1)
		return nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("sessions: redis get: %w", err)
	}
	h := fields.Val()
	if len(h) == 0 {
		return Session{}, ErrNotFound
	}

	s := Session{
		ID:           h["id"],
		CallCode:     h["call_code"],
		CreatorID:    h["creator_id"],
		DialedNumber: h["dialed_number"],
		Status:       h["status"],
		CreatedAt:    parseTime(h["created_at"]),
		UpdatedAt:    parseTime(h["updated_at"]),
	}
	if s.Offer, err = decodeDescription([]byte(h["offer"])); err != nil {
		return Session{}, err
	}
	if s.Answer, err = decodeDescription([]byte(h["answer"])); err != nil {
		return Session{}, err
	}
	if s.OfferCandidates, err = decodeCandidateList(offerCands.Val()); err != nil {
		return Session{}, err
	}
	if s.AnswerCandidates, err = decodeCandidateList(ansCands.Val()); err != nil {
		return Session{}, err
	}
	return s, nil
}

func (r *RedisRepo) SetOffer(ctx context.Context, code string, offer Description, dialedNumber *string, now time.Time) (Session, error) {
	raw, err := json.Marshal(offer)
	if err != nil {
		return Session{}, err
	}
	dn := ""
	if dialedNumber != nil {
		dn = *dialedNumber
	}
	keys := []string{r.sessionKey(code), r.candidatesKey(code, RoleOffer), r.candidatesKey(code, RoleAnswer)}
	ok, err := setOfferScript.Run(ctx, r.rdb, keys, string(raw), dn, formatTime(now)).Int()
	if err != nil {
		return Session{}, fmt.Errorf("sessions: redis set offer: %w", err)
	}
	if ok == 0 {
		return Session{}, ErrNotFound
	}
	return r.Get(ctx, code)
}

func (r *RedisRepo) SetAnswer(ctx context.Context, code string, answer Description, now time.Time) (Session, error) {
	raw, err := json.Marshal(answer)
	if err != nil {
		return Session{}, err
	}
	return r.update(ctx, code, "answer", string(raw), "status", StatusInProgress, "updated_at", formatTime(now))
}

func (r *RedisRepo) AppendCandidate(ctx context.Context, code string, role Role, c Candidate, now time.Time) (int, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return 0, err
	}
	keys := []string{r.sessionKey(code), r.candidatesKey(code, role)}
	n, err := appendCandidateScript.Run(ctx, r.rdb, keys, string(raw), formatTime(now)).Int()
	if err != nil {
		return 0, fmt.Errorf("sessions: redis append candidate: %w", err)
	}
	if n < 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

func (r *RedisRepo) SetStatus(ctx context.Context, code, status string, now time.Time) (Session, error) {
	return r.update(ctx, code, "status", status, "updated_at", formatTime(now))
}

func (r *RedisRepo) update(ctx context.Context, code string, pairs ...any) (Session, error) {
	ok, err := updateSessionScript.Run(ctx, r.rdb, []string{r.sessionKey(code)}, pairs...).Int()
	if err != nil {
		return Session{}, fmt.Errorf("sessions: redis update: %w", err)
	}
	if ok == 0 {
		return Session{}, ErrNotFound
	}
	return r.Get(ctx, code)
}

func decodeCandidateList(items []string) ([]Candidate, error) {
	out := make([]Candidate, 0, len(items))
	for _, item := range items {
		var c Candidate
		if err := json.Unmarshal([]byte(item), &c); err != nil {
			return nil, fmt.Errorf("sessions: decode candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
