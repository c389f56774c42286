package sessions

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

var (
	_ Repository = (*MemoryRepo)(nil)
	_ Repository = (*PostgresRepo)(nil)
	_ Repository = (*RedisRepo)(nil)
)

func TestRedisRepoKeys(t *testing.T) {
	r := NewRedisRepo(nil)
	if got := r.sessionKey("ABC123"); got != "callsession:ABC123" {
		t.Fatalf("unexpected session key %q", got)
	}
	if got := r.candidatesKey("ABC123", RoleAnswer); got != "callsession:ABC123:answer_candidates" {
		t.Fatalf("unexpected candidates key %q", got)
	}
}

func TestDecodeHelpers(t *testing.T) {
	d, err := decodeDescription([]byte("null"))
	if err != nil || d != nil {
		t.Fatalf("expected nil description, got %+v %v", d, err)
	}
	d, err = decodeDescription([]byte(`{"type":"offer","sdp":"v=0"}`))
	if err != nil || d == nil || d.Type != "offer" {
		t.Fatalf("unexpected description %+v %v", d, err)
	}
	cs, err := decodeCandidates([]byte(`[{"candidate":"c1","sdpMid":"0","sdpMLineIndex":0}]`))
	if err != nil || len(cs) != 1 || cs[0].SDPMid == nil || *cs[0].SDPMid != "0" {
		t.Fatalf("unexpected candidates %+v %v", cs, err)
	}
	if cs[0].SDPMLineIndex == nil || *cs[0].SDPMLineIndex != 0 {
		t.Fatalf("expected sdpMLineIndex 0 preserved")
	}
	if _, err := decodeCandidateList([]string{"{bad"}); err == nil {
		t.Fatalf("expected decode error")
	}
}

// testRepository runs the storage behavior every backend must share.
func testRepository(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	code, err := generateCode(rand.Reader)
	if err != nil {
		t.Fatalf("code: %v", err)
	}
	s := Session{
		ID:        uuid.NewString(),
		CallCode:  code,
		CreatorID: "tester",
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.Insert(ctx, s); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := s
	dup.ID = uuid.NewString()
	if err := repo.Insert(ctx, dup); !errors.Is(err, ErrCodeTaken) {
		t.Fatalf("expected ErrCodeTaken, got %v", err)
	}
	if ok, err := repo.CodeExists(ctx, code); err != nil || !ok {
		t.Fatalf("code exists = %v %v", ok, err)
	}

	t.Run("unknown code", func(t *testing.T) {
		if _, err := repo.Get(ctx, "ZZZZZZ"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get: %v", err)
		}
		if _, err := repo.AppendCandidate(ctx, "ZZZZZZ", RoleOffer, Candidate{Candidate: "c"}, now); !errors.Is(err, ErrNotFound) {
			t.Fatalf("append: %v", err)
		}
	})

	t.Run("offer resets both candidate lists", func(t *testing.T) {
		for _, role := range []Role{RoleOffer, RoleAnswer} {
			if _, err := repo.AppendCandidate(ctx, code, role, Candidate{Candidate: "stale-" + string(role)}, now); err != nil {
				t.Fatalf("append %s: %v", role, err)
			}
		}
		dialed := "+15550100"
		got, err := repo.SetOffer(ctx, code, Description{Type: "offer", SDP: "v=0"}, &dialed, now)
		if err != nil {
			t.Fatalf("offer: %v", err)
		}
		if got.Status != StatusCalling || got.Offer == nil || got.DialedNumber != dialed {
			t.Fatalf("after offer: %+v", got)
		}
		if len(got.OfferCandidates) != 0 || len(got.AnswerCandidates) != 0 {
			t.Fatalf("candidates not reset: %+v %+v", got.OfferCandidates, got.AnswerCandidates)
		}
	})

	t.Run("concurrent appends keep every candidate", func(t *testing.T) {
		const n = 40
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			counts []int
			errs   []error
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c, err := repo.AppendCandidate(ctx, code, RoleAnswer, Candidate{Candidate: fmt.Sprintf("c%02d", i)}, now)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				counts = append(counts, c)
			}(i)
		}
		wg.Wait()
		if len(errs) > 0 {
			t.Fatalf("append errors: %v", errs)
		}

		sort.Ints(counts)
		for i, c := range counts {
			if c != i+1 {
				t.Fatalf("append counts not distinct: %v", counts)
			}
		}
		got, err := repo.Get(ctx, code)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(got.AnswerCandidates) != n || len(got.OfferCandidates) != 0 {
			t.Fatalf("kept %d answer / %d offer candidates", len(got.AnswerCandidates), len(got.OfferCandidates))
		}
		seen := map[string]bool{}
		for _, c := range got.AnswerCandidates {
			seen[c.Candidate] = true
		}
		if len(seen) != n {
			t.Fatalf("expected %d distinct candidates, got %d", n, len(seen))
		}
	})

	t.Run("answer and free-form status", func(t *testing.T) {
		got, err := repo.SetAnswer(ctx, code, Description{Type: "answer", SDP: "v=0"}, now)
		if err != nil || got.Status != StatusInProgress || got.Answer == nil {
			t.Fatalf("answer: %+v %v", got, err)
		}
		got, err = repo.SetStatus(ctx, code, "on hold", now)
		if err != nil || got.Status != "on hold" {
			t.Fatalf("status: %+v %v", got, err)
		}
	})
}

func TestMemoryRepository(t *testing.T) {
	testRepository(t, NewMemoryRepo())
}

func TestRedisRepository(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	testRepository(t, NewRedisRepo(rdb))
}

// TestPostgresRepository needs a scratch database, for example
// TEST_DATABASE_URL=postgres://postgres@localhost:5432/callconsole_test?sslmode=disable
func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	repo := NewPostgresRepo(db)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	testRepository(t, repo)
}
