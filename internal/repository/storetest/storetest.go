// Package storetest holds the behaviour every repository.ExchangeStore
// backend must share. Backend packages run it from their own tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-service/internal/model"
	"exchange-service/internal/repository"
)

// Base is the wall-clock origin of every scenario. Millisecond aligned so
// backends that persist epoch milliseconds round-trip exactly.
var Base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

const (
	sessionTTL = 30 * time.Second
	grace      = 2 * time.Minute
)

// Harness is one fresh store plus a way to move its internal clock, which
// governs TTL-based expiry of claim windows and matches.
type Harness struct {
	Store   repository.ExchangeStore
	Advance func(d time.Duration)
}

// Options is what Run passes to the backend constructor.
var Options = repository.StoreOptions{
	SessionRetention: 2 * time.Minute,
	MatchTTL:         24 * time.Hour,
}

func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	tests := map[string]func(t *testing.T, h Harness){
		"create and get":                    testCreateAndGet,
		"hit replaces previous hit":         testHitReplaces,
		"hit on closed or expired session":  testHitRejected,
		"claim pair":                        testClaimPair,
		"claim pair exactly once":           testClaimPairExactlyOnce,
		"claim pair refuses self and stale": testClaimPairRefuses,
		"expire session":                    testExpireSession,
		"abandon session":                   testAbandonSession,
		"qr claim bound to presentation":    testQRClaimPresentation,
		"qr claim without presentation":     testQRClaimIndependent,
		"bind participant":                  testBindParticipant,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			fn(t, newHarness(t))
		})
	}
}

func newSession(id, owner string) *model.ExchangeSession {
	return &model.ExchangeSession{
		SessionID:       id,
		OwnerUserID:     owner,
		SharingCategory: model.CategoryWork,
		CreatedAt:       Base,
		ExpiresAt:       Base.Add(sessionTTL),
		State:           model.StateWaitingForBump,
	}
}

func openWithHit(t *testing.T, h Harness, id, owner string, at time.Duration) {
	ctx := context.Background()
	require.NoError(t, h.Store.CreateSession(ctx, newSession(id, owner)))
	_, err := h.Store.RecordHit(ctx, id, model.Hit{Timestamp: Base.Add(at)}, Base.Add(at))
	require.NoError(t, err)
}

func bumpMatch(token, a, b string) *model.Match {
	return &model.Match{
		Token:        token,
		Kind:         model.MatchKindBump,
		ParticipantA: model.Participant{SessionID: a, SharingCategory: model.CategoryWork},
		ParticipantB: model.Participant{SessionID: b, SharingCategory: model.CategoryPersonal},
		CreatedAt:    Base,
	}
}

func testCreateAndGet(t *testing.T, h Harness) {
	ctx := context.Background()

	require.NoError(t, h.Store.CreateSession(ctx, newSession("session-a1", "user-a")))
	require.ErrorIs(t, h.Store.CreateSession(ctx, newSession("session-a1", "user-b")), repository.ErrSessionExists)

	got, err := h.Store.GetSession(ctx, "session-a1")
	require.NoError(t, err)
	assert.Equal(t, "user-a", got.OwnerUserID)
	assert.Equal(t, model.CategoryWork, got.SharingCategory)
	assert.Equal(t, model.StateWaitingForBump, got.State)
	assert.True(t, got.ExpiresAt.Equal(Base.Add(sessionTTL)))
	assert.False(t, got.HasHit())

	_, err = h.Store.GetSession(ctx, "missing-session")
	require.ErrorIs(t, err, repository.ErrSessionNotFound)

	presenting, err := h.Store.OpenPresentation(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, "session-a1", presenting.SessionID)
}

func testHitReplaces(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.CreateSession(ctx, newSession("session-a1", "")))

	first, err := h.Store.RecordHit(ctx, "session-a1", model.Hit{Timestamp: Base.Add(time.Second), Signature: "17"}, Base.Add(time.Second))
	require.NoError(t, err)
	second, err := h.Store.RecordHit(ctx, "session-a1", model.Hit{Timestamp: Base.Add(5 * time.Second)}, Base.Add(5*time.Second))
	require.NoError(t, err)

	assert.Greater(t, second.HitSequence, first.HitSequence)
	assert.Empty(t, second.HitSignature)

	old, err := h.Store.FindCandidates(ctx, Base, Base.Add(2*time.Second))
	require.NoError(t, err)
	assert.Empty(t, old)

	current, err := h.Store.FindCandidates(ctx, Base.Add(4*time.Second), Base.Add(6*time.Second))
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.True(t, current[0].HitTimestamp.Equal(Base.Add(5*time.Second)))
}

func testHitRejected(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.CreateSession(ctx, newSession("session-a1", "")))

	_, err := h.Store.RecordHit(ctx, "session-a1", model.Hit{Timestamp: Base.Add(sessionTTL)}, Base.Add(sessionTTL))
	require.ErrorIs(t, err, repository.ErrSessionExpired)

	_, changed, err := h.Store.AbandonSession(ctx, "session-a1", Base)
	require.NoError(t, err)
	require.True(t, changed)

	_, err = h.Store.RecordHit(ctx, "session-a1", model.Hit{Timestamp: Base}, Base)
	require.ErrorIs(t, err, repository.ErrSessionClosed)

	_, err = h.Store.RecordHit(ctx, "missing-session", model.Hit{Timestamp: Base}, Base)
	require.ErrorIs(t, err, repository.ErrSessionNotFound)
}

func testClaimPair(t *testing.T, h Harness) {
	ctx := context.Background()
	openWithHit(t, h, "session-a1", "user-a", 10*time.Second)
	openWithHit(t, h, "session-b1", "user-b", 10800*time.Millisecond)

	now := Base.Add(11 * time.Second)
	require.NoError(t, h.Store.ClaimPair(ctx, "session-b1", "session-a1", bumpMatch("token-ab", "session-a1", "session-b1"), now))

	a, err := h.Store.GetSession(ctx, "session-a1")
	require.NoError(t, err)
	b, err := h.Store.GetSession(ctx, "session-b1")
	require.NoError(t, err)

	assert.Equal(t, model.StateMatched, a.State)
	assert.Equal(t, model.StateMatched, b.State)
	assert.Equal(t, "token-ab", a.MatchToken)
	assert.Equal(t, "token-ab", b.MatchToken)
	assert.Equal(t, "session-b1", a.MatchedSessionID)
	assert.Equal(t, "session-a1", b.MatchedSessionID)

	candidates, err := h.Store.FindCandidates(ctx, Base, Base.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, candidates)

	due, err := h.Store.DueForExpiry(ctx, Base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = h.Store.OpenPresentation(ctx, "user-a")
	require.ErrorIs(t, err, repository.ErrSessionNotFound)

	m, err := h.Store.GetMatch(ctx, "token-ab")
	require.NoError(t, err)
	assert.Equal(t, model.MatchKindBump, m.Kind)
	assert.Equal(t, "session-a1", m.ParticipantA.SessionID)
	assert.Equal(t, model.CategoryPersonal, m.ParticipantB.SharingCategory)

	_, err = h.Store.GetMatch(ctx, "token-unknown")
	require.ErrorIs(t, err, repository.ErrMatchNotFound)
}

func testClaimPairExactlyOnce(t *testing.T, h Harness) {
	ctx := context.Background()
	openWithHit(t, h, "session-a1", "", 10*time.Second)
	openWithHit(t, h, "session-b1", "", 10*time.Second)
	openWithHit(t, h, "session-c1", "", 10*time.Second)

	now := Base.Add(11 * time.Second)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, self := range []string{"session-a1", "session-c1"} {
		wg.Add(1)
		go func(i int, self string) {
			defer wg.Done()
			errs[i] = h.Store.ClaimPair(ctx, self, "session-b1", bumpMatch("token-"+self, self, "session-b1"), now)
		}(i, self)
	}
	wg.Wait()

	var won int
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		require.ErrorIs(t, err, repository.ErrCandidateNotClaimable)
	}
	require.Equal(t, 1, won)

	b, err := h.Store.GetSession(ctx, "session-b1")
	require.NoError(t, err)
	require.Equal(t, model.StateMatched, b.State)
}

func testClaimPairRefuses(t *testing.T, h Harness) {
	ctx := context.Background()
	openWithHit(t, h, "session-a1", "", 10*time.Second)
	openWithHit(t, h, "session-b1", "", 10*time.Second)

	err := h.Store.ClaimPair(ctx, "session-a1", "session-a1", bumpMatch("token-self", "session-a1", "session-a1"), Base.Add(11*time.Second))
	require.ErrorIs(t, err, repository.ErrSelfNotClaimable)

	err = h.Store.ClaimPair(ctx, "session-a1", "session-b1", bumpMatch("token-late", "session-a1", "session-b1"), Base.Add(sessionTTL))
	require.ErrorIs(t, err, repository.ErrSelfNotClaimable)

	require.NoError(t, h.Store.CreateSession(ctx, newSession("session-c1", "")))
	err = h.Store.ClaimPair(ctx, "session-a1", "session-c1", bumpMatch("token-nohit", "session-a1", "session-c1"), Base.Add(11*time.Second))
	require.ErrorIs(t, err, repository.ErrCandidateNotClaimable)

	a, err := h.Store.GetSession(ctx, "session-a1")
	require.NoError(t, err)
	assert.Equal(t, model.StateWaitingForBump, a.State)
	assert.Empty(t, a.MatchToken)
}

func testExpireSession(t *testing.T, h Harness) {
	ctx := context.Background()
	openWithHit(t, h, "session-a1", "user-a", time.Second)

	due, err := h.Store.DueForExpiry(ctx, Base.Add(sessionTTL-time.Millisecond), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	sess, changed, err := h.Store.ExpireSession(ctx, "session-a1", Base.Add(sessionTTL-time.Millisecond))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.StateWaitingForBump, sess.State)

	due, err = h.Store.DueForExpiry(ctx, Base.Add(sessionTTL), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"session-a1"}, due)

	sess, changed, err = h.Store.ExpireSession(ctx, "session-a1", Base.Add(sessionTTL))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.StateTimeout, sess.State)

	_, changed, err = h.Store.ExpireSession(ctx, "session-a1", Base.Add(sessionTTL))
	require.NoError(t, err)
	assert.False(t, changed)

	due, err = h.Store.DueForExpiry(ctx, Base.Add(sessionTTL), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	candidates, err := h.Store.FindCandidates(ctx, Base, Base.Add(sessionTTL))
	require.NoError(t, err)
	assert.Empty(t, candidates)

	_, err = h.Store.OpenPresentation(ctx, "user-a")
	require.ErrorIs(t, err, repository.ErrSessionNotFound)
}

func testAbandonSession(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.CreateSession(ctx, newSession("session-a1", "user-a")))

	sess, changed, err := h.Store.AbandonSession(ctx, "session-a1", Base)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.StateError, sess.State)

	_, changed, err = h.Store.AbandonSession(ctx, "session-a1", Base)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = h.Store.OpenPresentation(ctx, "user-a")
	require.ErrorIs(t, err, repository.ErrSessionNotFound)

	_, _, err = h.Store.AbandonSession(ctx, "missing-session", Base)
	require.ErrorIs(t, err, repository.ErrSessionNotFound)
}

func qrMatch(token, owner, presenter, scanner string) *model.Match {
	return &model.Match{
		Token:        token,
		Kind:         model.MatchKindQR,
		ParticipantA: model.Participant{UserID: owner, SessionID: presenter, SharingCategory: model.CategoryWork},
		ParticipantB: model.Participant{UserID: scanner, SharingCategory: model.CategoryAll},
		CreatedAt:    Base,
	}
}

func testQRClaimPresentation(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.CreateSession(ctx, newSession("session-owner", "user-owner")))

	claim := func(claimant, token string, now time.Time) (*model.Match, error) {
		return h.Store.ClaimQR(ctx, repository.QRClaim{
			ClaimKey:           "session-owner",
			PresenterSessionID: "session-owner",
			Claimant:           claimant,
			Match:              qrMatch(token, "user-owner", "session-owner", claimant),
			Grace:              grace,
			Now:                now,
		})
	}

	first, err := claim("user-x", "token-x", Base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "token-x", first.Token)
	assert.Equal(t, "session-owner", first.ParticipantA.SessionID)

	presenter, err := h.Store.GetSession(ctx, "session-owner")
	require.NoError(t, err)
	assert.Equal(t, model.StateQRScanMatched, presenter.State)
	assert.Equal(t, "token-x", presenter.MatchToken)

	_, err = claim("user-y", "token-y", Base.Add(2*time.Second))
	require.ErrorIs(t, err, repository.ErrAlreadyScanned)

	again, err := claim("user-x", "token-x2", Base.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "token-x", again.Token)

	h.Advance(grace + time.Second)
	_, err = claim("user-x", "token-x3", Base.Add(grace+4*time.Second))
	require.ErrorIs(t, err, repository.ErrAlreadyScanned)
}

func testQRClaimIndependent(t *testing.T, h Harness) {
	ctx := context.Background()

	claim := func(claimant, token string) (*model.Match, error) {
		return h.Store.ClaimQR(ctx, repository.QRClaim{
			ClaimKey: "scan:digest:" + claimant,
			Claimant: claimant,
			Match:    qrMatch(token, "user-owner", "session-gone", claimant),
			Grace:    grace,
			Now:      Base,
		})
	}

	x, err := claim("user-x", "token-x")
	require.NoError(t, err)
	y, err := claim("user-y", "token-y")
	require.NoError(t, err)

	assert.NotEqual(t, x.Token, y.Token)
	assert.Empty(t, x.ParticipantA.SessionID)
	assert.Equal(t, "user-owner", y.ParticipantA.UserID)
	assert.Equal(t, "user-y", y.ParticipantB.UserID)
}

func testBindParticipant(t *testing.T, h Harness) {
	ctx := context.Background()
	openWithHit(t, h, "session-a1", "", 10*time.Second)
	openWithHit(t, h, "session-b1", "", 10*time.Second)
	require.NoError(t, h.Store.ClaimPair(ctx, "session-a1", "session-b1", bumpMatch("token-ab", "session-a1", "session-b1"), Base.Add(11*time.Second)))

	m, err := h.Store.BindParticipant(ctx, "token-ab", "user-b", "session-b1")
	require.NoError(t, err)
	assert.Equal(t, "user-b", m.ParticipantB.UserID)
	assert.Empty(t, m.ParticipantA.UserID)

	m, err = h.Store.BindParticipant(ctx, "token-ab", "user-b", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"user-b"}, m.RedeemedBy)

	m, err = h.Store.BindParticipant(ctx, "token-ab", "user-a", "")
	require.NoError(t, err)
	assert.Equal(t, "user-a", m.ParticipantA.UserID)
	assert.ElementsMatch(t, []string{"user-a", "user-b"}, m.RedeemedBy)

	_, err = h.Store.BindParticipant(ctx, "token-ab", "user-c", "")
	require.ErrorIs(t, err, repository.ErrAlreadyScanned)

	_, err = h.Store.BindParticipant(ctx, "token-unknown", "user-a", "")
	require.ErrorIs(t, err, repository.ErrMatchNotFound)
}
