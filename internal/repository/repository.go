package repository

import (
	"context"
	"errors"
	"time"

	"exchange-service/internal/model"
)

var (
	ErrSessionNotFound = errors.New("exchange session not found")
	ErrSessionExists   = errors.New("exchange session already exists")
	// ErrSessionClosed is returned for writes against a session that already
	// reached a terminal state.
	ErrSessionClosed = errors.New("exchange session closed")
	// ErrSessionExpired is returned when a write arrives at or after expiresAt
	// and the sweeper has not yet moved the session to timeout.
	ErrSessionExpired = errors.New("exchange session expired")

	// ErrSelfNotClaimable and ErrCandidateNotClaimable report which side of a
	// pair claim lost a race. The matcher stops on the first and moves on to
	// the next candidate on the second.
	ErrSelfNotClaimable      = errors.New("session is no longer claimable")
	ErrCandidateNotClaimable = errors.New("candidate session is no longer claimable")

	ErrMatchNotFound      = errors.New("match not found")
	ErrAlreadyScanned     = errors.New("already scanned")
	ErrShareTokenNotFound = errors.New("share token not found")
	ErrProfileNotFound    = errors.New("profile not found")
)

// StoreOptions carries the retention settings shared by every store backend.
type StoreOptions struct {
	// SessionRetention keeps terminal sessions readable after expiresAt.
	SessionRetention time.Duration
	// MatchTTL bounds how long a match token can be redeemed.
	MatchTTL time.Duration
}

// QRClaim is one attempt to turn a share-token scan into a match.
type QRClaim struct {
	// ClaimKey identifies the claim window the scan competes in.
	ClaimKey string
	// PresenterSessionID is the owner's open session, empty when none.
	PresenterSessionID string
	Claimant           string
	// Match is stored when the claim succeeds. ParticipantA.SessionID is
	// cleared by the store when the presenter session could not be claimed.
	Match *model.Match
	Grace time.Duration
	Now   time.Time
}

// ExchangeStore owns ExchangeSession and Match lifecycle. Every method that
// changes more than one record does so atomically.
type ExchangeStore interface {
	CreateSession(ctx context.Context, session *model.ExchangeSession) error
	GetSession(ctx context.Context, sessionID string) (*model.ExchangeSession, error)

	// RecordHit stores or replaces the unmatched hit of a waiting session and
	// stamps it with a store-wide increasing registration sequence.
	RecordHit(ctx context.Context, sessionID string, hit model.Hit, now time.Time) (*model.ExchangeSession, error)
	// FindCandidates lists waiting sessions with an unmatched hit in [from, to].
	FindCandidates(ctx context.Context, from, to time.Time) ([]*model.ExchangeSession, error)
	// ClaimPair moves both sessions to matched and stores the match, or
	// changes nothing.
	ClaimPair(ctx context.Context, selfID, candidateID string, match *model.Match, now time.Time) error

	// ExpireSession moves a waiting session whose window has closed to
	// timeout. It reports whether this call made the transition.
	ExpireSession(ctx context.Context, sessionID string, now time.Time) (*model.ExchangeSession, bool, error)
	// AbandonSession moves a waiting session to error and drops the owner's
	// presentation pointer to it. It reports whether the state changed.
	AbandonSession(ctx context.Context, sessionID string, now time.Time) (*model.ExchangeSession, bool, error)
	// DueForExpiry lists waiting sessions with expiresAt <= now, oldest first.
	DueForExpiry(ctx context.Context, now time.Time, limit int) ([]string, error)

	// OpenPresentation returns the owner's most recently opened session while
	// it has not timed out or been abandoned.
	OpenPresentation(ctx context.Context, ownerUserID string) (*model.ExchangeSession, error)
	ClaimQR(ctx context.Context, claim QRClaim) (*model.Match, error)

	GetMatch(ctx context.Context, token string) (*model.Match, error)
	// BindParticipant records userID as a redeemer of the match. A user may
	// take an empty participant slot; sessionHint selects which one.
	BindParticipant(ctx context.Context, token, userID, sessionHint string) (*model.Match, error)

	HealthCheck(ctx context.Context) error
}

// ShareTokenRepository persists durable QR share tokens by digest.
type ShareTokenRepository interface {
	Save(ctx context.Context, token *model.QRShareToken) error
	GetByDigest(ctx context.Context, digest string) (*model.QRShareToken, error)
	GetByOwner(ctx context.Context, ownerUserID string) (*model.QRShareToken, error)
}

// ProfileRepository stores the contact cards matches resolve to.
type ProfileRepository interface {
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
	UpsertProfile(ctx context.Context, profile *model.Profile) error
	HealthCheck(ctx context.Context) error
}
