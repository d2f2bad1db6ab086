package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"exchange-service/internal/bucketing"
	"exchange-service/internal/config"
	"exchange-service/internal/events"
	"exchange-service/internal/hashing"
	"exchange-service/internal/model"
	"exchange-service/internal/notify"
	"exchange-service/internal/repository"
	"exchange-service/internal/util"
)

const sweepBatchSize = 500

// OpenSessionRequest opens one device-side exchange attempt. SessionID is
// generated when empty; OwnerUserID is empty for anonymous devices.
type OpenSessionRequest struct {
	SessionID       string
	OwnerUserID     string
	SharingCategory model.SharingCategory
}

// HitRequest is one bump. A zero Timestamp means "now".
type HitRequest struct {
	SessionID       string
	Timestamp       time.Time
	ProximitySignal string
}

// PairingMatcher correlates near-simultaneous hits into matches and owns
// every session state transition on the server.
type PairingMatcher struct {
	store     repository.ExchangeStore
	bucketing *bucketing.BucketingManager
	notifier  notify.Notifier
	events    *events.Dispatcher
	cfg       config.ExchangeConfig
	logger    *zap.Logger

	NowTimeFunc  func() time.Time
	NewTokenFunc func() (string, error)
}

func NewPairingMatcher(
	store repository.ExchangeStore,
	bucketingMgr *bucketing.BucketingManager,
	notifier notify.Notifier,
	dispatcher *events.Dispatcher,
	cfg config.ExchangeConfig,
	logger *zap.Logger,
) *PairingMatcher {
	return &PairingMatcher{
		store:        store,
		bucketing:    bucketingMgr,
		notifier:     notifier,
		events:       dispatcher,
		cfg:          cfg,
		logger:       logger,
		NowTimeFunc:  func() time.Time { return time.Now().UTC() },
		NewTokenFunc: newMatchToken,
	}
}

func newMatchToken() (string, error) {
	return hashing.GenerateToken(32)
}

func (m *PairingMatcher) OpenSession(ctx context.Context, req OpenSessionRequest) (*model.ExchangeSession, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if !util.ValidIdentifier(sessionID) {
		return nil, fmt.Errorf("%w: malformed session id", ErrInvalidInput)
	}
	category := req.SharingCategory
	if category == "" {
		category = model.CategoryAll
	}

	now := m.NowTimeFunc()
	session := &model.ExchangeSession{
		SessionID:       sessionID,
		OwnerUserID:     req.OwnerUserID,
		SharingCategory: category,
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.cfg.SessionTTL),
		State:           model.StateWaitingForBump,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, repository.ErrSessionExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	m.logger.Info("Exchange session opened",
		util.SessionID(sessionID),
		util.Bool("authenticated", req.OwnerUserID != ""),
		util.String("category", string(category)),
	)
	m.events.Emit(ctx, events.Event{
		Type:            events.EventSessionOpened,
		SessionID:       sessionID,
		UserID:          req.OwnerUserID,
		SharingCategory: category,
	})
	return session, nil
}

// GetSession returns the session, moving it to timeout first when its
// window has closed and the sweeper has not caught up yet.
func (m *PairingMatcher) GetSession(ctx context.Context, sessionID string) (*model.ExchangeSession, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := m.NowTimeFunc()
	if sess.State == model.StateWaitingForBump && sess.IsExpired(now) {
		return m.expire(ctx, sessionID, now)
	}
	return sess, nil
}

// RegisterHit records a bump and tries to pair it. A hit without a partner
// leaves the session waiting; the partner's later hit completes the match.
func (m *PairingMatcher) RegisterHit(ctx context.Context, req HitRequest) (*model.ExchangeSession, error) {
	now := m.NowTimeFunc()
	hit := model.Hit{
		Timestamp: m.hitTime(req.Timestamp, now),
		Signature: m.bucketing.ProximityBucket(req.ProximitySignal),
	}

	self, err := m.store.RecordHit(ctx, req.SessionID, hit, now)
	switch {
	case errors.Is(err, repository.ErrSessionExpired):
		return m.expire(ctx, req.SessionID, now)
	case errors.Is(err, repository.ErrSessionClosed):
		return m.store.GetSession(ctx, req.SessionID)
	case err != nil:
		return nil, err
	}

	candidates, err := m.candidates(ctx, self, now)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		token, err := m.NewTokenFunc()
		if err != nil {
			return nil, err
		}
		match := &model.Match{
			Token:        token,
			Kind:         model.MatchKindBump,
			ParticipantA: participantOf(self),
			ParticipantB: participantOf(candidate),
			CreatedAt:    now,
		}

		err = m.store.ClaimPair(ctx, self.SessionID, candidate.SessionID, match, now)
		switch {
		case err == nil:
			return m.matched(ctx, self, candidate, match), nil
		case errors.Is(err, repository.ErrCandidateNotClaimable):
			continue
		case errors.Is(err, repository.ErrSelfNotClaimable):
			// Another hit claimed this session first; report what it became.
			return m.store.GetSession(ctx, self.SessionID)
		default:
			return nil, fmt.Errorf("failed to claim pair: %w", err)
		}
	}

	m.logger.Debug("Hit registered without partner",
		util.SessionID(self.SessionID),
		util.Int64("hit_sequence", self.HitSequence),
	)
	return self, nil
}

// CloseSession abandons a waiting session. Unknown and finished sessions
// are left as they are.
func (m *PairingMatcher) CloseSession(ctx context.Context, sessionID string) error {
	sess, changed, err := m.store.AbandonSession(ctx, sessionID, m.NowTimeFunc())
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	if changed {
		m.publish(ctx, sess)
		m.events.Emit(ctx, events.Event{
			Type:      events.EventSessionAbandoned,
			SessionID: sessionID,
			UserID:    sess.OwnerUserID,
		})
	}
	return nil
}

// SweepExpired times out up to one batch of waiting sessions whose window
// closed and reports how many it moved.
func (m *PairingMatcher) SweepExpired(ctx context.Context) (int, error) {
	now := m.NowTimeFunc()
	ids, err := m.store.DueForExpiry(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	expired := 0
	for _, id := range ids {
		sess, changed, err := m.store.ExpireSession(ctx, id, now)
		if errors.Is(err, repository.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("failed to expire session: %w", err)
		}
		if changed {
			m.timedOut(ctx, sess)
			expired++
		}
	}
	return expired, nil
}

func (m *PairingMatcher) expire(ctx context.Context, sessionID string, now time.Time) (*model.ExchangeSession, error) {
	sess, changed, err := m.store.ExpireSession(ctx, sessionID, now)
	if err != nil {
		return nil, err
	}
	if changed {
		m.timedOut(ctx, sess)
	}
	return sess, nil
}

func (m *PairingMatcher) timedOut(ctx context.Context, sess *model.ExchangeSession) {
	m.logger.Info("Exchange session timed out", util.SessionID(sess.SessionID))
	m.publish(ctx, sess)
	m.events.Emit(ctx, events.Event{
		Type:      events.EventSessionTimeout,
		SessionID: sess.SessionID,
		UserID:    sess.OwnerUserID,
	})
}

func (m *PairingMatcher) matched(ctx context.Context, self, candidate *model.ExchangeSession, match *model.Match) *model.ExchangeSession {
	for _, s := range []*model.ExchangeSession{self, candidate} {
		s.State = model.StateMatched
		s.MatchToken = match.Token
	}
	self.MatchedSessionID = candidate.SessionID
	candidate.MatchedSessionID = self.SessionID

	m.logger.Info("Bump match created",
		util.SessionID(self.SessionID),
		util.String("counterpart_session_id", candidate.SessionID),
		util.MatchToken(match.Token),
	)
	m.publish(ctx, self)
	m.publish(ctx, candidate)
	m.events.Emit(ctx, events.Event{
		Type:            events.EventMatchCreated,
		SessionID:       self.SessionID,
		UserID:          self.OwnerUserID,
		CounterpartID:   candidate.OwnerUserID,
		MatchKind:       model.MatchKindBump,
		SharingCategory: self.SharingCategory,
	})
	return self
}

// candidates returns the sessions self may pair with, best first: smallest
// time difference, then earliest registered.
func (m *PairingMatcher) candidates(ctx context.Context, self *model.ExchangeSession, now time.Time) ([]*model.ExchangeSession, error) {
	at := *self.HitTimestamp
	found, err := m.store.FindCandidates(ctx, at.Add(-m.cfg.MatchWindow), at.Add(m.cfg.MatchWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to find candidates: %w", err)
	}

	out := found[:0]
	for _, c := range found {
		if c.SessionID == self.SessionID || !c.HasHit() || c.IsExpired(now) {
			continue
		}
		if !bucketsCompatible(self.HitSignature, c.HitSignature) {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		di, dj := absDuration(out[i].HitTimestamp.Sub(at)), absDuration(out[j].HitTimestamp.Sub(at))
		if di != dj {
			return di < dj
		}
		return out[i].HitSequence < out[j].HitSequence
	})
	return out, nil
}

// hitTime trusts the device clock only within MaxClockSkew of server time.
func (m *PairingMatcher) hitTime(reported, now time.Time) time.Time {
	if reported.IsZero() || absDuration(reported.Sub(now)) > m.cfg.MaxClockSkew {
		return now
	}
	return reported.UTC()
}

func (m *PairingMatcher) publish(ctx context.Context, sess *model.ExchangeSession) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Publish(ctx, sess.View()); err != nil {
		m.logger.Warn("Failed to publish session view",
			util.SessionID(sess.SessionID),
			zap.Error(err))
	}
}

// bucketsCompatible skips the proximity check when either side has no signal.
func bucketsCompatible(a, b string) bool {
	return a == "" || b == "" || a == b
}

func participantOf(s *model.ExchangeSession) model.Participant {
	return model.Participant{
		UserID:          s.OwnerUserID,
		SessionID:       s.SessionID,
		SharingCategory: s.SharingCategory,
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
