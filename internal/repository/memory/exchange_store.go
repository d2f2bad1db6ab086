package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"exchange-service/internal/model"
	"exchange-service/internal/repository"
)

var _ repository.ExchangeStore = (*ExchangeStore)(nil)

type storedMatch struct {
	match     *model.Match
	expiresAt time.Time
}

type storedClaim struct {
	claimant  string
	token     string
	expiresAt time.Time
}

// ExchangeStore keeps sessions and matches in process memory behind a single
// mutex. It serves single-node deployments and tests.
type ExchangeStore struct {
	mu       sync.Mutex
	opts     repository.StoreOptions
	sessions map[string]*model.ExchangeSession
	matches  map[string]*storedMatch
	claims   map[string]*storedClaim
	owners   map[string]string
	hitSeq   int64

	// NowTimeFunc drives match and claim expiry on reads.
	NowTimeFunc func() time.Time
}

func NewExchangeStore(opts repository.StoreOptions) *ExchangeStore {
	return &ExchangeStore{
		opts:        opts,
		sessions:    make(map[string]*model.ExchangeSession),
		matches:     make(map[string]*storedMatch),
		claims:      make(map[string]*storedClaim),
		owners:      make(map[string]string),
		NowTimeFunc: time.Now,
	}
}

func (s *ExchangeStore) CreateSession(_ context.Context, session *model.ExchangeSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.SessionID]; ok {
		return repository.ErrSessionExists
	}
	s.sessions[session.SessionID] = cloneSession(session)
	if session.OwnerUserID != "" {
		s.owners[session.OwnerUserID] = session.SessionID
	}
	return nil
}

func (s *ExchangeStore) GetSession(_ context.Context, sessionID string) (*model.ExchangeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

func (s *ExchangeStore) RecordHit(_ context.Context, sessionID string, hit model.Hit, now time.Time) (*model.ExchangeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	switch {
	case !ok:
		return nil, repository.ErrSessionNotFound
	case sess.State != model.StateWaitingForBump:
		return nil, repository.ErrSessionClosed
	case sess.IsExpired(now):
		return nil, repository.ErrSessionExpired
	}

	s.hitSeq++
	ts := hit.Timestamp
	sess.HitTimestamp = &ts
	sess.HitSignature = hit.Signature
	sess.HitSequence = s.hitSeq
	return cloneSession(sess), nil
}

func (s *ExchangeStore) FindCandidates(_ context.Context, from, to time.Time) ([]*model.ExchangeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.ExchangeSession
	for _, sess := range s.sessions {
		if sess.State != model.StateWaitingForBump || !sess.HasHit() {
			continue
		}
		if sess.HitTimestamp.Before(from) || sess.HitTimestamp.After(to) {
			continue
		}
		out = append(out, cloneSession(sess))
	}
	return out, nil
}

func (s *ExchangeStore) ClaimPair(_ context.Context, selfID, candidateID string, match *model.Match, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if selfID == candidateID {
		return repository.ErrSelfNotClaimable
	}
	self, ok := s.sessions[selfID]
	if !ok || !claimable(self, now) {
		return repository.ErrSelfNotClaimable
	}
	candidate, ok := s.sessions[candidateID]
	if !ok || !claimable(candidate, now) {
		return repository.ErrCandidateNotClaimable
	}

	self.State, self.MatchToken, self.MatchedSessionID = model.StateMatched, match.Token, candidateID
	candidate.State, candidate.MatchToken, candidate.MatchedSessionID = model.StateMatched, match.Token, selfID
	s.dropPresentation(self)
	s.dropPresentation(candidate)
	s.putMatch(match)
	return nil
}

func (s *ExchangeStore) ExpireSession(_ context.Context, sessionID string, now time.Time) (*model.ExchangeSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, false, repository.ErrSessionNotFound
	}
	if sess.State != model.StateWaitingForBump || !sess.IsExpired(now) {
		return cloneSession(sess), false, nil
	}
	sess.State = model.StateTimeout
	s.dropPresentation(sess)
	return cloneSession(sess), true, nil
}

func (s *ExchangeStore) AbandonSession(_ context.Context, sessionID string, _ time.Time) (*model.ExchangeSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, false, repository.ErrSessionNotFound
	}
	s.dropPresentation(sess)
	if sess.State != model.StateWaitingForBump {
		return cloneSession(sess), false, nil
	}
	sess.State = model.StateError
	return cloneSession(sess), true, nil
}

func (s *ExchangeStore) DueForExpiry(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.collectGarbage(now)

	var due []*model.ExchangeSession
	for _, sess := range s.sessions {
		if sess.State == model.StateWaitingForBump && sess.IsExpired(now) {
			due = append(due, sess)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ExpiresAt.Before(due[j].ExpiresAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	ids := make([]string, len(due))
	for i, sess := range due {
		ids[i] = sess.SessionID
	}
	return ids, nil
}

func (s *ExchangeStore) OpenPresentation(_ context.Context, ownerUserID string) (*model.ExchangeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.owners[ownerUserID]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	sess, ok := s.sessions[id]
	if !ok {
		delete(s.owners, ownerUserID)
		return nil, repository.ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

func (s *ExchangeStore) ClaimQR(_ context.Context, claim repository.QRClaim) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.claims[claim.ClaimKey]; ok && claim.Now.Before(existing.expiresAt) {
		if existing.claimant != claim.Claimant {
			return nil, repository.ErrAlreadyScanned
		}
		if m, ok := s.matches[existing.token]; ok && claim.Now.Before(m.expiresAt) {
			return cloneMatch(m.match), nil
		}
		return nil, repository.ErrMatchNotFound
	}

	match := cloneMatch(claim.Match)
	if claim.PresenterSessionID == "" {
		match.ParticipantA.SessionID = ""
	} else {
		presenter, ok := s.sessions[claim.PresenterSessionID]
		switch {
		case ok && presenterOpen(presenter, claim.Now):
			presenter.State = model.StateQRScanMatched
			presenter.MatchToken = match.Token
		case ok && presenter.State == model.StateQRScanMatched:
			return nil, repository.ErrAlreadyScanned
		default:
			match.ParticipantA.SessionID = ""
		}
	}

	s.putMatch(match)
	s.claims[claim.ClaimKey] = &storedClaim{
		claimant:  claim.Claimant,
		token:     match.Token,
		expiresAt: claim.Now.Add(claim.Grace),
	}
	return cloneMatch(match), nil
}

func (s *ExchangeStore) GetMatch(_ context.Context, token string) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.liveMatch(token)
	if !ok {
		return nil, repository.ErrMatchNotFound
	}
	return cloneMatch(m), nil
}

func (s *ExchangeStore) BindParticipant(_ context.Context, token, userID, sessionHint string) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.liveMatch(token)
	if !ok {
		return nil, repository.ErrMatchNotFound
	}

	if _, isParticipant := m.Counterpart(userID); !isParticipant {
		slot := openSlot(m, sessionHint)
		if slot == nil {
			return nil, repository.ErrAlreadyScanned
		}
		slot.UserID = userID
	}
	if !m.HasRedeemed(userID) {
		m.RedeemedBy = append(m.RedeemedBy, userID)
	}
	return cloneMatch(m), nil
}

func (s *ExchangeStore) HealthCheck(context.Context) error {
	return nil
}

func (s *ExchangeStore) liveMatch(token string) (*model.Match, bool) {
	stored, ok := s.matches[token]
	if !ok || !s.NowTimeFunc().Before(stored.expiresAt) {
		return nil, false
	}
	return stored.match, true
}

func (s *ExchangeStore) putMatch(match *model.Match) {
	s.matches[match.Token] = &storedMatch{
		match:     cloneMatch(match),
		expiresAt: match.CreatedAt.Add(s.opts.MatchTTL),
	}
}

func (s *ExchangeStore) dropPresentation(sess *model.ExchangeSession) {
	if sess.OwnerUserID != "" && s.owners[sess.OwnerUserID] == sess.SessionID {
		delete(s.owners, sess.OwnerUserID)
	}
}

// collectGarbage drops records past their retention; callers hold mu.
func (s *ExchangeStore) collectGarbage(now time.Time) {
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt.Add(s.opts.SessionRetention)) {
			s.dropPresentation(sess)
			delete(s.sessions, id)
		}
	}
	for token, m := range s.matches {
		if !now.Before(m.expiresAt) {
			delete(s.matches, token)
		}
	}
	for key, c := range s.claims {
		if !now.Before(c.expiresAt) {
			delete(s.claims, key)
		}
	}
}

// claimable reports whether a session can still be paired by a bump.
func claimable(sess *model.ExchangeSession, now time.Time) bool {
	return sess.State == model.StateWaitingForBump && sess.HasHit() && !sess.IsExpired(now)
}

// presenterOpen reports whether a session can still be claimed by a QR scan.
func presenterOpen(sess *model.ExchangeSession, now time.Time) bool {
	return sess.State == model.StateWaitingForBump && sess.MatchToken == "" && !sess.IsExpired(now)
}

func openSlot(m *model.Match, sessionHint string) *model.Participant {
	if sessionHint != "" {
		if m.ParticipantA.UserID == "" && m.ParticipantA.SessionID == sessionHint {
			return &m.ParticipantA
		}
		if m.ParticipantB.UserID == "" && m.ParticipantB.SessionID == sessionHint {
			return &m.ParticipantB
		}
	}
	if m.ParticipantA.UserID == "" {
		return &m.ParticipantA
	}
	if m.ParticipantB.UserID == "" {
		return &m.ParticipantB
	}
	return nil
}

func cloneSession(sess *model.ExchangeSession) *model.ExchangeSession {
	out := *sess
	if sess.HitTimestamp != nil {
		ts := *sess.HitTimestamp
		out.HitTimestamp = &ts
	}
	return &out
}

func cloneMatch(m *model.Match) *model.Match {
	out := *m
	out.RedeemedBy = append([]string(nil), m.RedeemedBy...)
	return &out
}
