package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"exchange-service/internal/config"
	"exchange-service/internal/events"
	"exchange-service/internal/hashing"
	"exchange-service/internal/model"
	"exchange-service/internal/notify"
	"exchange-service/internal/repository"
	"exchange-service/internal/util"
)

const shareTokenBytes = 32

// QRService issues durable share tokens and turns scans of them into
// matches. The share token itself is never consumed.
type QRService struct {
	store    repository.ExchangeStore
	tokens   repository.ShareTokenRepository
	hasher   *hashing.Hasher
	notifier notify.Notifier
	events   *events.Dispatcher
	cfg      config.ExchangeConfig
	logger   *zap.Logger

	NowTimeFunc  func() time.Time
	NewTokenFunc func() (string, error)
}

func NewQRService(
	store repository.ExchangeStore,
	tokens repository.ShareTokenRepository,
	hasher *hashing.Hasher,
	notifier notify.Notifier,
	dispatcher *events.Dispatcher,
	cfg config.ExchangeConfig,
	logger *zap.Logger,
) *QRService {
	return &QRService{
		store:        store,
		tokens:       tokens,
		hasher:       hasher,
		notifier:     notifier,
		events:       dispatcher,
		cfg:          cfg,
		logger:       logger,
		NowTimeFunc:  func() time.Time { return time.Now().UTC() },
		NewTokenFunc: newMatchToken,
	}
}

// IssueShareToken creates a new share token for owner. Earlier tokens keep
// resolving, so printed codes stay valid.
func (s *QRService) IssueShareToken(ctx context.Context, ownerUserID string, category model.SharingCategory) (*model.QRShareToken, error) {
	if ownerUserID == "" {
		return nil, ErrUnauthenticated
	}
	raw, err := hashing.GenerateToken(shareTokenBytes)
	if err != nil {
		return nil, err
	}
	if category == "" {
		category = model.CategoryAll
	}

	token := &model.QRShareToken{
		Token:           raw,
		Digest:          s.hasher.DigestShareToken(raw),
		OwnerUserID:     ownerUserID,
		SharingCategory: category,
		CreatedAt:       s.NowTimeFunc(),
	}
	if err := s.tokens.Save(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to issue share token: %w", err)
	}

	s.logger.Info("Share token issued",
		util.UserID(ownerUserID),
		util.String("category", string(category)),
	)
	return token, nil
}

// EnsureShareToken returns the owner's current share token, issuing one on
// first use.
func (s *QRService) EnsureShareToken(ctx context.Context, ownerUserID string, category model.SharingCategory) (*model.QRShareToken, error) {
	existing, err := s.tokens.GetByOwner(ctx, ownerUserID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrShareTokenNotFound) {
		return nil, fmt.Errorf("failed to load share token: %w", err)
	}
	return s.IssueShareToken(ctx, ownerUserID, category)
}

// Redeem turns a scan into a match. Within one claim window only the first
// scanner succeeds; that scanner gets the same match back on a rescan
// within the grace window, everyone else gets ErrAlreadyScanned.
func (s *QRService) Redeem(ctx context.Context, rawToken, redeemerUserID string, category model.SharingCategory) (*model.Match, error) {
	if redeemerUserID == "" {
		return nil, ErrUnauthenticated
	}
	if rawToken == "" {
		return nil, fmt.Errorf("%w: empty share token", ErrInvalidInput)
	}
	if category == "" {
		category = model.CategoryAll
	}

	shareToken, err := s.resolve(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	if shareToken.OwnerUserID == redeemerUserID {
		return nil, ErrSelfRedeem
	}

	now := s.NowTimeFunc()
	claim, err := s.claimFor(ctx, shareToken, redeemerUserID, now)
	if err != nil {
		return nil, err
	}

	token, err := s.NewTokenFunc()
	if err != nil {
		return nil, err
	}
	claim.Match = &model.Match{
		Token: token,
		Kind:  model.MatchKindQR,
		ParticipantA: model.Participant{
			UserID:          shareToken.OwnerUserID,
			SessionID:       claim.PresenterSessionID,
			SharingCategory: claim.Match.ParticipantA.SharingCategory,
		},
		ParticipantB: model.Participant{
			UserID:          redeemerUserID,
			SharingCategory: category,
		},
		CreatedAt: now,
	}

	match, err := s.store.ClaimQR(ctx, *claim)
	if errors.Is(err, repository.ErrAlreadyScanned) {
		s.logger.Info("QR scan rejected as already scanned",
			util.UserID(redeemerUserID),
			util.String("owner_user_id", shareToken.OwnerUserID),
		)
		s.events.Emit(ctx, events.Event{
			Type:          events.EventQRAlreadyScanned,
			SessionID:     claim.PresenterSessionID,
			UserID:        redeemerUserID,
			CounterpartID: shareToken.OwnerUserID,
			MatchKind:     model.MatchKindQR,
		})
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem share token: %w", err)
	}

	if match.Token != token {
		// Idempotent rescan by the original redeemer.
		return match, nil
	}

	s.logger.Info("QR match created",
		util.UserID(redeemerUserID),
		util.String("owner_user_id", shareToken.OwnerUserID),
		util.Bool("presentation", match.ParticipantA.SessionID != ""),
		util.MatchToken(match.Token),
	)
	if match.ParticipantA.SessionID != "" {
		s.publishPresenter(ctx, match.ParticipantA.SessionID)
	}
	s.events.Emit(ctx, events.Event{
		Type:            events.EventMatchCreated,
		SessionID:       match.ParticipantA.SessionID,
		UserID:          redeemerUserID,
		CounterpartID:   shareToken.OwnerUserID,
		MatchKind:       model.MatchKindQR,
		SharingCategory: category,
	})
	return match, nil
}

// resolve looks the token up under every pepper version.
func (s *QRService) resolve(ctx context.Context, rawToken string) (*model.QRShareToken, error) {
	for _, digest := range s.hasher.CandidateDigests(rawToken) {
		t, err := s.tokens.GetByDigest(ctx, digest)
		if err == nil {
			t.Digest = digest
			return t, nil
		}
		if !errors.Is(err, repository.ErrShareTokenNotFound) {
			return nil, fmt.Errorf("failed to resolve share token: %w", err)
		}
	}
	return nil, ErrShareTokenNotFound
}

// claimFor picks the claim window of a scan according to the configured
// scope. Only ParticipantA.SharingCategory of the returned Match is set.
func (s *QRService) claimFor(ctx context.Context, shareToken *model.QRShareToken, redeemer string, now time.Time) (*repository.QRClaim, error) {
	claim := &repository.QRClaim{
		Claimant: redeemer,
		Grace:    s.cfg.QRGraceWindow,
		Now:      now,
		Match: &model.Match{
			ParticipantA: model.Participant{SharingCategory: shareToken.SharingCategory},
		},
	}

	if s.cfg.QRClaimScope == config.ClaimScopeToken {
		claim.ClaimKey = "token:" + shareToken.Digest
		return claim, nil
	}

	presenter, err := s.store.OpenPresentation(ctx, shareToken.OwnerUserID)
	switch {
	case errors.Is(err, repository.ErrSessionNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load presentation: %w", err)
	case presentationActive(presenter, now):
		claim.ClaimKey = presenter.SessionID
		claim.PresenterSessionID = presenter.SessionID
		claim.Match.ParticipantA.SharingCategory = presenter.SharingCategory
		return claim, nil
	}

	claim.ClaimKey = "scan:" + shareToken.Digest + ":" + redeemer
	return claim, nil
}

// presentationActive reports whether a presenter session still defines a
// claim window: open for scanning, or already consumed by a scan.
func presentationActive(sess *model.ExchangeSession, now time.Time) bool {
	switch sess.State {
	case model.StateWaitingForBump:
		return !sess.IsExpired(now)
	case model.StateQRScanMatched:
		return true
	}
	return false
}

func (s *QRService) publishPresenter(ctx context.Context, sessionID string) {
	if s.notifier == nil {
		return
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		s.logger.Warn("Failed to load presenter session", util.SessionID(sessionID), zap.Error(err))
		return
	}
	if err := s.notifier.Publish(ctx, sess.View()); err != nil {
		s.logger.Warn("Failed to publish presenter view", util.SessionID(sessionID), zap.Error(err))
	}
}
