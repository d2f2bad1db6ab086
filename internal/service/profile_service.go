package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"exchange-service/internal/model"
	"exchange-service/internal/repository"
	"exchange-service/internal/util"
)

const (
	maxProfileEntries = 64
	maxFieldLength    = 512
)

// ProfileService resolves a match token to the counterpart's profile,
// filtered to the sharing category the counterpart chose at match time.
type ProfileService struct {
	store    repository.ExchangeStore
	profiles repository.ProfileRepository
	logger   *zap.Logger

	NowTimeFunc func() time.Time
}

func NewProfileService(store repository.ExchangeStore, profiles repository.ProfileRepository, logger *zap.Logger) *ProfileService {
	return &ProfileService{
		store:       store,
		profiles:    profiles,
		logger:      logger,
		NowTimeFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Pair returns the counterpart profile for an authenticated participant.
// The first fetch by a user not yet recorded on the match binds them to an
// empty participant slot; sessionHint picks the slot of their own session.
func (s *ProfileService) Pair(ctx context.Context, token, userID, sessionHint string) (*model.Profile, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	match, err := s.store.BindParticipant(ctx, token, userID, sessionHint)
	if err != nil {
		return nil, err
	}
	counterpart, ok := match.Counterpart(userID)
	if !ok {
		return nil, ErrAlreadyScanned
	}
	if counterpart.UserID == "" {
		return nil, ErrProfileUnavailable
	}

	profile, err := s.profiles.GetProfile(ctx, counterpart.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrProfileNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load counterpart profile: %w", err)
	}

	s.logger.Debug("Paired profile resolved",
		util.UserID(userID),
		util.MatchToken(token),
		util.String("category", string(counterpart.SharingCategory)),
	)
	return profile.Filter(counterpart.SharingCategory), nil
}

// Preview is the limited view shown before the requester authenticates.
// The requester is identified by user id when known, else by session id.
func (s *ProfileService) Preview(ctx context.Context, token, userID, sessionHint string) (*model.ProfilePreview, error) {
	match, err := s.store.GetMatch(ctx, token)
	if err != nil {
		return nil, err
	}

	counterpart, ok := match.Counterpart(userID)
	if !ok {
		counterpart, ok = match.CounterpartOfSession(sessionHint)
	}
	if !ok {
		// Non-participants learn nothing about the match.
		return nil, ErrMatchNotFound
	}
	if counterpart.UserID == "" {
		return nil, ErrProfileUnavailable
	}

	profile, err := s.profiles.GetProfile(ctx, counterpart.UserID)
	if err != nil {
		return nil, err
	}
	return &model.ProfilePreview{
		Name:              profile.Name,
		ProfileImage:      profile.ProfileImage,
		SharingCategory:   counterpart.SharingCategory,
		DisclosedSections: model.DisclosedSections(counterpart.SharingCategory),
	}, nil
}

func (s *ProfileService) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	return s.profiles.GetProfile(ctx, userID)
}

// UpsertProfile stores the caller's own profile after validation.
func (s *ProfileService) UpsertProfile(ctx context.Context, userID string, profile *model.Profile) (*model.Profile, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if err := validateProfile(profile); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	stored := *profile
	stored.UserID = userID
	stored.Name = util.SanitizeInput(profile.Name)
	stored.Bio = util.SanitizeInput(profile.Bio)
	stored.UpdatedAt = s.NowTimeFunc()

	if err := s.profiles.UpsertProfile(ctx, &stored); err != nil {
		return nil, fmt.Errorf("failed to store profile: %w", err)
	}

	s.logger.Info("Profile updated",
		util.UserID(userID),
		util.Int("entries", len(stored.Entries)),
	)
	return &stored, nil
}

func validateProfile(p *model.Profile) error {
	if p == nil {
		return errors.New("profile is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	if len(p.Entries) > maxProfileEntries {
		return fmt.Errorf("at most %d entries allowed", maxProfileEntries)
	}
	for _, field := range []string{p.Name, p.Bio, p.ProfileImage} {
		if len(field) > maxFieldLength {
			return fmt.Errorf("field exceeds %d characters", maxFieldLength)
		}
	}
	for i, e := range p.Entries {
		switch e.Section {
		case model.SectionUniversal, model.SectionPersonal, model.SectionWork:
		default:
			return fmt.Errorf("entry %d: unknown section %q", i, e.Section)
		}
		if e.Field == "" || len(e.Value) > maxFieldLength {
			return fmt.Errorf("entry %d: invalid field", i)
		}
		if util.ContainsSuspicious(e.Value) {
			return fmt.Errorf("entry %d: value rejected", i)
		}
	}
	return nil
}
