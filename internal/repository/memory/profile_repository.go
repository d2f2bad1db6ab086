package memory

import (
	"context"
	"sync"

	"exchange-service/internal/model"
	"exchange-service/internal/repository"
)

var (
	_ repository.ProfileRepository    = (*ProfileRepository)(nil)
	_ repository.ShareTokenRepository = (*ShareTokenRepository)(nil)
)

type ProfileRepository struct {
	mu       sync.RWMutex
	profiles map[string]*model.Profile
}

func NewProfileRepository() *ProfileRepository {
	return &ProfileRepository{profiles: make(map[string]*model.Profile)}
}

func (r *ProfileRepository) GetProfile(_ context.Context, userID string) (*model.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[userID]
	if !ok {
		return nil, repository.ErrProfileNotFound
	}
	return cloneProfile(p), nil
}

func (r *ProfileRepository) UpsertProfile(_ context.Context, profile *model.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.profiles[profile.UserID] = cloneProfile(profile)
	return nil
}

func (r *ProfileRepository) HealthCheck(context.Context) error {
	return nil
}

func cloneProfile(p *model.Profile) *model.Profile {
	out := *p
	out.Entries = append([]model.ContactEntry(nil), p.Entries...)
	return &out
}

type ShareTokenRepository struct {
	mu       sync.RWMutex
	byDigest map[string]*model.QRShareToken
	byOwner  map[string]*model.QRShareToken
}

func NewShareTokenRepository() *ShareTokenRepository {
	return &ShareTokenRepository{
		byDigest: make(map[string]*model.QRShareToken),
		byOwner:  make(map[string]*model.QRShareToken),
	}
}

func (r *ShareTokenRepository) Save(_ context.Context, token *model.QRShareToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *token
	r.byDigest[token.Digest] = &stored
	r.byOwner[token.OwnerUserID] = &stored
	return nil
}

func (r *ShareTokenRepository) GetByDigest(_ context.Context, digest string) (*model.QRShareToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.byDigest[digest]
	if !ok {
		return nil, repository.ErrShareTokenNotFound
	}
	out := *t
	out.Token = ""
	return &out, nil
}

func (r *ShareTokenRepository) GetByOwner(_ context.Context, ownerUserID string) (*model.QRShareToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.byOwner[ownerUserID]
	if !ok {
		return nil, repository.ErrShareTokenNotFound
	}
	out := *t
	return &out, nil
}
