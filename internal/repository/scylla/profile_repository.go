package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"exchange-service/internal/bucketing"
	"exchange-service/internal/encryption"
	"exchange-service/internal/model"
	"exchange-service/internal/repository"
	"exchange-service/internal/util"
)

var _ repository.ProfileRepository = (*ProfileRepository)(nil)

// ProfileRepository stores profiles as encrypted JSON envelopes partitioned
// by user bucket.
type ProfileRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
	crypto    *encryption.EncryptionManager
}

func NewProfileRepository(client *ScyllaClient, bucketingMgr *bucketing.BucketingManager, crypto *encryption.EncryptionManager) *ProfileRepository {
	return &ProfileRepository{
		client:    client,
		bucketing: bucketingMgr,
		crypto:    crypto,
	}
}

func (r *ProfileRepository) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var (
		envelope  encryption.EncryptedData
		updatedAt time.Time
	)

	q := r.client.Query(ctx, r.client.Statements.GetProfile, r.bucketing.GetUserBucket(userID), userID)
	err := r.client.ScanWithRetry(q,
		&envelope.EncryptedValue, &envelope.EncryptedDEK, &envelope.KeyID, &envelope.Version, &updatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	plaintext, err := r.crypto.Decrypt(ctx, &envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt profile: %w", err)
	}

	var profile model.Profile
	if err := json.Unmarshal(plaintext, &profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	profile.UserID = userID
	profile.UpdatedAt = updatedAt
	return &profile, nil
}

func (r *ProfileRepository) UpsertProfile(ctx context.Context, profile *model.Profile) error {
	payload, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	envelope, err := r.crypto.Encrypt(ctx, payload)
	if err != nil {
		return fmt.Errorf("failed to encrypt profile: %w", err)
	}

	q := r.client.Query(ctx, r.client.Statements.UpsertProfile,
		r.bucketing.GetUserBucket(profile.UserID),
		profile.UserID,
		envelope.EncryptedValue,
		envelope.EncryptedDEK,
		envelope.KeyID,
		envelope.Version,
		profile.UpdatedAt,
	)
	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		util.Error("failed to store profile", util.UserID(profile.UserID), zap.Error(err))
		return fmt.Errorf("failed to store profile: %w", err)
	}
	return nil
}

func (r *ProfileRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
