package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"exchange-service/internal/client"
	"exchange-service/internal/encryption"
	"exchange-service/internal/model"
	"exchange-service/internal/repository"
)

const (
	shareTokenPrefix      = "exchange:qr_token:"
	ownerShareTokenPrefix = "exchange:qr_owner:"
)

var _ repository.ShareTokenRepository = (*ShareTokenCache)(nil)

// ShareTokenCache persists share tokens without expiry when Scylla is not
// deployed. The owner record carries the raw token sealed by the
// encryption manager.
type ShareTokenCache struct {
	client *client.RedisClient
	crypto *encryption.EncryptionManager
}

func NewShareTokenCache(client *client.RedisClient, crypto *encryption.EncryptionManager) *ShareTokenCache {
	return &ShareTokenCache{client: client, crypto: crypto}
}

func (c *ShareTokenCache) Save(ctx context.Context, token *model.QRShareToken) error {
	ctx, cancel := c.client.WithContext(ctx, storeCallTimeout)
	defer cancel()

	sealed, err := c.crypto.Encrypt(ctx, []byte(token.Token))
	if err != nil {
		return fmt.Errorf("failed to encrypt share token: %w", err)
	}
	sealedJSON, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("failed to encode share token: %w", err)
	}

	createdMs := token.CreatedAt.UnixMilli()
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, shareTokenPrefix+token.Digest,
		"owner", token.OwnerUserID,
		"category", string(token.SharingCategory),
		"created_at", createdMs)
	pipe.HSet(ctx, ownerShareTokenPrefix+token.OwnerUserID,
		"digest", token.Digest,
		"sealed", string(sealedJSON),
		"category", string(token.SharingCategory),
		"created_at", createdMs)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store share token: %w", err)
	}
	return nil
}

func (c *ShareTokenCache) GetByDigest(ctx context.Context, digest string) (*model.QRShareToken, error) {
	ctx, cancel := c.client.WithContext(ctx, storeCallTimeout)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, shareTokenPrefix+digest)
	if err != nil {
		return nil, fmt.Errorf("failed to load share token: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrShareTokenNotFound
	}
	createdAt, err := parseMillis(fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to decode share token: %w", err)
	}
	return &model.QRShareToken{
		Digest:          digest,
		OwnerUserID:     fields["owner"],
		SharingCategory: model.SharingCategory(fields["category"]),
		CreatedAt:       createdAt,
	}, nil
}

func (c *ShareTokenCache) GetByOwner(ctx context.Context, ownerUserID string) (*model.QRShareToken, error) {
	ctx, cancel := c.client.WithContext(ctx, storeCallTimeout)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, ownerShareTokenPrefix+ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load owner share token: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrShareTokenNotFound
	}

	var sealed encryption.EncryptedData
	if err := json.Unmarshal([]byte(fields["sealed"]), &sealed); err != nil {
		return nil, fmt.Errorf("failed to decode share token: %w", err)
	}
	raw, err := c.crypto.Decrypt(ctx, &sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt share token: %w", err)
	}
	createdAt, err := parseMillis(fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to decode share token: %w", err)
	}
	return &model.QRShareToken{
		Token:           string(raw),
		Digest:          fields["digest"],
		OwnerUserID:     ownerUserID,
		SharingCategory: model.SharingCategory(fields["category"]),
		CreatedAt:       createdAt,
	}, nil
}
