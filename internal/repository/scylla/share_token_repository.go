package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"exchange-service/internal/encryption"
	"exchange-service/internal/model"
	"exchange-service/internal/repository"
)

var _ repository.ShareTokenRepository = (*ShareTokenRepository)(nil)

// ShareTokenRepository keys share tokens by digest. The raw token is kept
// only in the per-owner row, encrypted, so the owner can render the QR again.
type ShareTokenRepository struct {
	client *ScyllaClient
	crypto *encryption.EncryptionManager
}

func NewShareTokenRepository(client *ScyllaClient, crypto *encryption.EncryptionManager) *ShareTokenRepository {
	return &ShareTokenRepository{client: client, crypto: crypto}
}

func (r *ShareTokenRepository) Save(ctx context.Context, token *model.QRShareToken) error {
	sealed, err := r.crypto.Encrypt(ctx, []byte(token.Token))
	if err != nil {
		return fmt.Errorf("failed to encrypt share token: %w", err)
	}

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(r.client.Statements.InsertShareToken,
		token.Digest, token.OwnerUserID, string(token.SharingCategory), token.CreatedAt)
	batch.Query(r.client.Statements.UpsertOwnerShareToken,
		token.OwnerUserID, token.Digest, sealed.EncryptedValue, sealed.EncryptedDEK, sealed.KeyID,
		string(token.SharingCategory), token.CreatedAt)

	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to store share token: %w", err)
	}
	return nil
}

func (r *ShareTokenRepository) GetByDigest(ctx context.Context, digest string) (*model.QRShareToken, error) {
	var (
		owner, category string
		createdAt       time.Time
	)
	q := r.client.Query(ctx, r.client.Statements.GetShareTokenByDigest, digest)
	if err := r.client.ScanWithRetry(q, &owner, &category, &createdAt); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrShareTokenNotFound
		}
		return nil, fmt.Errorf("failed to load share token: %w", err)
	}
	return &model.QRShareToken{
		Digest:          digest,
		OwnerUserID:     owner,
		SharingCategory: model.SharingCategory(category),
		CreatedAt:       createdAt,
	}, nil
}

func (r *ShareTokenRepository) GetByOwner(ctx context.Context, ownerUserID string) (*model.QRShareToken, error) {
	var (
		digest, category string
		sealed           encryption.EncryptedData
		createdAt        time.Time
	)
	q := r.client.Query(ctx, r.client.Statements.GetOwnerShareToken, ownerUserID)
	err := r.client.ScanWithRetry(q, &digest, &sealed.EncryptedValue, &sealed.EncryptedDEK, &sealed.KeyID, &category, &createdAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrShareTokenNotFound
		}
		return nil, fmt.Errorf("failed to load owner share token: %w", err)
	}

	raw, err := r.crypto.Decrypt(ctx, &sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt share token: %w", err)
	}
	return &model.QRShareToken{
		Token:           string(raw),
		Digest:          digest,
		OwnerUserID:     ownerUserID,
		SharingCategory: model.SharingCategory(category),
		CreatedAt:       createdAt,
	}, nil
}
