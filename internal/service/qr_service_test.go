package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-service/internal/config"
	"exchange-service/internal/model"
	"exchange-service/internal/service"
)

func issue(t *testing.T, f *fixture, owner string, category model.SharingCategory) string {
	t.Helper()
	token, err := f.qr.IssueShareToken(context.Background(), owner, category)
	require.NoError(t, err)
	require.NotEmpty(t, token.Token)
	return token.Token
}

func TestRedeem_PresentationAdmitsOnlyFirstScanner(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	shareToken := issue(t, f, "user-owner", model.CategoryWork)
	f.open(t, "session-owner", "user-owner", model.CategoryPersonal)

	watch, cancel, err := f.hub.Subscribe(ctx, "session-owner")
	require.NoError(t, err)
	defer cancel()

	first, err := f.qr.Redeem(ctx, shareToken, "user-x", model.CategoryAll)
	require.NoError(t, err)
	assert.Equal(t, model.MatchKindQR, first.Kind)
	assert.Equal(t, "session-owner", first.ParticipantA.SessionID)
	assert.Equal(t, model.CategoryPersonal, first.ParticipantA.SharingCategory)
	assert.Equal(t, "user-x", first.ParticipantB.UserID)

	presenter := f.state(t, "session-owner")
	assert.Equal(t, model.StateQRScanMatched, presenter.State)
	assert.Equal(t, first.Token, presenter.MatchToken)
	pushed := <-watch
	assert.Equal(t, model.StateQRScanMatched, pushed.State)

	again, err := f.qr.Redeem(ctx, shareToken, "user-x", model.CategoryAll)
	require.NoError(t, err)
	assert.Equal(t, first.Token, again.Token)

	_, err = f.qr.Redeem(ctx, shareToken, "user-y", model.CategoryAll)
	require.ErrorIs(t, err, service.ErrAlreadyScanned)

	f.clock.Advance(2*time.Minute + time.Second)
	_, err = f.qr.Redeem(ctx, shareToken, "user-x", model.CategoryAll)
	require.ErrorIs(t, err, service.ErrAlreadyScanned)
}

func TestRedeem_LaterPresentationIsIndependent(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	shareToken := issue(t, f, "user-owner", model.CategoryAll)
	f.open(t, "session-owner-1", "user-owner", model.CategoryAll)

	first, err := f.qr.Redeem(ctx, shareToken, "user-x", model.CategoryAll)
	require.NoError(t, err)
	_, err = f.qr.Redeem(ctx, shareToken, "user-y", model.CategoryAll)
	require.ErrorIs(t, err, service.ErrAlreadyScanned)

	f.clock.Advance(time.Minute)
	f.open(t, "session-owner-2", "user-owner", model.CategoryAll)

	later, err := f.qr.Redeem(ctx, shareToken, "user-y", model.CategoryAll)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, later.Token)
	assert.Equal(t, "session-owner-2", later.ParticipantA.SessionID)
}

func TestRedeem_WithoutPresentationEachScannerGetsOwnMatch(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	shareToken := issue(t, f, "user-owner", model.CategoryWork)

	x, err := f.qr.Redeem(ctx, shareToken, "user-x", model.CategoryAll)
	require.NoError(t, err)
	assert.Empty(t, x.ParticipantA.SessionID)
	assert.Equal(t, model.CategoryWork, x.ParticipantA.SharingCategory)

	y, err := f.qr.Redeem(ctx, shareToken, "user-y", model.CategoryAll)
	require.NoError(t, err)
	assert.NotEqual(t, x.Token, y.Token)

	xAgain, err := f.qr.Redeem(ctx, shareToken, "user-x", model.CategoryAll)
	require.NoError(t, err)
	assert.Equal(t, x.Token, xAgain.Token)
}

func TestRedeem_ExpiredPresentationDoesNotBlockScanners(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	shareToken := issue(t, f, "user-owner", model.CategoryAll)
	f.open(t, "session-owner", "user-owner", model.CategoryAll)

	f.clock.Set(45 * time.Second)
	x, err := f.qr.Redeem(ctx, shareToken, "user-x", model.CategoryAll)
	require.NoError(t, err)
	assert.Empty(t, x.ParticipantA.SessionID)

	_, err = f.qr.Redeem(ctx, shareToken, "user-y", model.CategoryAll)
	require.NoError(t, err)
}

func TestRedeem_TokenScope(t *testing.T) {
	f := setupTestFixture(t, func(cfg *config.Config) {
		cfg.Exchange.QRClaimScope = config.ClaimScopeToken
	})
	ctx := context.Background()
	shareToken := issue(t, f, "user-owner", model.CategoryAll)

	x, err := f.qr.Redeem(ctx, shareToken, "user-x", model.CategoryAll)
	require.NoError(t, err)
	_, err = f.qr.Redeem(ctx, shareToken, "user-y", model.CategoryAll)
	require.ErrorIs(t, err, service.ErrAlreadyScanned)

	f.clock.Advance(2*time.Minute + time.Second)
	y, err := f.qr.Redeem(ctx, shareToken, "user-y", model.CategoryAll)
	require.NoError(t, err)
	assert.NotEqual(t, x.Token, y.Token)
}

func TestRedeem_Rejections(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	shareToken := issue(t, f, "user-owner", model.CategoryAll)

	_, err := f.qr.Redeem(ctx, "unknown-share-token", "user-x", model.CategoryAll)
	require.ErrorIs(t, err, service.ErrShareTokenNotFound)

	_, err = f.qr.Redeem(ctx, shareToken, "user-owner", model.CategoryAll)
	require.ErrorIs(t, err, service.ErrSelfRedeem)

	_, err = f.qr.Redeem(ctx, shareToken, "", model.CategoryAll)
	require.ErrorIs(t, err, service.ErrUnauthenticated)
}

func TestEnsureShareToken_IssuesOnce(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	first, err := f.qr.EnsureShareToken(ctx, "user-owner", model.CategoryWork)
	require.NoError(t, err)
	second, err := f.qr.EnsureShareToken(ctx, "user-owner", model.CategoryPersonal)
	require.NoError(t, err)
	assert.Equal(t, first.Token, second.Token)
	assert.Equal(t, model.CategoryWork, second.SharingCategory)

	rotated := issue(t, f, "user-owner", model.CategoryAll)
	assert.NotEqual(t, first.Token, rotated)

	// Printed codes keep working after rotation.
	_, err = f.qr.Redeem(ctx, first.Token, "user-x", model.CategoryAll)
	require.NoError(t, err)
}
