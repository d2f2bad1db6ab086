package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"exchange-service/internal/client"
	"exchange-service/internal/config"
	"exchange-service/internal/encryption"
	"exchange-service/internal/model"
	"exchange-service/internal/repository"
	"exchange-service/internal/repository/redis"
	"exchange-service/internal/repository/storetest"
)

func setupTestFixture(t *testing.T) (*miniredis.Miniredis, *client.RedisClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return mr, client.WrapRedisClient(rc)
}

func TestExchangeStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		mr, rc := setupTestFixture(t)
		return storetest.Harness{
			Store:   redis.NewExchangeStore(rc, storetest.Options),
			Advance: mr.FastForward,
		}
	})
}

func TestExchangeStore_SessionKeyOutlivesWindowByRetention(t *testing.T) {
	mr, rc := setupTestFixture(t)
	store := redis.NewExchangeStore(rc, storetest.Options)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, sessionAt("session-a1")))

	ttl := mr.TTL("exchange:session:session-a1")
	require.Equal(t, 30*time.Second+storetest.Options.SessionRetention, ttl)

	mr.FastForward(ttl + time.Second)
	require.False(t, mr.Exists("exchange:session:session-a1"))
}

func TestRateLimitCache_SlidingWindow(t *testing.T) {
	_, rc := setupTestFixture(t)
	limiter := redis.NewRateLimitCache(rc)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		allowed, count, err := limiter.SlidingWindowRateLimit(ctx, "hit:10.0.0.1", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, allowed)
		require.Equal(t, i, count)
	}

	allowed, count, err := limiter.SlidingWindowRateLimit(ctx, "hit:10.0.0.1", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, 3, count)

	allowed, _, err = limiter.SlidingWindowRateLimit(ctx, "hit:10.0.0.2", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestExchangeStore_CrowdedWindowKeepsClosestHits(t *testing.T) {
	_, rc := setupTestFixture(t)
	store := redis.NewExchangeStore(rc, storetest.Options)
	store.CandidateScanSize = 2
	ctx := context.Background()

	at := storetest.Base.Add(10 * time.Second)
	offsets := map[string]time.Duration{
		"session-early-1": -1400 * time.Millisecond,
		"session-early-2": -1300 * time.Millisecond,
		"session-early-3": -1200 * time.Millisecond,
		"session-near-1":  -30 * time.Millisecond,
		"session-near-2":  50 * time.Millisecond,
	}
	for id, offset := range offsets {
		require.NoError(t, store.CreateSession(ctx, sessionAt(id)))
		_, err := store.RecordHit(ctx, id, model.Hit{Timestamp: at.Add(offset)}, at)
		require.NoError(t, err)
	}

	found, err := store.FindCandidates(ctx, at.Add(-1500*time.Millisecond), at.Add(1500*time.Millisecond))
	require.NoError(t, err)
	ids := make([]string, 0, len(found))
	for _, s := range found {
		ids = append(ids, s.SessionID)
	}
	require.Contains(t, ids, "session-near-1")
	require.Contains(t, ids, "session-near-2")
	require.NotContains(t, ids, "session-early-1")
}

func sessionAt(id string) *model.ExchangeSession {
	return &model.ExchangeSession{
		SessionID:       id,
		SharingCategory: model.CategoryAll,
		CreatedAt:       storetest.Base,
		ExpiresAt:       storetest.Base.Add(30 * time.Second),
		State:           model.StateWaitingForBump,
	}
}

func TestShareTokenCache_RoundTrip(t *testing.T) {
	mr, rc := setupTestFixture(t)
	crypto := encryption.NewEncryptionManager(&config.Config{KMS: config.KMSConfig{LocalKey: "share-token-key"}}, nil)
	cache := redis.NewShareTokenCache(rc, crypto)
	ctx := context.Background()

	token := &model.QRShareToken{
		Token:           "raw-share-token-value",
		Digest:          "v1.digest-abc",
		OwnerUserID:     "user-owner-1",
		SharingCategory: model.CategoryWork,
		CreatedAt:       storetest.Base,
	}
	require.NoError(t, cache.Save(ctx, token))

	byDigest, err := cache.GetByDigest(ctx, "v1.digest-abc")
	require.NoError(t, err)
	require.Equal(t, "user-owner-1", byDigest.OwnerUserID)
	require.Equal(t, model.CategoryWork, byDigest.SharingCategory)
	require.Empty(t, byDigest.Token)
	require.True(t, storetest.Base.Equal(byDigest.CreatedAt))

	byOwner, err := cache.GetByOwner(ctx, "user-owner-1")
	require.NoError(t, err)
	require.Equal(t, "raw-share-token-value", byOwner.Token)
	require.Equal(t, "v1.digest-abc", byOwner.Digest)

	stored := mr.HGet("exchange:qr_owner:user-owner-1", "sealed")
	require.NotContains(t, stored, "raw-share-token-value")

	_, err = cache.GetByDigest(ctx, "v1.unknown")
	require.ErrorIs(t, err, repository.ErrShareTokenNotFound)
}
