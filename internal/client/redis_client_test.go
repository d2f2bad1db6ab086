package client_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-service/internal/client"
)

func setupTestFixture(t *testing.T) (*miniredis.Miniredis, *client.RedisClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return mr, client.WrapRedisClient(rc)
}

func TestRedisClient_HealthCheck(t *testing.T) {
	mr, rc := setupTestFixture(t)
	require.NoError(t, rc.HealthCheck(context.Background()))
	assert.False(t, mr.Exists("exchange:healthcheck"))

	mr.Close()
	assert.Error(t, rc.HealthCheck(context.Background()))
}

func TestRedisClient_ScoreRangesScanOutward(t *testing.T) {
	_, rc := setupTestFixture(t)
	ctx := context.Background()
	for member, score := range map[string]float64{"a": 100, "b": 200, "c": 300, "d": 400} {
		require.NoError(t, rc.Client.ZAdd(ctx, "hits", redis.Z{Score: score, Member: member}).Err())
	}

	down, err := rc.ZRevRangeByScore(ctx, "hits", "100", "300", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, down)

	up, err := rc.ZRangeByScore(ctx, "hits", "(200", "400", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, up)
}
