package bucketing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-service/internal/bucketing"
	"exchange-service/internal/config"
)

func setupTestFixture(t *testing.T) *bucketing.BucketingManager {
	t.Helper()
	cfg := &config.Config{Bucketing: config.BucketingConfig{ProximityBuckets: 4096, UserBuckets: 64}}
	return bucketing.NewBucketingManager(cfg)
}

func TestProximityBucket(t *testing.T) {
	bm := setupTestFixture(t)

	assert.Empty(t, bm.ProximityBucket(""))
	assert.Empty(t, bm.ProximityBucket("   "))

	a := bm.ProximityBucket("Cell 310-260-1234")
	require.NotEmpty(t, a)
	assert.Equal(t, a, bm.ProximityBucket("  cell   310-260-1234 "))
	assert.Equal(t, a, bm.ProximityBucket("cell 310-260-1234"))
}

func TestGetUserBucket(t *testing.T) {
	bm := setupTestFixture(t)

	for _, id := range []string{"user-a", "user-b", "6f1c3a52-3f44-4a4e-9d0e-0c0f5ad1a001"} {
		bucket := bm.GetUserBucket(id)
		assert.GreaterOrEqual(t, bucket, 0)
		assert.Less(t, bucket, 64)
		assert.Equal(t, bucket, bm.GetUserBucket(id))
	}
}
