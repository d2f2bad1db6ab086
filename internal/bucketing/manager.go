package bucketing

import (
	"hash"
	"strconv"
	"sync"

	"github.com/spaolacci/murmur3"

	"exchange-service/internal/config"
	"exchange-service/internal/util"
)

// proximitySeed separates proximity buckets from user partition buckets so
// the same string never lands in correlated slots.
const proximitySeed = 0x5eed

type BucketingManager struct {
	proximityBuckets int
	userBuckets      int
	hasherPool       sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		proximityBuckets: cfg.Bucketing.ProximityBuckets,
		userBuckets:      cfg.Bucketing.UserBuckets,
	}

	// Pool hashers to avoid allocation on every hit
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// ProximityBucket maps a coarse proximity signal (cell id, wifi BSSID
// prefix, geohash cell) to a bucket label. Two hits are only compared when
// their labels are equal. An absent signal yields an empty label.
func (bm *BucketingManager) ProximityBucket(signal string) string {
	normalized := util.NormalizeSignal(signal)
	if normalized == "" {
		return ""
	}
	h := murmur3.New64WithSeed(proximitySeed)
	_, _ = h.Write([]byte(normalized))
	return strconv.FormatUint(h.Sum64()%uint64(bm.proximityBuckets), 10)
}

// GetUserBucket returns the partition bucket (0 to userBuckets-1) of a user.
func (bm *BucketingManager) GetUserBucket(userID string) int {
	return bm.getBucket(userID, bm.userBuckets)
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}
