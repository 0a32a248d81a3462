package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"

	"passwordless-auth/internal/config"
)

// BucketingManager spreads users over a fixed number of partitions so no
// single Scylla partition holds the whole users table.
type BucketingManager struct {
	userBuckets int
	hasherPool  sync.Pool
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	buckets := cfg.UserBuckets
	if buckets <= 0 {
		buckets = 1
	}
	return &BucketingManager{
		userBuckets: buckets,
		hasherPool: sync.Pool{
			New: func() interface{} { return murmur3.New64() },
		},
	}
}

// GetUserBucket is stable for a given id, in [0, UserBuckets).
func (bm *BucketingManager) GetUserBucket(userID string) int {
	h := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(h)

	h.Reset()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum64() % uint64(bm.userBuckets))
}

func (bm *BucketingManager) UserBuckets() int {
	return bm.userBuckets
}
