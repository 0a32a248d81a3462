package bucketing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"passwordless-auth/internal/config"
)

func TestGetUserBucketIsStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{UserBuckets: 16})

	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("user-%d", i)
		b := bm.GetUserBucket(id)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
		assert.Equal(t, b, bm.GetUserBucket(id))
		seen[b] = true
	}
	assert.Len(t, seen, 16, "1000 ids should touch every bucket")
}

func TestNonPositiveBucketCountFallsBackToOne(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{})
	assert.Equal(t, 1, bm.UserBuckets())
	assert.Equal(t, 0, bm.GetUserBucket("anyone"))
}
