package scylla

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCursorRoundTrip(t *testing.T) {
	bucket, state := decodeCursor(encodeCursor(17, []byte{0xde, 0xad}))
	assert.Equal(t, 17, bucket)
	assert.Equal(t, []byte{0xde, 0xad}, state)

	bucket, state = decodeCursor(encodeCursor(3, nil))
	assert.Equal(t, 3, bucket)
	assert.Empty(t, state)
}

func TestDecodeCursorStartsAtFirstBucket(t *testing.T) {
	bucket, state := decodeCursor(nil)
	assert.Zero(t, bucket)
	assert.Nil(t, state)

	bucket, _ = decodeCursor([]byte{1, 2})
	assert.Zero(t, bucket)
}

func TestSchemaCoversEveryTable(t *testing.T) {
	tables := []string{"otp_records", "blacklist_entries", "refresh_tokens", "refresh_tokens_by_user", "users", "users_by_contact", "user_profiles"}
	joined := ""
	for _, stmt := range schema {
		joined += stmt
	}
	for _, table := range tables {
		assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}
