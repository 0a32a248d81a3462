package scylla

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"passwordless-auth/internal/bucketing"
	"passwordless-auth/internal/model"
	"passwordless-auth/internal/repository"
	"passwordless-auth/internal/util"
)

const (
	userColumns = `user_bucket, user_id, email, phone, is_verified, last_login, created_at`

	claimContact = `INSERT INTO users_by_contact (contact_type, contact_value, user_bucket, user_id, created_at)
		VALUES (?, ?, ?, ?, ?) IF NOT EXISTS`

	insertUser = `INSERT INTO users (user_bucket, user_id, email, phone, is_verified, last_login, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	selectUser = `SELECT ` + userColumns + ` FROM users WHERE user_bucket = ? AND user_id = ?`

	recordUserLogin = `UPDATE users SET is_verified = true, last_login = ?, last_seen_at = ?
		WHERE user_bucket = ? AND user_id = ? IF EXISTS`

	selectStaleUsers = `SELECT ` + userColumns + ` FROM users
		WHERE user_bucket = ? AND last_seen_at < ? ALLOW FILTERING`

	deleteUser        = `DELETE FROM users WHERE user_bucket = ? AND user_id = ?`
	deleteUserContact = `DELETE FROM users_by_contact WHERE contact_type = ? AND contact_value = ?`
	deleteUserProfile = `DELETE FROM user_profiles WHERE user_id = ?`

	selectProfile = `SELECT display_name, onboarding_completed, updated_at FROM user_profiles WHERE user_id = ?`
)

// UserRepository spreads users over murmur3 buckets; the bucket is derived
// from the id, so lookups by id need no index.
type UserRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewUserRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *UserRepository {
	return &UserRepository{client: client, buckets: buckets}
}

// GetOrCreate claims the contact with a lightweight transaction; the loser
// of a concurrent first login reads the winner's user.
func (r *UserRepository) GetOrCreate(ctx context.Context, contact model.Contact, now time.Time) (*model.User, bool, error) {
	user := model.NewUserFor(uuid.NewString(), contact, now)
	user.Bucket = r.buckets.GetUserBucket(user.ID)

	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, claimContact, contact.Type, contact.Value, user.Bucket, user.ID, now).
		MapScanCAS(existing)
	if err != nil {
		util.Error("Failed to claim contact", zap.String("contact_hash", contact.Hash()), zap.Error(err))
		return nil, false, fmt.Errorf("failed to claim contact: %w", err)
	}

	if !applied {
		ownerID, _ := existing["user_id"].(string)
		owner, err := r.GetByID(ctx, ownerID)
		if err == nil {
			return owner, false, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, false, err
		}
		// contact claimed but the user row never landed; finish the write
		user.ID = ownerID
		user.Bucket, _ = existing["user_bucket"].(int)
		if created, _ := existing["created_at"].(time.Time); !created.IsZero() {
			user.CreatedAt = created
		}
	}

	query := r.client.Query(ctx, insertUser,
		user.Bucket, user.ID, user.Email, user.Phone, user.IsVerified, nil, user.CreatedAt, user.CreatedAt)
	if err := r.client.ExecuteWithRetry(ctx, query, 2); err != nil {
		util.Error("Failed to create user", zap.String("user_id", user.ID), zap.Error(err))
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("User created",
		zap.String("user_id", user.ID),
		zap.Int("bucket", user.Bucket),
		zap.String("contact_type", string(contact.Type)))
	return user, applied, nil
}

func (r *UserRepository) GetByID(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, repository.ErrNotFound
	}
	user, err := scanUser(r.client.Query(ctx, selectUser, r.buckets.GetUserBucket(userID), userID).Iter())
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, repository.ErrNotFound
	}
	return user, nil
}

func (r *UserRepository) RecordLogin(ctx context.Context, user *model.User, now time.Time) error {
	applied, err := r.client.Query(ctx, recordUserLogin, now, now, r.buckets.GetUserBucket(user.ID), user.ID).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to record login", zap.String("user_id", user.ID), zap.Error(err))
		return fmt.Errorf("failed to record login: %w", err)
	}
	if !applied {
		return repository.ErrNotFound
	}
	user.IsVerified = true
	user.LastLogin = now
	return nil
}

// ListStale walks buckets in order. The cursor is the bucket number followed
// by the driver's page state within that bucket.
func (r *UserRepository) ListStale(ctx context.Context, cutoff time.Time, limit int, cursor []byte) ([]*model.User, []byte, error) {
	bucket, pageState := decodeCursor(cursor)
	total := r.buckets.UserBuckets()

	for bucket < total {
		iter := r.client.Query(ctx, selectStaleUsers, bucket, cutoff).
			PageSize(limit).
			PageState(pageState).
			Iter()
		next := iter.PageState()

		var users []*model.User
		for {
			u, ok := scanUserRow(iter)
			if !ok {
				break
			}
			users = append(users, u)
		}
		if err := iter.Close(); err != nil {
			return nil, nil, fmt.Errorf("failed to list stale users: %w", err)
		}

		switch {
		case len(next) > 0:
			return users, encodeCursor(bucket, next), nil
		case bucket+1 < total:
			if len(users) > 0 {
				return users, encodeCursor(bucket+1, nil), nil
			}
		default:
			return users, nil, nil
		}
		bucket++
		pageState = nil
	}
	return nil, nil, nil
}

func (r *UserRepository) Delete(ctx context.Context, user *model.User) error {
	contact := user.Contact()
	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(deleteUser, r.buckets.GetUserBucket(user.ID), user.ID)
	batch.Query(deleteUserContact, contact.Type, contact.Value)
	batch.Query(deleteUserProfile, user.ID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to delete user", zap.String("user_id", user.ID), zap.Error(err))
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

func (r *UserRepository) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	p := &model.Profile{UserID: userID}
	err := r.client.Query(ctx, selectProfile, userID).Scan(&p.DisplayName, &p.OnboardingCompleted, &p.UpdatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

func scanUser(iter *gocql.Iter) (*model.User, error) {
	u, ok := scanUserRow(iter)
	if err := iter.Close(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return u, nil
}

func scanUserRow(iter *gocql.Iter) (*model.User, bool) {
	u := &model.User{}
	ok := iter.Scan(&u.Bucket, &u.ID, &u.Email, &u.Phone, &u.IsVerified, &u.LastLogin, &u.CreatedAt)
	return u, ok
}

func encodeCursor(bucket int, pageState []byte) []byte {
	out := make([]byte, 4, 4+len(pageState))
	binary.BigEndian.PutUint32(out, uint32(bucket))
	return append(out, pageState...)
}

func decodeCursor(cursor []byte) (int, []byte) {
	if len(cursor) < 4 {
		return 0, nil
	}
	return int(binary.BigEndian.Uint32(cursor[:4])), cursor[4:]
}
