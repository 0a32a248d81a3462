package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"passwordless-auth/internal/model"
	"passwordless-auth/internal/util"
)

const (
	insertBlacklistEntry = `INSERT INTO blacklist_entries
		(contact_type, contact_value, blacklisted_at, entry_id, reason, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	selectBlacklistByContact = `SELECT entry_id, blacklisted_at, reason, expires_at FROM blacklist_entries
		WHERE contact_type = ? AND contact_value = ?`

	selectExpiredBlacklist = `SELECT contact_type, contact_value, blacklisted_at, entry_id FROM blacklist_entries
		WHERE expires_at <= ? LIMIT ? ALLOW FILTERING`

	selectBlacklistCreatedBefore = `SELECT contact_type, contact_value, blacklisted_at, entry_id FROM blacklist_entries
		WHERE blacklisted_at < ? LIMIT ? ALLOW FILTERING`

	deleteBlacklistEntry = `DELETE FROM blacklist_entries
		WHERE contact_type = ? AND contact_value = ? AND blacklisted_at = ? AND entry_id = ? IF EXISTS`
)

type BlacklistRepository struct {
	client *ScyllaClient
}

func NewBlacklistRepository(client *ScyllaClient) *BlacklistRepository {
	return &BlacklistRepository{client: client}
}

func (r *BlacklistRepository) Add(ctx context.Context, entry *model.BlacklistEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	query := r.client.Query(ctx, insertBlacklistEntry,
		entry.Contact.Type, entry.Contact.Value, entry.BlacklistedAt, entry.ID, entry.Reason, entry.ExpiresAt)

	if err := r.client.ExecuteWithRetry(ctx, query, 2); err != nil {
		util.Error("Failed to add blacklist entry",
			zap.String("entry_id", entry.ID),
			zap.String("contact_hash", entry.Contact.Hash()),
			zap.Error(err))
		return fmt.Errorf("failed to add blacklist entry: %w", err)
	}
	return nil
}

// ListActive relies on the partition's descending clustering order.
func (r *BlacklistRepository) ListActive(ctx context.Context, contact model.Contact, now time.Time) ([]*model.BlacklistEntry, error) {
	iter := r.client.Query(ctx, selectBlacklistByContact, contact.Type, contact.Value).Iter()

	var out []*model.BlacklistEntry
	for {
		e := &model.BlacklistEntry{Contact: contact}
		var reason string
		if !iter.Scan(&e.ID, &e.BlacklistedAt, &reason, &e.ExpiresAt) {
			break
		}
		e.Reason = model.BlacklistReason(reason)
		if e.IsActive(now) {
			out = append(out, e)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list blacklist entries: %w", err)
	}
	return out, nil
}

func (r *BlacklistRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	return r.deleteSelected(ctx, "expired", selectExpiredBlacklist, now, limit)
}

func (r *BlacklistRepository) DeleteCreatedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return r.deleteSelected(ctx, "retention", selectBlacklistCreatedBefore, cutoff, limit)
}

func (r *BlacklistRepository) deleteSelected(ctx context.Context, kind, stmt string, bound time.Time, limit int) (int, error) {
	iter := r.client.Query(ctx, stmt, bound, limit).Iter()

	type key struct {
		contactType, contactValue, id string
		blacklistedAt                 time.Time
	}
	var keys []key
	var k key
	for iter.Scan(&k.contactType, &k.contactValue, &k.blacklistedAt, &k.id) {
		keys = append(keys, k)
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to select %s blacklist entries: %w", kind, err)
	}

	deleted := 0
	for _, k := range keys {
		applied, err := r.client.Query(ctx, deleteBlacklistEntry, k.contactType, k.contactValue, k.blacklistedAt, k.id).
			MapScanCAS(map[string]interface{}{})
		if err != nil {
			util.Error("Failed to delete blacklist entry", zap.String("entry_id", k.id), zap.Error(err))
			return deleted, fmt.Errorf("failed to delete %s blacklist entries: %w", kind, err)
		}
		if applied {
			deleted++
		}
	}
	return deleted, nil
}
