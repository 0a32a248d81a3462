package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"passwordless-auth/internal/model"
	"passwordless-auth/internal/util"
)

type BlacklistRepository struct {
	db DB
}

func NewBlacklistRepository(db DB) *BlacklistRepository {
	return &BlacklistRepository{db: db}
}

func (r *BlacklistRepository) Add(ctx context.Context, entry *model.BlacklistEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	query := `
		INSERT INTO blacklist_entries (id, contact_type, contact_value, reason, blacklisted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Exec(ctx, query,
		entry.ID, string(entry.Contact.Type), entry.Contact.Value, string(entry.Reason), entry.BlacklistedAt, entry.ExpiresAt)
	if err != nil {
		util.Error("Failed to add blacklist entry", zap.String("entry_id", entry.ID), zap.Error(err))
		return fmt.Errorf("failed to add blacklist entry: %w", err)
	}
	return nil
}

func (r *BlacklistRepository) ListActive(ctx context.Context, contact model.Contact, now time.Time) ([]*model.BlacklistEntry, error) {
	query := `
		SELECT id, reason, blacklisted_at, expires_at FROM blacklist_entries
		WHERE contact_type = $1 AND contact_value = $2 AND expires_at > $3
		ORDER BY blacklisted_at DESC`
	rows, err := r.db.Query(ctx, query, string(contact.Type), contact.Value, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list blacklist entries: %w", err)
	}
	defer rows.Close()

	var out []*model.BlacklistEntry
	for rows.Next() {
		e := &model.BlacklistEntry{Contact: contact}
		var reason string
		if err := rows.Scan(&e.ID, &reason, &e.BlacklistedAt, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan blacklist entry: %w", err)
		}
		e.Reason = model.BlacklistReason(reason)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error after iterating blacklist entries: %w", err)
	}
	return out, nil
}

func (r *BlacklistRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	query := `
		DELETE FROM blacklist_entries WHERE id IN (
			SELECT id FROM blacklist_entries
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED)`
	return execCount(ctx, r.db, "expired blacklist entries", query, now, limit)
}

func (r *BlacklistRepository) DeleteCreatedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	query := `
		DELETE FROM blacklist_entries WHERE id IN (
			SELECT id FROM blacklist_entries
			WHERE blacklisted_at < $1
			ORDER BY blacklisted_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED)`
	return execCount(ctx, r.db, "old blacklist entries", query, cutoff, limit)
}
