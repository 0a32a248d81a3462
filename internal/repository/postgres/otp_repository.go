package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"passwordless-auth/internal/model"
	"passwordless-auth/internal/repository"
	"passwordless-auth/internal/util"
)

const otpColumns = `id, contact_type, contact_value, user_id, code_hash, code_salt, pepper_version,
	created_at, expires_at, attempts, is_used, resend_count`

type OTPRepository struct {
	db DB
}

func NewOTPRepository(db DB) *OTPRepository {
	return &OTPRepository{db: db}
}

func (r *OTPRepository) Create(ctx context.Context, rec *model.OTPRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	query := `
		INSERT INTO otp_records (` + otpColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.db.Exec(ctx, query,
		rec.ID, string(rec.Contact.Type), rec.Contact.Value, rec.UserID, rec.CodeHash, rec.CodeSalt, rec.PepperVersion,
		rec.CreatedAt, rec.ExpiresAt, rec.Attempts, rec.IsUsed, rec.ResendCount,
	)
	if err != nil {
		util.Error("Failed to create OTP record", zap.String("otp_id", rec.ID), zap.Error(err))
		return fmt.Errorf("failed to create OTP record: %w", err)
	}
	return nil
}

func (r *OTPRepository) InvalidateActive(ctx context.Context, contact model.Contact, now time.Time) (int, error) {
	query := `
		UPDATE otp_records SET is_used = TRUE
		WHERE contact_type = $1 AND contact_value = $2 AND is_used = FALSE AND expires_at > $3`
	tag, err := r.db.Exec(ctx, query, string(contact.Type), contact.Value, now)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate OTP records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *OTPRepository) FindActive(ctx context.Context, contact model.Contact, now time.Time) (*model.OTPRecord, error) {
	query := `
		SELECT ` + otpColumns + ` FROM otp_records
		WHERE contact_type = $1 AND contact_value = $2 AND is_used = FALSE AND expires_at > $3
		ORDER BY created_at DESC
		LIMIT 1`
	return r.one(ctx, "active", query, string(contact.Type), contact.Value, now)
}

func (r *OTPRepository) ListSuperseded(ctx context.Context, contact model.Contact, now time.Time, limit int) ([]*model.OTPRecord, error) {
	query := `
		SELECT ` + otpColumns + ` FROM otp_records
		WHERE contact_type = $1 AND contact_value = $2 AND is_used = TRUE AND expires_at > $3
		ORDER BY created_at DESC
		LIMIT $4`
	rows, err := r.db.Query(ctx, query, string(contact.Type), contact.Value, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list superseded OTP records: %w", err)
	}
	defer rows.Close()

	var out []*model.OTPRecord
	for rows.Next() {
		rec, err := scanOTPRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan superseded OTP record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error after iterating superseded OTP records: %w", err)
	}
	return out, nil
}

func (r *OTPRepository) Latest(ctx context.Context, contact model.Contact) (*model.OTPRecord, error) {
	query := `
		SELECT ` + otpColumns + ` FROM otp_records
		WHERE contact_type = $1 AND contact_value = $2
		ORDER BY created_at DESC
		LIMIT 1`
	return r.one(ctx, "latest", query, string(contact.Type), contact.Value)
}

func (r *OTPRepository) ListActivitySince(ctx context.Context, contact model.Contact, since time.Time) ([]model.OTPActivity, error) {
	query := `
		SELECT id, created_at, attempts, resend_count FROM otp_records
		WHERE contact_type = $1 AND contact_value = $2 AND created_at > $3
		ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, string(contact.Type), contact.Value, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list OTP activity: %w", err)
	}
	defer rows.Close()

	var out []model.OTPActivity
	for rows.Next() {
		var a model.OTPActivity
		if err := rows.Scan(&a.ID, &a.CreatedAt, &a.Attempts, &a.ResendCount); err != nil {
			return nil, fmt.Errorf("failed to scan OTP activity: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error after iterating OTP activity: %w", err)
	}
	return out, nil
}

func (r *OTPRepository) IncrementAttempts(ctx context.Context, rec *model.OTPRecord) (int, error) {
	query := `UPDATE otp_records SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`
	var attempts int
	err := r.db.QueryRow(ctx, query, rec.ID).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, repository.ErrNotFound
	}
	if err != nil {
		util.Error("Failed to increment OTP attempts", zap.String("otp_id", rec.ID), zap.Error(err))
		return 0, fmt.Errorf("failed to increment OTP attempts: %w", err)
	}
	rec.Attempts = attempts
	return attempts, nil
}

func (r *OTPRepository) MarkUsed(ctx context.Context, rec *model.OTPRecord, maxAttempts int, now time.Time) (bool, error) {
	query := `
		UPDATE otp_records SET is_used = TRUE
		WHERE id = $1 AND is_used = FALSE AND attempts < $2 AND expires_at > $3`
	tag, err := r.db.Exec(ctx, query, rec.ID, maxAttempts, now)
	if err != nil {
		util.Error("Failed to mark OTP used", zap.String("otp_id", rec.ID), zap.Error(err))
		return false, fmt.Errorf("failed to mark OTP used: %w", err)
	}
	applied := tag.RowsAffected() == 1
	if applied {
		rec.IsUsed = true
	}
	return applied, nil
}

// SKIP LOCKED lets concurrent cleanup runs split the work instead of
// deleting the same rows twice.
func (r *OTPRepository) DeleteExpiredUnused(ctx context.Context, now time.Time, limit int) (int, error) {
	query := `
		DELETE FROM otp_records WHERE id IN (
			SELECT id FROM otp_records
			WHERE is_used = FALSE AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED)`
	return execCount(ctx, r.db, "expired OTP records", query, now, limit)
}

func (r *OTPRepository) DeleteCreatedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	query := `
		DELETE FROM otp_records WHERE id IN (
			SELECT id FROM otp_records
			WHERE created_at < $1
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED)`
	return execCount(ctx, r.db, "old OTP records", query, cutoff, limit)
}

func (r *OTPRepository) one(ctx context.Context, kind, query string, args ...any) (*model.OTPRecord, error) {
	rec, err := scanOTPRecord(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s OTP record: %w", kind, err)
	}
	return rec, nil
}

func scanOTPRecord(row pgx.Row) (*model.OTPRecord, error) {
	rec := &model.OTPRecord{}
	var contactType string
	if err := row.Scan(
		&rec.ID, &contactType, &rec.Contact.Value, &rec.UserID, &rec.CodeHash, &rec.CodeSalt, &rec.PepperVersion,
		&rec.CreatedAt, &rec.ExpiresAt, &rec.Attempts, &rec.IsUsed, &rec.ResendCount,
	); err != nil {
		return nil, err
	}
	rec.Contact.Type = model.ContactType(contactType)
	return rec, nil
}

func execCount(ctx context.Context, db DB, what, query string, args ...any) (int, error) {
	tag, err := db.Exec(ctx, query, args...)
	if err != nil {
		util.Error("Failed to delete rows", zap.String("what", what), zap.Error(err))
		return 0, fmt.Errorf("failed to delete %s: %w", what, err)
	}
	return int(tag.RowsAffected()), nil
}
