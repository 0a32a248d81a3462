package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"passwordless-auth/internal/model"
	"passwordless-auth/internal/repository"
	"passwordless-auth/internal/util"
)

// maxCASRetries bounds the compare-and-set loop in IncrementAttempts.
const maxCASRetries = 8

var ErrContention = errors.New("too many concurrent updates")

const (
	otpColumns = `contact_type, contact_value, created_at, otp_id, user_id, code_hash, code_salt,
		pepper_version, expires_at, attempts, is_used, resend_count`

	insertOTP = `INSERT INTO otp_records (` + otpColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	selectOTPsByContact = `SELECT ` + otpColumns + ` FROM otp_records
		WHERE contact_type = ? AND contact_value = ?`

	selectOTPActivity = `SELECT otp_id, created_at, attempts, resend_count FROM otp_records
		WHERE contact_type = ? AND contact_value = ? AND created_at > ?`

	casOTPAttempts = `UPDATE otp_records SET attempts = ?
		WHERE contact_type = ? AND contact_value = ? AND created_at = ? AND otp_id = ?
		IF attempts = ?`

	casOTPUsed = `UPDATE otp_records SET is_used = true
		WHERE contact_type = ? AND contact_value = ? AND created_at = ? AND otp_id = ?
		IF is_used = false AND attempts < ? AND expires_at > ?`

	casOTPSupersede = `UPDATE otp_records SET is_used = true
		WHERE contact_type = ? AND contact_value = ? AND created_at = ? AND otp_id = ?
		IF is_used = false`

	selectExpiredUnusedOTPs = `SELECT contact_type, contact_value, created_at, otp_id FROM otp_records
		WHERE expires_at <= ? AND is_used = false LIMIT ? ALLOW FILTERING`

	selectOTPsCreatedBefore = `SELECT contact_type, contact_value, created_at, otp_id FROM otp_records
		WHERE created_at < ? LIMIT ? ALLOW FILTERING`

	deleteOTP = `DELETE FROM otp_records
		WHERE contact_type = ? AND contact_value = ? AND created_at = ? AND otp_id = ? IF EXISTS`
)

type OTPRepository struct {
	client *ScyllaClient
}

func NewOTPRepository(client *ScyllaClient) *OTPRepository {
	return &OTPRepository{client: client}
}

func (r *OTPRepository) Create(ctx context.Context, rec *model.OTPRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	applied, err := r.client.Query(ctx, insertOTP,
		rec.Contact.Type, rec.Contact.Value, rec.CreatedAt, rec.ID, rec.UserID, rec.CodeHash, rec.CodeSalt,
		rec.PepperVersion, rec.ExpiresAt, rec.Attempts, rec.IsUsed, rec.ResendCount,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to create OTP record",
			zap.String("otp_id", rec.ID),
			zap.String("contact_hash", rec.Contact.Hash()),
			zap.Error(err))
		return fmt.Errorf("failed to create OTP record: %w", err)
	}
	if !applied {
		return fmt.Errorf("failed to create OTP record: duplicate id %s", rec.ID)
	}
	return nil
}

func (r *OTPRepository) InvalidateActive(ctx context.Context, contact model.Contact, now time.Time) (int, error) {
	recs, err := r.scan(ctx, contact, 0)
	if err != nil {
		return 0, err
	}

	invalidated := 0
	for _, rec := range recs {
		if !rec.IsActive(now) {
			continue
		}
		applied, err := r.client.Query(ctx, casOTPSupersede,
			contact.Type, contact.Value, rec.CreatedAt, rec.ID,
		).MapScanCAS(map[string]interface{}{})
		if err != nil {
			util.Error("Failed to invalidate OTP record", zap.String("otp_id", rec.ID), zap.Error(err))
			return invalidated, fmt.Errorf("failed to invalidate OTP record: %w", err)
		}
		if applied {
			invalidated++
		}
	}
	return invalidated, nil
}

func (r *OTPRepository) FindActive(ctx context.Context, contact model.Contact, now time.Time) (*model.OTPRecord, error) {
	iter := r.client.Query(ctx, selectOTPsByContact, contact.Type, contact.Value).Iter()
	for {
		rec, ok := scanOTP(iter)
		if !ok {
			break
		}
		if rec.IsActive(now) {
			_ = iter.Close()
			return rec, nil
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to find active OTP: %w", err)
	}
	return nil, repository.ErrNotFound
}

// ListSuperseded filters client side; a contact's partition only holds its
// own records and is read newest first.
func (r *OTPRepository) ListSuperseded(ctx context.Context, contact model.Contact, now time.Time, limit int) ([]*model.OTPRecord, error) {
	iter := r.client.Query(ctx, selectOTPsByContact, contact.Type, contact.Value).Iter()

	var out []*model.OTPRecord
	for len(out) < limit {
		rec, ok := scanOTP(iter)
		if !ok {
			break
		}
		if rec.IsUsed && now.Before(rec.ExpiresAt) {
			out = append(out, rec)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list superseded OTP records: %w", err)
	}
	return out, nil
}

func (r *OTPRepository) Latest(ctx context.Context, contact model.Contact) (*model.OTPRecord, error) {
	recs, err := r.scan(ctx, contact, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, repository.ErrNotFound
	}
	return recs[0], nil
}

func (r *OTPRepository) ListActivitySince(ctx context.Context, contact model.Contact, since time.Time) ([]model.OTPActivity, error) {
	iter := r.client.Query(ctx, selectOTPActivity, contact.Type, contact.Value, since).Iter()

	var out []model.OTPActivity
	var a model.OTPActivity
	for iter.Scan(&a.ID, &a.CreatedAt, &a.Attempts, &a.ResendCount) {
		out = append(out, a)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list OTP activity: %w", err)
	}
	return out, nil
}

// IncrementAttempts is a lightweight-transaction compare-and-set loop, so
// concurrent failures are never lost.
func (r *OTPRepository) IncrementAttempts(ctx context.Context, rec *model.OTPRecord) (int, error) {
	current := rec.Attempts
	for i := 0; i < maxCASRetries; i++ {
		prev := map[string]interface{}{}
		applied, err := r.client.Query(ctx, casOTPAttempts,
			current+1, rec.Contact.Type, rec.Contact.Value, rec.CreatedAt, rec.ID, current,
		).MapScanCAS(prev)
		if err != nil {
			util.Error("Failed to increment OTP attempts", zap.String("otp_id", rec.ID), zap.Error(err))
			return 0, fmt.Errorf("failed to increment OTP attempts: %w", err)
		}
		if applied {
			rec.Attempts = current + 1
			return rec.Attempts, nil
		}
		seen, ok := prev["attempts"].(int)
		if !ok {
			return 0, repository.ErrNotFound
		}
		current = seen
	}
	util.Warn("OTP attempt counter contended", zap.String("otp_id", rec.ID), zap.Int("retries", maxCASRetries))
	return 0, ErrContention
}

func (r *OTPRepository) MarkUsed(ctx context.Context, rec *model.OTPRecord, maxAttempts int, now time.Time) (bool, error) {
	applied, err := r.client.Query(ctx, casOTPUsed,
		rec.Contact.Type, rec.Contact.Value, rec.CreatedAt, rec.ID, maxAttempts, now,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to mark OTP used", zap.String("otp_id", rec.ID), zap.Error(err))
		return false, fmt.Errorf("failed to mark OTP used: %w", err)
	}
	if applied {
		rec.IsUsed = true
	}
	return applied, nil
}

func (r *OTPRepository) DeleteExpiredUnused(ctx context.Context, now time.Time, limit int) (int, error) {
	return r.deleteSelected(ctx, "expired", selectExpiredUnusedOTPs, now, limit)
}

func (r *OTPRepository) DeleteCreatedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return r.deleteSelected(ctx, "retention", selectOTPsCreatedBefore, cutoff, limit)
}

// deleteSelected counts only the deletes this call applied, so overlapping
// runs never count a row twice.
func (r *OTPRepository) deleteSelected(ctx context.Context, kind, stmt string, bound time.Time, limit int) (int, error) {
	iter := r.client.Query(ctx, stmt, bound, limit).Iter()

	type key struct {
		contactType, contactValue, id string
		createdAt                     time.Time
	}
	var keys []key
	var k key
	for iter.Scan(&k.contactType, &k.contactValue, &k.createdAt, &k.id) {
		keys = append(keys, k)
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to select %s OTP records: %w", kind, err)
	}

	deleted := 0
	for _, k := range keys {
		applied, err := r.client.Query(ctx, deleteOTP, k.contactType, k.contactValue, k.createdAt, k.id).
			MapScanCAS(map[string]interface{}{})
		if err != nil {
			util.Error("Failed to delete OTP record", zap.String("otp_id", k.id), zap.Error(err))
			return deleted, fmt.Errorf("failed to delete %s OTP records: %w", kind, err)
		}
		if applied {
			deleted++
		}
	}
	return deleted, nil
}

// scan reads a contact's records newest first; limit 0 reads all.
func (r *OTPRepository) scan(ctx context.Context, contact model.Contact, limit int) ([]*model.OTPRecord, error) {
	stmt := selectOTPsByContact
	args := []interface{}{contact.Type, contact.Value}
	if limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, limit)
	}
	iter := r.client.Query(ctx, stmt, args...).Iter()

	var out []*model.OTPRecord
	for {
		rec, ok := scanOTP(iter)
		if !ok {
			break
		}
		out = append(out, rec)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read OTP records: %w", err)
	}
	return out, nil
}

func scanOTP(iter *gocql.Iter) (*model.OTPRecord, bool) {
	rec := &model.OTPRecord{}
	var contactType string
	ok := iter.Scan(&contactType, &rec.Contact.Value, &rec.CreatedAt, &rec.ID, &rec.UserID, &rec.CodeHash,
		&rec.CodeSalt, &rec.PepperVersion, &rec.ExpiresAt, &rec.Attempts, &rec.IsUsed, &rec.ResendCount)
	rec.Contact.Type = model.ContactType(contactType)
	return rec, ok
}
