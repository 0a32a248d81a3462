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

const userColumns = `id, COALESCE(email, ''), COALESCE(phone, ''), is_verified, last_login, created_at`

type UserRepository struct {
	db DB
}

func NewUserRepository(db DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetOrCreate relies on the unique contact indexes: a losing concurrent
// insert does nothing and the existing user is read back.
func (r *UserRepository) GetOrCreate(ctx context.Context, contact model.Contact, now time.Time) (*model.User, bool, error) {
	user := model.NewUserFor(uuid.NewString(), contact, now)
	insert := `
		INSERT INTO users (id, email, phone, is_verified, last_seen_at, created_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), FALSE, $4, $4)
		ON CONFLICT DO NOTHING`
	tag, err := r.db.Exec(ctx, insert, user.ID, user.Email, user.Phone, now)
	if err != nil {
		util.Error("Failed to create user", zap.String("contact_hash", contact.Hash()), zap.Error(err))
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}
	if tag.RowsAffected() == 1 {
		util.Info("User created", zap.String("user_id", user.ID), zap.String("contact_type", string(contact.Type)))
		return user, true, nil
	}

	column := "email"
	if contact.Type == model.ContactPhone {
		column = "phone"
	}
	existing, err := r.one(ctx, `SELECT `+userColumns+` FROM users WHERE `+column+` = $1`, contact.Value)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *UserRepository) GetByID(ctx context.Context, userID string) (*model.User, error) {
	return r.one(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
}

func (r *UserRepository) RecordLogin(ctx context.Context, user *model.User, now time.Time) error {
	query := `UPDATE users SET is_verified = TRUE, last_login = $2, last_seen_at = $2 WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, user.ID, now)
	if err != nil {
		util.Error("Failed to record login", zap.String("user_id", user.ID), zap.Error(err))
		return fmt.Errorf("failed to record login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	user.IsVerified = true
	user.LastLogin = now
	return nil
}

// ListStale pages by id; the cursor is the last id returned.
func (r *UserRepository) ListStale(ctx context.Context, cutoff time.Time, limit int, cursor []byte) ([]*model.User, []byte, error) {
	query := `
		SELECT ` + userColumns + ` FROM users
		WHERE last_seen_at < $1 AND id > $2
		ORDER BY id
		LIMIT $3`
	rows, err := r.db.Query(ctx, query, cutoff, string(cursor), limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list stale users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan stale user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error after iterating stale users: %w", err)
	}

	if len(users) < limit {
		return users, nil, nil
	}
	return users, []byte(users[len(users)-1].ID), nil
}

// Delete cascades to the user's profile.
func (r *UserRepository) Delete(ctx context.Context, user *model.User) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, user.ID)
	if err != nil {
		util.Error("Failed to delete user", zap.String("user_id", user.ID), zap.Error(err))
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *UserRepository) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	query := `SELECT display_name, onboarding_completed, updated_at FROM user_profiles WHERE user_id = $1`
	p := &model.Profile{UserID: userID}
	err := r.db.QueryRow(ctx, query, userID).Scan(&p.DisplayName, &p.OnboardingCompleted, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

func (r *UserRepository) one(ctx context.Context, query string, args ...any) (*model.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	u := &model.User{}
	var lastLogin *time.Time
	if err := row.Scan(&u.ID, &u.Email, &u.Phone, &u.IsVerified, &lastLogin, &u.CreatedAt); err != nil {
		return nil, err
	}
	if lastLogin != nil {
		u.LastLogin = *lastLogin
	}
	return u, nil
}
