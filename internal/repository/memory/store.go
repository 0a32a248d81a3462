// Package memory is an in-process Contact Store for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"passwordless-auth/internal/model"
	"passwordless-auth/internal/repository"
)

type Store struct {
	mu        sync.Mutex
	otps      []*model.OTPRecord
	blacklist []*model.BlacklistEntry
	tokens    map[string]*model.RefreshToken
	users     map[string]*model.User
	byContact map[string]string
	profiles  map[string]*model.Profile
	failWith  error
}

func NewStore() *Store {
	return &Store{
		tokens:    make(map[string]*model.RefreshToken),
		users:     make(map[string]*model.User),
		byContact: make(map[string]string),
		profiles:  make(map[string]*model.Profile),
	}
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// PutProfile seeds a profile; profiles are owned by the surrounding application.
func (s *Store) PutProfile(p *model.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.profiles[p.UserID] = &cp
}

// OTPCount returns how many OTP records are held.
func (s *Store) OTPCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.otps)
}

func (s *Store) OTPs() repository.OTPRepository                   { return otpRepo{s} }
func (s *Store) Blacklist() repository.BlacklistRepository        { return blacklistRepo{s} }
func (s *Store) RefreshTokens() repository.RefreshTokenRepository { return tokenRepo{s} }
func (s *Store) Users() repository.UserRepository                 { return userRepo{s} }
func (s *Store) Profiles() repository.ProfileRepository           { return profileRepo{s} }

func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check(ctx)
}

func (s *Store) Close() {}

// check must be called with mu held.
func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.failWith
}

type otpRepo struct{ s *Store }

func (r otpRepo) Create(ctx context.Context, rec *model.OTPRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	cp := *rec
	r.s.otps = append(r.s.otps, &cp)
	return nil
}

func (r otpRepo) InvalidateActive(ctx context.Context, contact model.Contact, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range r.s.otps {
		if rec.Contact == contact && rec.IsActive(now) {
			rec.IsUsed = true
			n++
		}
	}
	return n, nil
}

// newestFirst returns contact's records ordered by creation, newest first.
// Records created at the same instant keep reverse insertion order.
func (r otpRepo) newestFirst(contact model.Contact) []*model.OTPRecord {
	var out []*model.OTPRecord
	for i := len(r.s.otps) - 1; i >= 0; i-- {
		if rec := r.s.otps[i]; rec.Contact == contact {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r otpRepo) FindActive(ctx context.Context, contact model.Contact, now time.Time) (*model.OTPRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return nil, err
	}
	for _, rec := range r.newestFirst(contact) {
		if rec.IsActive(now) {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r otpRepo) ListSuperseded(ctx context.Context, contact model.Contact, now time.Time, limit int) ([]*model.OTPRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return nil, err
	}
	var out []*model.OTPRecord
	for _, rec := range r.newestFirst(contact) {
		if len(out) == limit {
			break
		}
		if rec.IsUsed && now.Before(rec.ExpiresAt) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r otpRepo) Latest(ctx context.Context, contact model.Contact) (*model.OTPRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return nil, err
	}
	recs := r.newestFirst(contact)
	if len(recs) == 0 {
		return nil, repository.ErrNotFound
	}
	cp := *recs[0]
	return &cp, nil
}

func (r otpRepo) ListActivitySince(ctx context.Context, contact model.Contact, since time.Time) ([]model.OTPActivity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return nil, err
	}
	var out []model.OTPActivity
	for _, rec := range r.newestFirst(contact) {
		if !rec.CreatedAt.After(since) {
			break
		}
		out = append(out, model.OTPActivity{
			ID:          rec.ID,
			CreatedAt:   rec.CreatedAt,
			Attempts:    rec.Attempts,
			ResendCount: rec.ResendCount,
		})
	}
	return out, nil
}

func (r otpRepo) find(id string) *model.OTPRecord {
	for _, rec := range r.s.otps {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

func (r otpRepo) IncrementAttempts(ctx context.Context, rec *model.OTPRecord) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return 0, err
	}
	stored := r.find(rec.ID)
	if stored == nil {
		return 0, repository.ErrNotFound
	}
	stored.Attempts++
	rec.Attempts = stored.Attempts
	return stored.Attempts, nil
}

func (r otpRepo) MarkUsed(ctx context.Context, rec *model.OTPRecord, maxAttempts int, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return false, err
	}
	stored := r.find(rec.ID)
	if stored == nil || !stored.IsActive(now) || stored.Attempts >= maxAttempts {
		return false, nil
	}
	stored.IsUsed = true
	rec.IsUsed = true
	return true, nil
}

func (r otpRepo) deleteWhere(ctx context.Context, limit int, match func(*model.OTPRecord) bool) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return 0, err
	}
	kept := r.s.otps[:0]
	deleted := 0
	for _, rec := range r.s.otps {
		if deleted < limit && match(rec) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	r.s.otps = kept
	return deleted, nil
}

func (r otpRepo) DeleteExpiredUnused(ctx context.Context, now time.Time, limit int) (int, error) {
	return r.deleteWhere(ctx, limit, func(rec *model.OTPRecord) bool {
		return !rec.IsUsed && !now.Before(rec.ExpiresAt)
	})
}

func (r otpRepo) DeleteCreatedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return r.deleteWhere(ctx, limit, func(rec *model.OTPRecord) bool {
		return rec.CreatedAt.Before(cutoff)
	})
}

type blacklistRepo struct{ s *Store }

func (r blacklistRepo) Add(ctx context.Context, entry *model.BlacklistEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	cp := *entry
	r.s.blacklist = append(r.s.blacklist, &cp)
	return nil
}

func (r blacklistRepo) ListActive(ctx context.Context, contact model.Contact, now time.Time) ([]*model.BlacklistEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return nil, err
	}
	var out []*model.BlacklistEntry
	for _, e := range r.s.blacklist {
		if e.Contact == contact && e.IsActive(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].BlacklistedAt.After(out[j].BlacklistedAt) })
	return out, nil
}

func (r blacklistRepo) deleteWhere(ctx context.Context, limit int, match func(*model.BlacklistEntry) bool) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return 0, err
	}
	kept := r.s.blacklist[:0]
	deleted := 0
	for _, e := range r.s.blacklist {
		if deleted < limit && match(e) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	r.s.blacklist = kept
	return deleted, nil
}

func (r blacklistRepo) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	return r.deleteWhere(ctx, limit, func(e *model.BlacklistEntry) bool { return !e.IsActive(now) })
}

func (r blacklistRepo) DeleteCreatedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return r.deleteWhere(ctx, limit, func(e *model.BlacklistEntry) bool { return e.BlacklistedAt.Before(cutoff) })
}

type tokenRepo struct{ s *Store }

func (r tokenRepo) Create(ctx context.Context, token *model.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return err
	}
	cp := *token
	r.s.tokens[token.TokenHash] = &cp
	return nil
}

func (r tokenRepo) Get(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return nil, err
	}
	t, ok := r.s.tokens[tokenHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r tokenRepo) Delete(ctx context.Context, tokenHash string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return false, err
	}
	_, ok := r.s.tokens[tokenHash]
	delete(r.s.tokens, tokenHash)
	return ok, nil
}

func (r tokenRepo) DeleteForUser(ctx context.Context, userID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	for hash, t := range r.s.tokens {
		if t.UserID == userID {
			delete(r.s.tokens, hash)
			n++
		}
	}
	return n, nil
}

func (r tokenRepo) DeleteExpiredBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	for hash, t := range r.s.tokens {
		if n >= limit {
			break
		}
		if t.ExpiresAt.Before(cutoff) {
			delete(r.s.tokens, hash)
			n++
		}
	}
	return n, nil
}

type userRepo struct{ s *Store }

func (r userRepo) GetOrCreate(ctx context.Context, contact model.Contact, now time.Time) (*model.User, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return nil, false, err
	}
	if id, ok := r.s.byContact[contact.Key()]; ok {
		cp := *r.s.users[id]
		return &cp, false, nil
	}
	user := model.NewUserFor(uuid.NewString(), contact, now)
	r.s.users[user.ID] = user
	r.s.byContact[contact.Key()] = user.ID
	cp := *user
	return &cp, true, nil
}

func (r userRepo) GetByID(ctx context.Context, userID string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return nil, err
	}
	u, ok := r.s.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r userRepo) RecordLogin(ctx context.Context, user *model.User, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return err
	}
	u, ok := r.s.users[user.ID]
	if !ok {
		return repository.ErrNotFound
	}
	u.IsVerified = true
	u.LastLogin = now
	user.IsVerified = true
	user.LastLogin = now
	return nil
}

func (r userRepo) ListStale(ctx context.Context, cutoff time.Time, limit int, cursor []byte) ([]*model.User, []byte, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return nil, nil, err
	}
	var stale []*model.User
	for _, u := range r.s.users {
		if u.LastSeen().Before(cutoff) {
			stale = append(stale, u)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })

	// keyset cursor: the last ID of the previous page
	after := string(cursor)
	page := make([]*model.User, 0, limit)
	var next []byte
	for _, u := range stale {
		if after != "" && u.ID <= after {
			continue
		}
		if len(page) == limit {
			next = []byte(page[len(page)-1].ID)
			break
		}
		cp := *u
		page = append(page, &cp)
	}
	return page, next, nil
}

func (r userRepo) Delete(ctx context.Context, user *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return err
	}
	if _, ok := r.s.users[user.ID]; !ok {
		return repository.ErrNotFound
	}
	delete(r.s.users, user.ID)
	delete(r.s.byContact, user.Contact().Key())
	delete(r.s.profiles, user.ID)
	return nil
}

type profileRepo struct{ s *Store }

func (r profileRepo) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check(ctx); err != nil {
		return nil, err
	}
	p, ok := r.s.profiles[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}
