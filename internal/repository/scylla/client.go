// Package scylla is the production Contact Store backed by ScyllaDB.
package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"passwordless-auth/internal/config"
	"passwordless-auth/internal/util"
)

type ScyllaClient struct {
	Session *gocql.Session
	config  config.ScyllaConfig
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = cfg.Store.Timeout
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() && scyllaConfig.CAPath != "" {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			CertPath:               scyllaConfig.CertPath,
			KeyPath:                scyllaConfig.KeyPath,
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return &ScyllaClient{Session: session, config: scyllaConfig}, nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

// Query binds ctx so an aborted request aborts the statement.
func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) Batch(ctx context.Context, typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ).WithContext(ctx)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Query(ctx, `SELECT cluster_name FROM system.local`).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry retries idempotent writes only; never pass an LWT here.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = query.Exec(); lastErr == nil {
			return nil
		}
		if i == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		}
	}
	return lastErr
}

// EnsureSchema creates the tables in the configured keyspace.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Query(ctx, stmt).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema ensured", zap.String("keyspace", s.config.Keyspace))
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS otp_records (
		contact_type text,
		contact_value text,
		created_at timestamp,
		otp_id text,
		user_id text,
		code_hash text,
		code_salt text,
		pepper_version int,
		expires_at timestamp,
		attempts int,
		is_used boolean,
		resend_count int,
		PRIMARY KEY ((contact_type, contact_value), created_at, otp_id)
	) WITH CLUSTERING ORDER BY (created_at DESC, otp_id ASC)`,
	`CREATE TABLE IF NOT EXISTS blacklist_entries (
		contact_type text,
		contact_value text,
		blacklisted_at timestamp,
		entry_id text,
		reason text,
		expires_at timestamp,
		PRIMARY KEY ((contact_type, contact_value), blacklisted_at, entry_id)
	) WITH CLUSTERING ORDER BY (blacklisted_at DESC, entry_id ASC)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		token_hash text PRIMARY KEY,
		user_id text,
		created_at timestamp,
		expires_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens_by_user (
		user_id text,
		token_hash text,
		expires_at timestamp,
		PRIMARY KEY ((user_id), token_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		user_bucket int,
		user_id text,
		email text,
		phone text,
		is_verified boolean,
		last_login timestamp,
		last_seen_at timestamp,
		created_at timestamp,
		PRIMARY KEY ((user_bucket), user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS users_by_contact (
		contact_type text,
		contact_value text,
		user_bucket int,
		user_id text,
		created_at timestamp,
		PRIMARY KEY ((contact_type, contact_value))
	)`,
	`CREATE TABLE IF NOT EXISTS user_profiles (
		user_id text PRIMARY KEY,
		display_name text,
		onboarding_completed boolean,
		updated_at timestamp
	)`,
}
