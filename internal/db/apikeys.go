package db

import (
	"context"
	"database/sql"
	"time"
)

// APIKey is a stored ingestion/query credential. Only the bcrypt hash is
// persisted; the prefix narrows lookup before the hash comparison.
type APIKey struct {
	ID         string     `json:"id"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	UserID     string     `json:"user_id"`
	Label      string     `json:"label,omitempty"`
	RateLimit  int        `json:"rate_limit"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

var apiKeyTable = `CREATE TABLE IF NOT EXISTS api_keys (
	id UUID PRIMARY KEY,
	key_hash TEXT NOT NULL,
	key_prefix TEXT NOT NULL,
	user_id TEXT NOT NULL,
	label TEXT,
	rate_limit INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_used_at TIMESTAMPTZ
)`

// CreateAPIKey stores a new API key record.
func (s *Store) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, key_hash, key_prefix, user_id, label, rate_limit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.KeyHash, key.KeyPrefix, key.UserID, key.Label, key.RateLimit, key.CreatedAt)
	return err
}

// GetAPIKeyByPrefix looks up a key record by its prefix. Returns (nil, nil)
// when no key matches.
func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	var key APIKey
	var label sql.NullString
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key_hash, key_prefix, user_id, label, rate_limit, created_at, last_used_at
		FROM api_keys WHERE key_prefix = $1
	`, prefix).Scan(&key.ID, &key.KeyHash, &key.KeyPrefix, &key.UserID,
		&label, &key.RateLimit, &key.CreatedAt, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if label.Valid {
		key.Label = label.String
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		key.LastUsedAt = &t
	}
	return &key, nil
}

// UpdateAPIKeyLastUsed stamps the key's last use time.
func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	return err
}

// DeleteAPIKey removes a key record.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return err
}
