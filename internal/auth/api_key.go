package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/offbit/flowtrace/internal/db"
)

// APIKeyManager manages API key authentication
type APIKeyManager struct {
	store *db.Store
}

// NewAPIKeyManager creates a new API key manager
func NewAPIKeyManager(store *db.Store) *APIKeyManager {
	return &APIKeyManager{store: store}
}

// GenerateAPIKey mints a new API key for a user. The raw key is returned
// exactly once; only its bcrypt hash is stored.
func (m *APIKeyManager) GenerateAPIKey(ctx context.Context, userID, label string, rateLimit int) (string, *db.APIKey, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate key: %w", err)
	}

	key := base64.URLEncoding.EncodeToString(keyBytes)
	keyHash, err := HashAPIKey(key)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash key: %w", err)
	}

	apiKey := &db.APIKey{
		ID:        uuid.New().String(),
		KeyHash:   keyHash,
		KeyPrefix: GetKeyPrefix(key),
		UserID:    userID,
		Label:     label,
		RateLimit: rateLimit,
	}
	if err := m.store.CreateAPIKey(ctx, apiKey); err != nil {
		return "", nil, fmt.Errorf("failed to create API key: %w", err)
	}
	return key, apiKey, nil
}

// ValidateAPIKey validates an API key and returns its record.
func (m *APIKeyManager) ValidateAPIKey(ctx context.Context, key string) (*db.APIKey, error) {
	apiKey, err := m.store.GetAPIKeyByPrefix(ctx, GetKeyPrefix(key))
	if err != nil || apiKey == nil {
		return nil, fmt.Errorf("API key not found")
	}
	if !VerifyAPIKey(key, apiKey.KeyHash) {
		return nil, fmt.Errorf("invalid API key")
	}
	_ = m.store.UpdateAPIKeyLastUsed(ctx, apiKey.ID)
	return apiKey, nil
}

// DeleteAPIKey revokes an API key.
func (m *APIKeyManager) DeleteAPIKey(ctx context.Context, id string) error {
	return m.store.DeleteAPIKey(ctx, id)
}

// GetKeyPrefix extracts the lookup prefix from an API key
func GetKeyPrefix(key string) string {
	if len(key) < 8 {
		return key
	}
	return key[:8]
}

// HashAPIKey hashes an API key using bcrypt
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}

// VerifyAPIKey verifies an API key against its hash
func VerifyAPIKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// ExtractBearer extracts the credential from an Authorization header.
func ExtractBearer(authHeader string) (string, error) {
	if authHeader == "" {
		return "", fmt.Errorf("missing authorization header")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
		return parts[1], nil
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "", fmt.Errorf("invalid authorization header format")
}
