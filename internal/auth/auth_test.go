package auth

import (
	"strings"
	"testing"
	"time"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	key := "ft_live_0123456789abcdef"
	hash, err := HashAPIKey(key)
	if err != nil {
		t.Fatalf("HashAPIKey failed: %v", err)
	}
	if hash == key {
		t.Fatal("hash must not be the plaintext key")
	}
	if !VerifyAPIKey(key, hash) {
		t.Error("correct key rejected")
	}
	if VerifyAPIKey("ft_live_wrong", hash) {
		t.Error("wrong key accepted")
	}
}

func TestGetKeyPrefix(t *testing.T) {
	if got := GetKeyPrefix("0123456789abcdef"); got != "01234567" {
		t.Errorf("GetKeyPrefix = %q, want 01234567", got)
	}
	if got := GetKeyPrefix("abc"); got != "abc" {
		t.Errorf("short key prefix = %q, want abc", got)
	}
}

func TestExtractBearer(t *testing.T) {
	token, err := ExtractBearer("Bearer abc123")
	if err != nil || token != "abc123" {
		t.Errorf("ExtractBearer = (%q, %v), want (abc123, nil)", token, err)
	}

	// A bare credential without a scheme is accepted as-is.
	token, err = ExtractBearer("abc123")
	if err != nil || token != "abc123" {
		t.Errorf("bare credential = (%q, %v), want (abc123, nil)", token, err)
	}

	for _, header := range []string{"", "Basic abc 123"} {
		if _, err := ExtractBearer(header); err == nil {
			t.Errorf("ExtractBearer(%q) accepted a malformed header", header)
		}
	}
}

func TestJWTRoundTrip(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Hour)
	token, err := mgr.GenerateToken("u-1", "alice")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	claims, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.UserID != "u-1" || claims.Username != "alice" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-a", time.Hour).GenerateToken("u-1", "alice")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if _, err := NewJWTManager("secret-b", time.Hour).ValidateToken(token); err == nil {
		t.Error("token signed with another secret accepted")
	}
}

func TestJWTRejectsExpiredToken(t *testing.T) {
	mgr := NewJWTManager("test-secret", -time.Minute)
	token, err := mgr.GenerateToken("u-1", "alice")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if _, err := mgr.ValidateToken(token); err == nil {
		t.Error("expired token accepted")
	}
}

func TestJWTRejectsGarbage(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Hour)
	for _, tok := range []string{"", "not-a-token", strings.Repeat("x", 100)} {
		if _, err := mgr.ValidateToken(tok); err == nil {
			t.Errorf("ValidateToken(%q) accepted garbage", tok)
		}
	}
}

func TestSkipAuthPaths(t *testing.T) {
	for _, path := range []string{"/health", "/api/v1/health", "/metrics"} {
		if !skipAuth(path) {
			t.Errorf("%s should bypass auth", path)
		}
	}
	for _, path := range []string{"/api/v1/trace-sessions", "/api/v1/workflows/wf-1/stats"} {
		if skipAuth(path) {
			t.Errorf("%s must not bypass auth", path)
		}
	}
}
