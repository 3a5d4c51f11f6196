package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager_UsesConfiguredTTL(t *testing.T) {
	ttl := 2 * time.Hour
	tm := NewTokenManager("test-secret", ttl)

	start := time.Now()

	token, err := tm.GenerateToken("u-1", RoleTechnician, "42")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := tm.ValidateToken(token)
	require.NoError(t, err)
	require.NotNil(t, claims.ExpiresAt)

	assert.Equal(t, "u-1", claims.UserID)
	assert.Equal(t, RoleTechnician, claims.Role)
	assert.Equal(t, "42", claims.TechnicianID)
	assert.WithinDuration(t, start.Add(ttl), claims.ExpiresAt.Time, 2*time.Second)
}

func TestTokenManager_RejectsWrongSecret(t *testing.T) {
	token, err := NewTokenManager("secret-a", time.Hour).GenerateToken("u-1", RoleManager, "")
	require.NoError(t, err)

	_, err = NewTokenManager("secret-b", time.Hour).ValidateToken(token)
	assert.Error(t, err)
}

func TestTokenManager_RejectsExpired(t *testing.T) {
	tm := NewTokenManager("secret", time.Minute)
	tm.now = func() time.Time { return time.Now().Add(-time.Hour) }

	token, err := tm.GenerateToken("u-1", RoleManager, "")
	require.NoError(t, err)

	_, err = NewTokenManager("secret", time.Minute).ValidateToken(token)
	assert.Error(t, err)
}

func TestExpired(t *testing.T) {
	tm := NewTokenManager("secret", time.Minute)
	token, err := tm.GenerateToken("u-1", RoleManager, "")
	require.NoError(t, err)

	assert.False(t, Expired(token, time.Now()))
	assert.True(t, Expired(token, time.Now().Add(2*time.Minute)))
	assert.False(t, Expired("opaque-token", time.Now()))
}

func TestStaticSession(t *testing.T) {
	tm := NewTokenManager("secret", time.Minute)
	token, err := tm.GenerateToken("u-7", RoleCustomer, "")
	require.NoError(t, err)

	s := NewStaticSession(token, "")
	got, ok := s.Token()
	assert.True(t, ok)
	assert.Equal(t, token, got)

	userID, ok := s.CurrentUserID()
	assert.True(t, ok)
	assert.Equal(t, "u-7", userID)

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, ok = s.Token()
	assert.False(t, ok, "expired token must not be offered")

	_, ok = NewStaticSession("  ", "").Token()
	assert.False(t, ok)
}

func TestFileSession_RereadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	s := NewFileSession(path, "u-1")

	_, ok := s.Token()
	assert.False(t, ok, "missing file")

	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))
	got, ok := s.Token()
	require.True(t, ok)
	assert.Equal(t, "first", got)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	got, ok = s.Token()
	require.True(t, ok)
	assert.Equal(t, "second", got)

	userID, ok := s.CurrentUserID()
	assert.True(t, ok)
	assert.Equal(t, "u-1", userID)
}
