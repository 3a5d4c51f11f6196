package auth

import (
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Expired reports whether token is a JWT whose exp claim has passed.
// The signature is not checked; the hub does that. Opaque tokens are
// never considered expired.
func Expired(token string, now time.Time) bool {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time)
}

// subject returns the sub claim of a JWT, if any.
func subject(token string) (string, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", false
	}
	return claims.Subject, claims.Subject != ""
}

// StaticSession serves a fixed credential.
type StaticSession struct {
	token  string
	userID string
	now    func() time.Time
}

func NewStaticSession(token, userID string) *StaticSession {
	return &StaticSession{token: strings.TrimSpace(token), userID: userID, now: time.Now}
}

// Token returns the credential, or false when it is absent or expired.
func (s *StaticSession) Token() (string, bool) {
	if s.token == "" || Expired(s.token, s.now()) {
		return "", false
	}
	return s.token, true
}

func (s *StaticSession) CurrentUserID() (string, bool) {
	if s.userID != "" {
		return s.userID, true
	}
	return subject(s.token)
}

// FileSession re-reads the credential from disk on every call so a
// token refreshed by another process is picked up on the next attempt.
type FileSession struct {
	path   string
	userID string
	now    func() time.Time
}

func NewFileSession(path, userID string) *FileSession {
	return &FileSession{path: path, userID: userID, now: time.Now}
}

func (s *FileSession) read() string {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (s *FileSession) Token() (string, bool) {
	token := s.read()
	if token == "" || Expired(token, s.now()) {
		return "", false
	}
	return token, true
}

func (s *FileSession) CurrentUserID() (string, bool) {
	if s.userID != "" {
		return s.userID, true
	}
	return subject(s.read())
}
