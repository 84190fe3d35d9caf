// Package session owns the auth session: the token triple, refresh with
// single-flight deduplication, cross-tab adoption, and durable storage so
// a restart does not force a fresh login.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FilePerms restricts session files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the session directory.
const DirPerms = 0o700

// Session is the auth state replicated between tabs and persisted to
// disk. RefreshedAt orders competing copies: the newest refresh wins.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshedAt  time.Time `json:"refreshed_at"`
}

// Valid reports whether the access token is usable at the given instant,
// with skew subtracted so a token is refreshed shortly before expiry.
func (s Session) Valid(now time.Time, skew time.Duration) bool {
	if s.AccessToken == "" {
		return false
	}

	if s.ExpiresAt.IsZero() {
		return true
	}

	return now.Before(s.ExpiresAt.Add(-skew))
}

// NewerThan reports whether s carries a more recent refresh than other.
func (s Session) NewerThan(other Session) bool {
	return s.RefreshedAt.After(other.RefreshedAt)
}

// ExpiryFromToken extracts the exp claim from a JWT access token without
// verifying the signature. Used when the auth provider omits an explicit
// expiry; verification is the server's job, we only need the deadline.
func ExpiryFromToken(accessToken string) (time.Time, error) {
	parser := jwt.NewParser()

	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, fmt.Errorf("session: parsing access token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("session: reading exp claim: %w", err)
	}

	if exp == nil {
		return time.Time{}, errors.New("session: token has no exp claim")
	}

	return exp.Time, nil
}

// Load reads a saved session from disk. Returns the zero Session and no
// error if the file does not exist.
func Load(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Session{}, nil
	}

	if err != nil {
		return Session{}, fmt.Errorf("session: reading %s: %w", path, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("session: decoding %s: %w", path, err)
	}

	return s, nil
}

// Save writes the session to disk atomically (write-to-temp + rename)
// with 0600 permissions. Never logs token values.
func Save(path string, s Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("session: creating directory %s: %w", dir, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("session: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("session: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("session: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("session: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("session: renaming: %w", err)
	}

	success = true

	return nil
}
