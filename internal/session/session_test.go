package session

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))

	return len(p), nil
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := tok.SignedString([]byte("test-key"))
	require.NoError(t, err)

	return signed
}

func TestSession_Valid(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	skew := 30 * time.Second

	cases := []struct {
		name string
		s    Session
		want bool
	}{
		{"no access token", Session{}, false},
		{"no expiry means valid", Session{AccessToken: "a"}, true},
		{"well before expiry", Session{AccessToken: "a", ExpiresAt: now.Add(time.Hour)}, true},
		{"inside skew window", Session{AccessToken: "a", ExpiresAt: now.Add(10 * time.Second)}, false},
		{"already expired", Session{AccessToken: "a", ExpiresAt: now.Add(-time.Minute)}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, tc.s.Valid(now, skew))
		})
	}
}

func TestExpiryFromToken(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	raw := signedToken(t, jwt.MapClaims{"sub": "u-1", "exp": exp.Unix()})

	got, err := ExpiryFromToken(raw)
	require.NoError(t, err)
	assert.True(t, got.Equal(exp))
}

func TestExpiryFromToken_NoExpClaim(t *testing.T) {
	t.Parallel()

	raw := signedToken(t, jwt.MapClaims{"sub": "u-1"})

	_, err := ExpiryFromToken(raw)
	assert.Error(t, err)
}

func TestExpiryFromToken_Garbage(t *testing.T) {
	t.Parallel()

	_, err := ExpiryFromToken("not-a-jwt")
	assert.Error(t, err)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "auth", "session.json")

	want := Session{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RefreshedAt:  time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}

	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoad_MissingFileIsZeroSession(t *testing.T) {
	t.Parallel()

	got, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Session{}, got)
}
