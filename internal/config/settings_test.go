package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FORGESYNC_SECRET_KEY", "0123456789abcdef0123456789abcdef")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", s.HTTPAddr)
	assert.Equal(t, "sqlite", s.DBDriver)
	assert.Equal(t, "forgesync.db", s.DBDSN)
	assert.Equal(t, "http://localhost:8080", s.AuthBaseURL)
	assert.Equal(t, "info", s.LogLevel)
	assert.Equal(t, "json", s.LogFormat)
}

func TestLoadRequiresSecretKey(t *testing.T) {
	// t.Setenv registers the restore; the variable must be absent, not empty,
	// for the required check to trip.
	t.Setenv("FORGESYNC_SECRET_KEY", "placeholder")
	require.NoError(t, os.Unsetenv("FORGESYNC_SECRET_KEY"))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FORGESYNC_SECRET_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("FORGESYNC_HTTP_ADDR", ":9090")
	t.Setenv("FORGESYNC_DB_DRIVER", "postgres")
	t.Setenv("FORGESYNC_LOG_FORMAT", "console")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", s.HTTPAddr)
	assert.Equal(t, "postgres", s.DBDriver)
	assert.Equal(t, "console", s.LogFormat)
}

func TestAuthBaseURLs(t *testing.T) {
	s := &Settings{AuthBaseURL: "https://app.example.com, https://admin.example.com:8443/console"}
	urls, err := s.AuthBaseURLs()
	require.NoError(t, err)
	require.Len(t, urls, 2)
	assert.Equal(t, "app.example.com", urls[0].Host)
	assert.Equal(t, "admin.example.com:8443", urls[1].Host)
	assert.Equal(t, urls[0], s.PrimaryAuthBase())
}

func TestAuthBaseURLsRejectsInvalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "not-a-url", "/path/only", "example.com"} {
		s := &Settings{AuthBaseURL: raw}
		_, err := s.AuthBaseURLs()
		assert.Error(t, err, "input %q", raw)
	}
}

func TestLoadRejectsBadAuthBase(t *testing.T) {
	t.Setenv("FORGESYNC_SECRET_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("FORGESYNC_AUTH_BASE_URL", "not-a-url")

	_, err := Load()
	assert.Error(t, err)
}
