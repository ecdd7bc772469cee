package authproxy

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duh17/oppi/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func writeCredFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// clockStore builds a store without the filesystem watch so cache behavior
// is driven purely by the injected clock.
func clockStore(t *testing.T, path string, now *time.Time) *CredStore {
	t.Helper()
	return &CredStore{
		path:   path,
		logger: testLogger(t),
		now:    func() time.Time { return *now },
	}
}

func TestCredStoreGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	writeCredFile(t, path, `{"anthropic":{"type":"api_key","key":"sk-real"}}`)
	now := time.Now()
	s := clockStore(t, path, &now)

	cred, err := s.Get("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "api_key", cred.Type)
	assert.Equal(t, "sk-real", cred.Key)

	_, err = s.Get("unknown")
	assert.Error(t, err)
}

func TestCredStoreMissingFile(t *testing.T) {
	now := time.Now()
	s := clockStore(t, filepath.Join(t.TempDir(), "absent.json"), &now)
	_, err := s.Get("anthropic")
	assert.Error(t, err)
}

func TestCredStoreCachesWithinTTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	writeCredFile(t, path, `{"anthropic":{"type":"api_key","key":"old"}}`)
	now := time.Now()
	s := clockStore(t, path, &now)

	cred, err := s.Get("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "old", cred.Key)

	writeCredFile(t, path, `{"anthropic":{"type":"api_key","key":"new"}}`)

	// within the freshness window the cached value is served
	cred, err = s.Get("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "old", cred.Key)

	now = now.Add(credentialTTL + time.Second)
	cred, err = s.Get("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "new", cred.Key)
}

func TestCredStoreInvalidateForcesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	writeCredFile(t, path, `{"anthropic":{"type":"api_key","key":"old"}}`)
	now := time.Now()
	s := clockStore(t, path, &now)

	_, err := s.Get("anthropic")
	require.NoError(t, err)

	writeCredFile(t, path, `{"anthropic":{"type":"api_key","key":"new"}}`)
	s.Invalidate()

	cred, err := s.Get("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "new", cred.Key)
}

func TestCredStoreExpiredOAuthReloadsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	now := time.Now()
	expired := now.Add(-time.Minute).UnixMilli()
	writeCredFile(t, path, `{"openai-codex":{"type":"oauth","access":"stale","expires":`+itoa(expired)+`}}`)
	s := clockStore(t, path, &now)

	// the cached token is expired and the file still holds it
	_, err := s.Get("openai-codex")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")

	// the host refreshed the token in place; the expiry-triggered reload
	// picks it up even inside the freshness window
	fresh := now.Add(time.Hour).UnixMilli()
	writeCredFile(t, path, `{"openai-codex":{"type":"oauth","access":"refreshed","expires":`+itoa(fresh)+`}}`)

	cred, err := s.Get("openai-codex")
	require.NoError(t, err)
	assert.Equal(t, "refreshed", cred.Access)
}

func TestCredentialExpired(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		cred Credential
		want bool
	}{
		{"api key never expires", Credential{Type: "api_key", Expires: now.Add(-time.Hour).UnixMilli()}, false},
		{"oauth without expiry", Credential{Type: "oauth"}, false},
		{"oauth in the future", Credential{Type: "oauth", Expires: now.Add(time.Hour).UnixMilli()}, false},
		{"oauth in the past", Credential{Type: "oauth", Expires: now.Add(-time.Second).UnixMilli()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cred.Expired(now))
		})
	}
}

func TestCredStoreWatchInvalidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	writeCredFile(t, path, `{"anthropic":{"type":"api_key","key":"old"}}`)

	s := NewCredStore(path, testLogger(t))
	defer s.Close()

	cred, err := s.Get("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "old", cred.Key)

	writeCredFile(t, path, `{"anthropic":{"type":"api_key","key":"new"}}`)

	require.Eventually(t, func() bool {
		cred, err := s.Get("anthropic")
		return err == nil && cred.Key == "new"
	}, 3*time.Second, 20*time.Millisecond, "watch should invalidate the cache")
}
