// Package authproxy substitutes real provider credentials for session
// placeholders on outbound provider API calls.
package authproxy

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/duh17/oppi/internal/common/logger"
)

// Credential is one provider credential from the host credential file.
type Credential struct {
	Type      string `json:"type"` // "api_key" | "oauth"
	Key       string `json:"key,omitempty"`
	Access    string `json:"access,omitempty"`
	Refresh   string `json:"refresh,omitempty"`
	Expires   int64  `json:"expires,omitempty"` // unix millis, 0 = no expiry
	AccountID string `json:"accountId,omitempty"`
}

// Expired reports whether an oauth credential's expiry has passed.
func (c Credential) Expired(now time.Time) bool {
	return c.Type == "oauth" && c.Expires != 0 && c.Expires <= now.UnixMilli()
}

const credentialTTL = 5 * time.Second

// CredStore reads the host credential file, memoized with a short freshness
// window. The file may be rewritten at any time by the host (e.g. an OAuth
// refresh); a filesystem watch invalidates the cache immediately, and the
// TTL covers editors that do not trigger a watch event.
type CredStore struct {
	mu       sync.Mutex
	path     string
	cache    map[string]Credential
	loadedAt time.Time
	watcher  *fsnotify.Watcher
	logger   *logger.Logger
	now      func() time.Time
}

// NewCredStore creates a store over the credential file at path. The
// filesystem watch is best effort; the store works without it.
func NewCredStore(path string, log *logger.Logger) *CredStore {
	s := &CredStore{
		path:   path,
		logger: log.WithFields(zap.String("component", "cred_store")),
		now:    time.Now,
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("credential file watch unavailable", zap.Error(err))
		return s
	}
	if err := watcher.Add(path); err != nil {
		s.logger.Debug("credential file not watchable yet", zap.Error(err))
	}
	s.watcher = watcher
	go s.watchLoop()
	return s
}

func (s *CredStore) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				s.Invalidate()
				// rewrites via rename drop the watch on the old inode
				_ = s.watcher.Add(s.path)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("credential file watch error", zap.Error(err))
		}
	}
}

// Get returns the credential for a provider. If the cached credential is an
// expired oauth token the file is reloaded once before giving up.
func (s *CredStore) Get(provider string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(false); err != nil {
		return Credential{}, err
	}
	cred, ok := s.cache[provider]
	if !ok {
		return Credential{}, fmt.Errorf("no credential for provider %q", provider)
	}

	if cred.Expired(s.now()) {
		if err := s.loadLocked(true); err != nil {
			return Credential{}, err
		}
		cred, ok = s.cache[provider]
		if !ok {
			return Credential{}, fmt.Errorf("no credential for provider %q", provider)
		}
		if cred.Expired(s.now()) {
			return Credential{}, fmt.Errorf("credential for provider %q is expired", provider)
		}
	}
	return cred, nil
}

// Invalidate drops the cache so the next read hits the file.
func (s *CredStore) Invalidate() {
	s.mu.Lock()
	s.loadedAt = time.Time{}
	s.mu.Unlock()
}

// Close stops the filesystem watch.
func (s *CredStore) Close() {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}

func (s *CredStore) loadLocked(force bool) error {
	if !force && s.cache != nil && s.now().Sub(s.loadedAt) < credentialTTL {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read credential file: %w", err)
	}
	var creds map[string]Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("parse credential file: %w", err)
	}
	s.cache = creds
	s.loadedAt = s.now()
	return nil
}
