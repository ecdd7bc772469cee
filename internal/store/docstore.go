// Package store persists server configuration, session and workspace
// documents, device tokens, and session message history.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duh17/oppi/internal/common/logger"
)

// ServerConfig is the single server-wide configuration document.
type ServerConfig struct {
	SchemaVersion int       `json:"schemaVersion"`
	DefaultAgent  string    `json:"defaultAgent,omitempty"`
	PushEnabled   bool      `json:"pushEnabled"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SessionCounters are the running totals shown in session lists.
type SessionCounters struct {
	Messages  int `json:"messages"`
	ToolCalls int `json:"toolCalls"`
	Approvals int `json:"approvals"`
}

// SessionUsage is the running token and cost totals for a session.
type SessionUsage struct {
	Input      int64   `json:"input"`
	Output     int64   `json:"output"`
	CacheRead  int64   `json:"cacheRead"`
	CacheWrite int64   `json:"cacheWrite"`
	CostUSD    float64 `json:"costUsd"`
}

// SessionRecord is the durable view of a session.
type SessionRecord struct {
	ID             string          `json:"id"`
	WorkspaceID    string          `json:"workspaceId"`
	Title          string          `json:"title,omitempty"`
	Agent          string          `json:"agent,omitempty"`
	Status         string          `json:"status"`
	Counters       SessionCounters `json:"counters"`
	Usage          SessionUsage    `json:"usage"`
	ContextTokens  int64           `json:"contextTokens,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	LastActivityAt time.Time       `json:"lastActivityAt"`
}

// PathGrant gives sessions in a workspace read or readwrite access under a
// path outside the workspace root.
type PathGrant struct {
	Path string `json:"path"`
	Mode string `json:"mode"` // "read" | "readwrite"
}

// WorkspaceRecord describes one workspace root and its extra grants.
type WorkspaceRecord struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Root               string      `json:"root"`
	AllowedPaths       []PathGrant `json:"allowedPaths,omitempty"`
	AllowedExecutables []string    `json:"allowedExecutables,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
}

// DocumentStore is a single-writer JSON file store. Layout under dir:
// config.json, sessions/<id>.json, workspaces/<id>.json, push_tokens.json,
// auth_tokens.json. Files are 0600, directories 0700.
type DocumentStore struct {
	mu     sync.Mutex
	dir    string
	logger *logger.Logger
}

// NewDocumentStore creates the store rooted at dir.
func NewDocumentStore(dir string, log *logger.Logger) (*DocumentStore, error) {
	for _, d := range []string{dir, filepath.Join(dir, "sessions"), filepath.Join(dir, "workspaces")} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &DocumentStore{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "document_store")),
	}, nil
}

// GetConfig returns the server config, creating a default one on first read.
func (s *DocumentStore) GetConfig() (*ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cfg ServerConfig
	err := s.readJSON(s.configPath(), &cfg)
	if os.IsNotExist(err) {
		cfg = ServerConfig{SchemaVersion: 1, UpdatedAt: time.Now().UTC()}
		if werr := s.writeJSON(s.configPath(), &cfg); werr != nil {
			return nil, werr
		}
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateConfig applies non-zero fields of partial onto the stored config.
func (s *DocumentStore) UpdateConfig(partial ServerConfig) (*ServerConfig, error) {
	cfg, err := s.GetConfig()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if partial.DefaultAgent != "" {
		cfg.DefaultAgent = partial.DefaultAgent
	}
	cfg.PushEnabled = partial.PushEnabled
	cfg.UpdatedAt = time.Now().UTC()
	if err := s.writeJSON(s.configPath(), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetSession loads one session document.
func (s *DocumentStore) GetSession(id string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec SessionRecord
	if err := s.readJSON(s.sessionPath(id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveSession writes one session document.
func (s *DocumentStore) SaveSession(rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = time.Now().UTC()
	return s.writeJSON(s.sessionPath(rec.ID), rec)
}

// ListSessions returns all session documents ordered by creation time,
// newest first. Unreadable files are skipped with a warning.
func (s *DocumentStore) ListSessions() ([]*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*SessionRecord
	err := s.eachDoc(filepath.Join(s.dir, "sessions"), func(path string) {
		var rec SessionRecord
		if err := s.readJSON(path, &rec); err != nil {
			s.logger.Warn("skipping unreadable session document",
				zap.String("path", path), zap.Error(err))
			return
		}
		out = append(out, &rec)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// DeleteSession removes a session document. Missing documents are not an
// error.
func (s *DocumentStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.sessionPath(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// GetWorkspace loads one workspace document.
func (s *DocumentStore) GetWorkspace(id string) (*WorkspaceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec WorkspaceRecord
	if err := s.readJSON(s.workspacePath(id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveWorkspace writes one workspace document.
func (s *DocumentStore) SaveWorkspace(rec *WorkspaceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.workspacePath(rec.ID), rec)
}

// ListWorkspaces returns all workspace documents sorted by name.
func (s *DocumentStore) ListWorkspaces() ([]*WorkspaceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*WorkspaceRecord
	err := s.eachDoc(filepath.Join(s.dir, "workspaces"), func(path string) {
		var rec WorkspaceRecord
		if err := s.readJSON(path, &rec); err != nil {
			s.logger.Warn("skipping unreadable workspace document",
				zap.String("path", path), zap.Error(err))
			return
		}
		out = append(out, &rec)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteWorkspace removes a workspace document.
func (s *DocumentStore) DeleteWorkspace(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.workspacePath(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// PushDeviceTokens returns the registered push tokens.
func (s *DocumentStore) PushDeviceTokens() ([]string, error) {
	return s.tokens("push_tokens.json")
}

// AddPushDeviceToken registers a push token, deduplicating.
func (s *DocumentStore) AddPushDeviceToken(token string) error {
	return s.addToken("push_tokens.json", token)
}

// AuthDeviceTokens returns the registered device auth tokens.
func (s *DocumentStore) AuthDeviceTokens() ([]string, error) {
	return s.tokens("auth_tokens.json")
}

// AddAuthDeviceToken registers a device auth token, deduplicating.
func (s *DocumentStore) AddAuthDeviceToken(token string) error {
	return s.addToken("auth_tokens.json", token)
}

func (s *DocumentStore) tokens(name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	err := s.readJSON(filepath.Join(s.dir, name), &out)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return out, err
}

func (s *DocumentStore) addToken(name, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, name)
	var tokens []string
	if err := s.readJSON(path, &tokens); err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, t := range tokens {
		if t == token {
			return nil
		}
	}
	tokens = append(tokens, token)
	return s.writeJSON(path, tokens)
}

func (s *DocumentStore) configPath() string { return filepath.Join(s.dir, "config.json") }

func (s *DocumentStore) sessionPath(id string) string {
	return filepath.Join(s.dir, "sessions", sanitizeID(id)+".json")
}

func (s *DocumentStore) workspacePath(id string) string {
	return filepath.Join(s.dir, "workspaces", sanitizeID(id)+".json")
}

// sanitizeID keeps document ids from escaping the store directory.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}

func (s *DocumentStore) eachDoc(dir string, fn func(path string)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		fn(filepath.Join(dir, e.Name()))
	}
	return nil
}

func (s *DocumentStore) readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON writes atomically via a temp file in the same directory.
func (s *DocumentStore) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
