package authproxy

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/duh17/oppi/internal/common/logger"
)

// hop-by-hop headers never cross the proxy in either direction.
var hopByHop = map[string]bool{
	"Host":                true,
	"Connection":          true,
	"Transfer-Encoding":   true,
	"Keep-Alive":          true,
	"Upgrade":             true,
	"Te":                  true,
	"Trailer":             true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
}

// Proxy terminates session placeholder credentials and re-authenticates
// requests against the real upstream providers.
type Proxy struct {
	routes []ProviderRoute
	creds  *CredStore
	client *http.Client
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]map[string]bool // session -> allowed providers, nil = all
}

// NewProxy builds a proxy over the given routes and credential store.
func NewProxy(routes []ProviderRoute, creds *CredStore, log *logger.Logger) *Proxy {
	return &Proxy{
		routes:   routes,
		creds:    creds,
		client:   &http.Client{}, // no client timeout: responses stream
		logger:   log.WithFields(zap.String("component", "auth_proxy")),
		sessions: make(map[string]map[string]bool),
	}
}

// RegisterSession authorizes a session for the given providers; an empty
// list authorizes every route.
func (p *Proxy) RegisterSession(sessionID string, providers []string) {
	var set map[string]bool
	if len(providers) > 0 {
		set = make(map[string]bool, len(providers))
		for _, name := range providers {
			set[name] = true
		}
	}
	p.mu.Lock()
	p.sessions[sessionID] = set
	p.mu.Unlock()
}

// RemoveSession revokes a session's proxy access.
func (p *Proxy) RemoveSession(sessionID string) {
	p.mu.Lock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()
}

// SessionCount returns the number of registered sessions.
func (p *Proxy) SessionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

func (p *Proxy) authorized(sessionID, provider string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set, ok := p.sessions[sessionID]
	if !ok {
		return false
	}
	return set == nil || set[provider]
}

// StubAuth returns the placeholder credential object a session writes into
// its own credential file for the given provider.
func (p *Proxy) StubAuth(sessionID, provider string) (map[string]interface{}, error) {
	for _, route := range p.routes {
		if route.Name != provider {
			continue
		}
		// best effort: the stub may need fields from the real credential
		cred, err := p.creds.Get(route.CredentialKey)
		if err != nil {
			cred = Credential{}
		}
		return route.BuildStub(sessionID, cred), nil
	}
	return nil, fmt.Errorf("unknown provider %q", provider)
}

// Routes registers the proxy's HTTP surface on a gin engine.
func (p *Proxy) Routes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "sessions": p.SessionCount()})
	})
	r.NoRoute(p.handle)
}

func (p *Proxy) handle(c *gin.Context) {
	route := p.matchRoute(c.Request.URL.Path)
	if route == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider route"})
		return
	}

	sessionID, err := route.ExtractSession(c.Request.Header)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if !p.authorized(sessionID, route.Name) {
		c.JSON(http.StatusForbidden, gin.H{"error": "session not authorized for provider"})
		return
	}

	cred, err := p.creds.Get(route.CredentialKey)
	if err != nil {
		p.logger.Warn("credential lookup failed",
			zap.String("provider", route.Name),
			zap.String("session_id", sessionID),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	upstreamURL, err := p.upstreamURL(route, c.Request.URL)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, upstreamURL, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	copyHeaders(req.Header, c.Request.Header)
	if err := route.Inject(req.Header, cred); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	req.Host = req.URL.Host

	resp, err := p.client.Do(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("upstream request failed: %v", err)})
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	header := c.Writer.Header()
	for key, values := range resp.Header {
		if hopByHop[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			header.Add(key, v)
		}
	}
	c.Status(resp.StatusCode)
	if _, err := io.Copy(flushWriter{c.Writer}, resp.Body); err != nil {
		p.logger.Debug("upstream stream interrupted",
			zap.String("provider", route.Name), zap.Error(err))
	}
}

func (p *Proxy) matchRoute(path string) *ProviderRoute {
	for i := range p.routes {
		route := &p.routes[i]
		if path == route.Prefix || strings.HasPrefix(path, route.Prefix+"/") {
			return route
		}
	}
	return nil
}

// upstreamURL splices the upstream base with the request path after the
// route prefix, preserving the query string.
func (p *Proxy) upstreamURL(route *ProviderRoute, in *url.URL) (string, error) {
	base, err := url.Parse(route.Upstream)
	if err != nil {
		return "", fmt.Errorf("invalid upstream base: %w", err)
	}
	rest := strings.TrimPrefix(in.Path, route.Prefix)
	base.Path = strings.TrimSuffix(base.Path, "/") + rest
	base.RawQuery = in.RawQuery
	return base.String(), nil
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHop[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// flushWriter flushes after every write so streamed responses reach the
// client as they arrive.
type flushWriter struct {
	w gin.ResponseWriter
}

func (f flushWriter) Write(b []byte) (int, error) {
	n, err := f.w.Write(b)
	f.w.Flush()
	return n, err
}
