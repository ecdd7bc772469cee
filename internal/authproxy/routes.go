package authproxy

import (
	"fmt"
	"net/http"
	"strings"
)

// anthropicStubPrefix is the placeholder key handed to sessions; the real
// credential never enters the session's filesystem view.
const anthropicStubPrefix = "sk-ant-oat01-proxy-"

const anthropicOAuthBeta = "oauth-2025-04-20"

// ProviderRoute binds a URL prefix to an upstream provider: how to pull the
// session id out of placeholder credentials, how to inject the real ones,
// and how to build the placeholder a session writes into its credential
// file.
type ProviderRoute struct {
	Name           string
	Prefix         string
	CredentialKey  string
	Upstream       string
	ExtractSession func(h http.Header) (string, error)
	Inject         func(h http.Header, cred Credential) error
	BuildStub      func(sessionID string, cred Credential) map[string]interface{}
}

// DefaultRoutes returns the built-in provider table.
func DefaultRoutes() []ProviderRoute {
	return []ProviderRoute{
		{
			Name:          "anthropic",
			Prefix:        "/anthropic",
			CredentialKey: "anthropic",
			Upstream:      "https://api.anthropic.com",
			ExtractSession: func(h http.Header) (string, error) {
				token, ok := bearerToken(h.Get("Authorization"))
				if !ok {
					return "", fmt.Errorf("missing bearer authorization")
				}
				if !strings.HasPrefix(token, anthropicStubPrefix) {
					return "", fmt.Errorf("not a proxy placeholder key")
				}
				session := strings.TrimPrefix(token, anthropicStubPrefix)
				if session == "" {
					return "", fmt.Errorf("placeholder key carries no session id")
				}
				return session, nil
			},
			Inject: func(h http.Header, cred Credential) error {
				switch cred.Type {
				case "oauth":
					h.Set("Authorization", "Bearer "+cred.Access)
					h.Del("X-Api-Key")
					h.Set("anthropic-beta", mergeBeta(h.Get("anthropic-beta"), anthropicOAuthBeta))
				case "api_key":
					h.Del("Authorization")
					h.Set("X-Api-Key", cred.Key)
				default:
					return fmt.Errorf("unsupported anthropic credential type %q", cred.Type)
				}
				return nil
			},
			BuildStub: func(sessionID string, _ Credential) map[string]interface{} {
				return map[string]interface{}{
					"type": "api_key",
					"key":  anthropicStubPrefix + sessionID,
				}
			},
		},
		{
			Name:          "openai-codex",
			Prefix:        "/openai-codex",
			CredentialKey: "openai-codex",
			Upstream:      "https://chatgpt.com/backend-api/codex",
			ExtractSession: func(h http.Header) (string, error) {
				token, ok := bearerToken(h.Get("Authorization"))
				if !ok {
					return "", fmt.Errorf("missing bearer authorization")
				}
				return SessionFromJWT(token)
			},
			Inject: func(h http.Header, cred Credential) error {
				if cred.Access == "" {
					return fmt.Errorf("openai-codex credential has no access token")
				}
				h.Set("Authorization", "Bearer "+cred.Access)
				accountID := cred.AccountID
				if accountID == "" {
					accountID = AccountIDFromJWT(cred.Access)
				}
				if accountID != "" {
					h.Set("chatgpt-account-id", accountID)
				}
				return nil
			},
			BuildStub: func(sessionID string, cred Credential) map[string]interface{} {
				accountID := cred.AccountID
				if accountID == "" {
					accountID = AccountIDFromJWT(cred.Access)
				}
				return map[string]interface{}{
					"type":   "oauth",
					"access": BuildFakeJWT(sessionID, accountID),
				}
			},
		},
	}
}

// mergeBeta appends a beta flag to a comma-separated header value without
// duplicating it.
func mergeBeta(existing, flag string) string {
	if existing == "" {
		return flag
	}
	for _, part := range strings.Split(existing, ",") {
		if strings.TrimSpace(part) == flag {
			return existing
		}
	}
	return existing + "," + flag
}
