package authproxy

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const openaiAuthClaim = "https://api.openai.com/auth"

// BuildFakeJWT produces an unsigned placeholder token: header alg "none",
// payload carrying the session id and the real chatgpt account id. Provider
// SDKs that only decode the payload accept it; it is useless as a real
// credential because the proxy re-authenticates upstream.
func BuildFakeJWT(sessionID, accountID string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, _ := json.Marshal(map[string]interface{}{
		openaiAuthClaim: map[string]interface{}{
			"chatgpt_account_id": accountID,
		},
		"oppi_session": sessionID,
	})
	body := base64.RawURLEncoding.EncodeToString(payload)
	return header + "." + body + ".stub"
}

// SessionFromJWT extracts the oppi_session claim from a bearer token without
// verifying the signature; the claim is only a routing hint, authorization
// happens against the session registry.
func SessionFromJWT(token string) (string, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("decode bearer token: %w", err)
	}
	session, _ := claims["oppi_session"].(string)
	if session == "" {
		return "", fmt.Errorf("bearer token carries no session claim")
	}
	return session, nil
}

// AccountIDFromJWT reads the chatgpt account id out of a real OpenAI access
// token so the stub credential can carry it through.
func AccountIDFromJWT(token string) string {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return ""
	}
	auth, _ := claims[openaiAuthClaim].(map[string]interface{})
	accountID, _ := auth["chatgpt_account_id"].(string)
	return accountID
}

// bearerToken strips the "Bearer " prefix from an Authorization value.
func bearerToken(authorization string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return "", false
	}
	return strings.TrimPrefix(authorization, prefix), true
}
