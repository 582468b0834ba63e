package hubclient

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cristalhq/jwt/v5"
	"github.com/tidwall/gjson"
)

// TokenStore holds the current bearer credential. It is safe for concurrent use.
type TokenStore struct {
	mu    sync.RWMutex
	token string
}

// NewTokenStore returns a store seeded with token, which may be empty.
func NewTokenStore(token string) *TokenStore {
	return &TokenStore{token: token}
}

func (s *TokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *TokenStore) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// TokenInfo is what can be read from a JWT without verifying it.
type TokenInfo struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token carries an expiry that lies before now.
func (i TokenInfo) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// InspectToken decodes the registered claims of a JWT. The signature is not
// checked; the server stays the authority on validity.
func InspectToken(raw string) (TokenInfo, error) {
	token, err := jwt.ParseNoVerify([]byte(raw))
	if err != nil {
		return TokenInfo{}, fmt.Errorf("parse token: %w", err)
	}
	var claims jwt.RegisteredClaims
	if err := json.Unmarshal(token.Claims(), &claims); err != nil {
		return TokenInfo{}, fmt.Errorf("decode claims: %w", err)
	}
	info := TokenInfo{Subject: claims.Subject}
	if claims.IssuedAt != nil {
		info.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

var tokenPaths = []string{"token", "accessToken", "access_token", "data.token", "data.accessToken"}

// extractToken finds the credential in a token endpoint response body. A
// bare JSON string is accepted as well.
func extractToken(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", ErrNoToken
	}
	parsed := gjson.ParseBytes(body)
	if parsed.Type == gjson.String && parsed.Str != "" {
		return parsed.Str, nil
	}
	for _, p := range tokenPaths {
		if v := parsed.Get(p); v.Type == gjson.String && v.Str != "" {
			return v.Str, nil
		}
	}
	return "", ErrNoToken
}
