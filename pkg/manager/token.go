package manager

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// TokenManager manages bearer tokens for the admin API
type TokenManager struct {
	tokens map[string]*APIToken
	mu     sync.RWMutex
}

// APIToken is a credential for the admin API. A zero ExpiresAt never expires.
type APIToken struct {
	Token     string    `json:"token"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// NewTokenManager creates a new token manager
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*APIToken),
	}
}

// AddStatic registers a configured token that never expires
func (tm *TokenManager) AddStatic(name, token string) {
	if token == "" {
		return
	}
	tm.mu.Lock()
	tm.tokens[token] = &APIToken{Token: token, Name: name, CreatedAt: time.Now()}
	tm.mu.Unlock()
}

// GenerateToken creates a random token valid for ttl; ttl <= 0 never expires
func (tm *TokenManager) GenerateToken(name string, ttl time.Duration) (*APIToken, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random token: %w", err)
	}

	now := time.Now()
	at := &APIToken{
		Token:     hex.EncodeToString(bytes),
		Name:      name,
		CreatedAt: now,
	}
	if ttl > 0 {
		at.ExpiresAt = now.Add(ttl)
	}

	tm.mu.Lock()
	tm.tokens[at.Token] = at
	tm.mu.Unlock()

	return at, nil
}

// ValidateToken returns the name the token was issued to
func (tm *TokenManager) ValidateToken(token string) (string, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	var match *APIToken
	for key, at := range tm.tokens {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			match = at
		}
	}
	if match == nil {
		return "", ErrInvalidToken
	}
	if !match.ExpiresAt.IsZero() && time.Now().After(match.ExpiresAt) {
		return "", ErrTokenExpired
	}
	return match.Name, nil
}

// Enabled reports whether any token is registered. With none, the admin
// API is unauthenticated.
func (tm *TokenManager) Enabled() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.tokens) > 0
}

// RevokeToken revokes a token
func (tm *TokenManager) RevokeToken(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// CleanupExpiredTokens removes expired tokens
func (tm *TokenManager) CleanupExpiredTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for token, at := range tm.tokens {
		if !at.ExpiresAt.IsZero() && now.After(at.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}
