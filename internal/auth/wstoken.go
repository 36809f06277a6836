package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"vpdcalc/internal/task"
)

const (
	// WSTokenTTL is how long a live stream token is valid
	WSTokenTTL = 30 * time.Second
	// WSTokenLength is the byte length of the token before hex encoding
	WSTokenLength = 32
)

// WSTokenStore issues one-time tokens for opening the live readings
// websocket. Browsers cannot set headers on websocket upgrades.
type WSTokenStore struct {
	mu     sync.Mutex
	tokens map[string]wsToken
	now    func() time.Time
}

type wsToken struct {
	username  string
	createdAt time.Time
}

// NewWSTokenStore creates an empty token store
func NewWSTokenStore() *WSTokenStore {
	return &WSTokenStore{
		tokens: make(map[string]wsToken),
		now:    time.Now,
	}
}

// Run removes expired tokens every minute until ctx is cancelled
func (s *WSTokenStore) Run(ctx context.Context, logger *log.Logger) {
	task.RunPeriodic(ctx, time.Minute, logger, "Auth", func(context.Context) error {
		s.cleanup()
		return nil
	})
}

// Generate creates a new one-time token for a user
func (s *WSTokenStore) Generate(username string) (string, error) {
	b := make([]byte, WSTokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	s.mu.Lock()
	s.tokens[token] = wsToken{username: username, createdAt: s.now()}
	s.mu.Unlock()

	return token, nil
}

// Validate consumes a token and returns the user it was issued to
func (s *WSTokenStore) Validate(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tokens[token]
	if !exists {
		return "", false
	}
	delete(s.tokens, token)

	if s.now().Sub(t.createdAt) > WSTokenTTL {
		return "", false
	}
	return t.username, true
}

func (s *WSTokenStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for token, t := range s.tokens {
		if now.Sub(t.createdAt) > WSTokenTTL {
			delete(s.tokens, token)
		}
	}
}
