package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"recurflow/internal/store"
)

const TokenKey = "auth.token"

var ErrNoToken = errors.New("authentication token unavailable")

// TokenRecord is the captured bearer token as persisted by whatever component
// acquires it.
type TokenRecord struct {
	Token      string    `json:"token"`
	CapturedAt time.Time `json:"capturedAt"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
	Source     string    `json:"source,omitempty"`
}

// TokenStore reads the bearer token from the KV store. It is both the
// Checker behind Cache and the token source of the expense client.
type TokenStore struct {
	kv        store.KV
	prefix    string
	minLength int
	now       func() time.Time
}

func NewTokenStore(kv store.KV, prefix string, minLength int) *TokenStore {
	return &TokenStore{kv: kv, prefix: prefix, minLength: minLength, now: time.Now}
}

func (s *TokenStore) Token(ctx context.Context) (string, error) {
	var rec TokenRecord
	ok, err := store.GetJSON(ctx, s.kv, TokenKey, &rec)
	if err != nil {
		return "", err
	}
	if !ok || !s.wellFormed(rec.Token) {
		return "", ErrNoToken
	}
	if !rec.ExpiresAt.IsZero() && s.now().After(rec.ExpiresAt) {
		return "", ErrNoToken
	}
	return rec.Token, nil
}

func (s *TokenStore) Check(ctx context.Context) (bool, error) {
	_, err := s.Token(ctx)
	if errors.Is(err, ErrNoToken) {
		return false, nil
	}
	return err == nil, err
}

func (s *TokenStore) Save(ctx context.Context, rec TokenRecord) error {
	if !s.wellFormed(rec.Token) {
		return errors.New("invalid token format")
	}
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = s.now()
	}
	return store.SetJSON(ctx, s.kv, TokenKey, rec)
}

func (s *TokenStore) wellFormed(tok string) bool {
	if tok == "" || len(tok) < s.minLength {
		return false
	}
	return s.prefix == "" || strings.HasPrefix(tok, s.prefix)
}
