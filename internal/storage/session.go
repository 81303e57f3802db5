package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/storefront-cart/internal/cart"
)

const (
	defaultPrefix = "storefront"
	defaultTTL    = 30 * 24 * time.Hour
)

// Store hands out session-scoped views over a KV.
type Store struct {
	kv     KV
	prefix string
	ttl    time.Duration
}

// New returns a Store. Keys are "<prefix>:<session>:cart" and
// "<prefix>:<session>:token"; both expire ttl after the last write.
func New(kv KV, prefix string, ttl time.Duration) *Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{kv: kv, prefix: prefix, ttl: ttl}
}

// Session returns the storage of one shopper session.
func (s *Store) Session(id string) *Session {
	base := s.prefix + ":" + strings.TrimSpace(id)
	return &Session{
		store:    s,
		cartKey:  base + ":cart",
		tokenKey: base + ":token",
	}
}

// Session implements cart.Store for one session.
type Session struct {
	store    *Store
	cartKey  string
	tokenKey string
}

var _ cart.Store = (*Session)(nil)

// LoadLines returns the persisted offline cart, or nil when none is stored.
func (s *Session) LoadLines(ctx context.Context) ([]cart.Line, error) {
	var lines []cart.Line
	if _, err := getJSON(ctx, s.store.kv, s.cartKey, &lines); err != nil {
		return nil, fmt.Errorf("load cart %s: %w", s.cartKey, err)
	}
	return lines, nil
}

// SaveLines replaces the persisted offline cart.
func (s *Session) SaveLines(ctx context.Context, lines []cart.Line) error {
	if lines == nil {
		lines = []cart.Line{}
	}
	if err := setJSON(ctx, s.store.kv, s.cartKey, lines, s.store.ttl); err != nil {
		return fmt.Errorf("save cart %s: %w", s.cartKey, err)
	}
	return nil
}

// ClearLines removes the persisted offline cart.
func (s *Session) ClearLines(ctx context.Context) error {
	return s.store.kv.Delete(ctx, s.cartKey)
}

// Token returns the stored bearer token, or "" when the shopper is a guest.
func (s *Session) Token(ctx context.Context) (string, error) {
	data, ok, err := s.store.kv.Get(ctx, s.tokenKey)
	if err != nil || !ok {
		return "", err
	}
	return string(data), nil
}

// SetToken stores the bearer token. An empty token signs the session out.
func (s *Session) SetToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return s.store.kv.Delete(ctx, s.tokenKey)
	}
	return s.store.kv.Set(ctx, s.tokenKey, []byte(token), s.store.ttl)
}

// Forget deletes everything stored for the session.
func (s *Session) Forget(ctx context.Context) error {
	return s.store.kv.Delete(ctx, s.cartKey, s.tokenKey)
}
