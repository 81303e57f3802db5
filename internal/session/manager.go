// Package session keeps one cart engine per shopper session and evicts the
// ones that go idle.
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/storefront-cart/internal/cart"
	"github.com/noah-isme/storefront-cart/internal/storage"
)

// ErrInvalidSession is returned for malformed session identifiers.
var ErrInvalidSession = errors.New("session: invalid session id")

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

const (
	defaultIdleTTL      = 30 * time.Minute
	defaultMergeLockTTL = 15 * time.Second
)

// Locker serialises the first load of a session across replicas.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Config wires a Manager.
type Config struct {
	Backend      cart.Backend
	Storage      *storage.Store
	Tokens       cart.TokenChecker
	Locker       Locker
	Logger       zerolog.Logger
	Debounce     time.Duration
	IdleTTL      time.Duration
	MergeLockTTL time.Duration
	Now          func() time.Time
}

// Manager owns the per-session engines.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	engine   *cart.Engine
	store    *storage.Session
	loadMu   sync.Mutex
	loaded   bool
	lastUsed time.Time
}

// NewManager validates cfg and returns an empty manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if cfg.Storage == nil {
		return nil, errors.New("session: storage is required")
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.MergeLockTTL <= 0 {
		cfg.MergeLockTTL = defaultMergeLockTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{cfg: cfg, entries: make(map[string]*entry)}, nil
}

// ValidID reports whether id is an acceptable session identifier.
func ValidID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Open returns the session's engine, loading and merging its cart on first
// use. A *cart.PartialMergeError is returned together with a usable engine.
func (m *Manager) Open(ctx context.Context, id string) (*cart.Engine, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if e.loaded {
		return e.engine, nil
	}
	err = m.load(ctx, id, e)
	if !loadSucceeded(err) {
		return nil, err
	}
	e.loaded = true
	return e.engine, err
}

// Refresh re-runs the merge for an open session.
func (m *Manager) Refresh(ctx context.Context, id string) (cart.State, error) {
	e, err := m.entry(id)
	if err != nil {
		return cart.State{}, err
	}
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	err = m.load(ctx, id, e)
	if loadSucceeded(err) {
		e.loaded = true
	}
	return e.engine.State(), err
}

func loadSucceeded(err error) bool {
	var partial *cart.PartialMergeError
	return err == nil || errors.As(err, &partial)
}

// AttachToken stores the bearer token presented with a request. A changed
// token (sign-in, account switch) marks the session for a fresh merge on its
// next Open. It reports whether the token changed.
func (m *Manager) AttachToken(ctx context.Context, id, token string) (bool, error) {
	e, err := m.entry(id)
	if err != nil {
		return false, err
	}
	current, err := e.store.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("read token: %w", err)
	}
	if current == token {
		return false, nil
	}
	if err := e.store.SetToken(ctx, token); err != nil {
		return false, fmt.Errorf("store token: %w", err)
	}
	e.loadMu.Lock()
	e.loaded = false
	e.loadMu.Unlock()
	return true, nil
}

// Sweep closes engines idle for longer than the configured idle TTL and
// returns how many were evicted. Stored carts are kept, so an evicted
// session resumes from storage.
func (m *Manager) Sweep(ctx context.Context) int {
	cutoff := m.cfg.Now().Add(-m.cfg.IdleTTL)
	var idle []*entry
	m.mu.Lock()
	for id, e := range m.entries {
		if e.lastUsed.Before(cutoff) {
			idle = append(idle, e)
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()

	for _, e := range idle {
		if err := e.engine.Close(ctx); err != nil {
			m.cfg.Logger.Warn().Err(err).Msg("session_close_failed")
		}
	}
	if len(idle) > 0 {
		m.cfg.Logger.Debug().Int("evicted", len(idle)).Msg("session_sweep")
	}
	return len(idle)
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close flushes and stops every engine.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	var errs []error
	for id, e := range entries {
		if err := e.engine.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) entry(id string) (*entry, error) {
	if !ValidID(id) {
		return nil, ErrInvalidSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.lastUsed = m.cfg.Now()
		return e, nil
	}
	store := m.cfg.Storage.Session(id)
	engine, err := cart.NewEngine(cart.Options{
		Backend:  m.cfg.Backend,
		Store:    store,
		Tokens:   m.cfg.Tokens,
		Logger:   m.cfg.Logger.With().Str("session_id", id).Logger(),
		Debounce: m.cfg.Debounce,
		Now:      m.cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	e := &entry{engine: engine, store: store, lastUsed: m.cfg.Now()}
	m.entries[id] = e
	return e, nil
}

// load fetches the cart while holding the session's merge lock so two
// replicas cannot push the same offline lines twice. If the lock itself is
// unavailable the load proceeds unlocked.
func (m *Manager) load(ctx context.Context, id string, e *entry) error {
	var fetchErr error
	fetch := func(ctx context.Context) error {
		_, fetchErr = e.engine.Fetch(ctx)
		return nil
	}
	if m.cfg.Locker == nil {
		_ = fetch(ctx)
		return fetchErr
	}
	if err := m.cfg.Locker.WithLock(ctx, "cart-merge:"+id, m.cfg.MergeLockTTL, fetch); err != nil {
		if ctx.Err() != nil {
			return err
		}
		m.cfg.Logger.Warn().Err(err).Str("session_id", id).Msg("session_merge_lock_unavailable")
		_ = fetch(ctx)
	}
	return fetchErr
}
