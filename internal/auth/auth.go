// Package auth supplies bearer tokens to the REST client and the socket
// transports. Token acquisition itself lives outside the substrate; callers
// inject a RefreshFunc and the package handles caching, single-flight
// refresh, and persistence across restarts.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/yaront1111/mandarin-sub009/internal/storage"
	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

var (
	ErrNoToken   = errors.New("auth: no token available")
	ErrNoRefresh = errors.New("auth: refresh not configured")
)

// TokenSource hands out the current bearer token and exchanges rejected ones.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	// Refresh exchanges a rejected token for a fresh one. Implementations
	// must be single-flight: when the rejected token was already replaced,
	// the current token is returned without a new exchange.
	Refresh(ctx context.Context, rejected string) (string, error)
}

// RefreshFunc performs the actual token exchange against the backend.
type RefreshFunc func(ctx context.Context, current string) (string, error)

const storeKey = "auth.token"

// Source is the default TokenSource: an in-memory token seeded from config
// or the local store, refreshed through an injected RefreshFunc.
type Source struct {
	mu      sync.Mutex
	token   string
	refresh RefreshFunc
	store   storage.Store
	log     logx.Logger
}

// NewSource builds a Source. initial may be empty if a token was persisted
// earlier; store and refresh may be nil.
func NewSource(initial string, refresh RefreshFunc, st storage.Store, log logx.Logger) *Source {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Source{
		token:   strings.TrimSpace(initial),
		refresh: refresh,
		store:   st,
		log:     log,
	}
	if s.token == "" && st != nil {
		if raw, ok, err := st.Get(context.Background(), storeKey); err == nil && ok {
			var tok string
			if json.Unmarshal(raw, &tok) == nil && strings.TrimSpace(tok) != "" {
				s.token = tok
				s.log.Debug("auth token restored from store")
			}
		}
	}
	return s
}

func (s *Source) Token(ctx context.Context) (string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", ErrNoToken
	}
	return s.token, nil
}

func (s *Source) Refresh(ctx context.Context, rejected string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Someone else already refreshed while the caller was getting a 401.
	if s.token != "" && s.token != rejected {
		return s.token, nil
	}
	if s.refresh == nil {
		return "", ErrNoRefresh
	}

	tok, err := s.refresh(ctx, s.token)
	if err != nil {
		return "", err
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", ErrNoToken
	}
	s.token = tok
	s.persistLocked(ctx, tok)
	return tok, nil
}

func (s *Source) persistLocked(ctx context.Context, tok string) {
	if s.store == nil {
		return
	}
	b, err := json.Marshal(tok)
	if err != nil {
		return
	}
	if err := s.store.Put(ctx, storeKey, b); err != nil {
		s.log.Warn("auth token persist failed", logx.Err(err))
	}
}
