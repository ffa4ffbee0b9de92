package auth

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/yaront1111/mandarin-sub009/internal/storage"
	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

func TestTokenFromInitial(t *testing.T) {
	t.Parallel()
	s := NewSource("tok-a", nil, nil, logx.Nop())
	tok, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "tok-a" {
		t.Fatalf("Token = %q", tok)
	}
}

func TestTokenMissing(t *testing.T) {
	t.Parallel()
	s := NewSource("", nil, nil, logx.Nop())
	if _, err := s.Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	refresh := func(ctx context.Context, current string) (string, error) {
		calls.Add(1)
		return "tok-new", nil
	}
	s := NewSource("tok-old", refresh, nil, logx.Nop())

	tok, err := s.Refresh(context.Background(), "tok-old")
	if err != nil || tok != "tok-new" {
		t.Fatalf("Refresh = %q, %v", tok, err)
	}
	// Second caller still holds the stale token; no second exchange happens.
	tok, err = s.Refresh(context.Background(), "tok-old")
	if err != nil || tok != "tok-new" {
		t.Fatalf("second Refresh = %q, %v", tok, err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
}

func TestRefreshWithoutFunc(t *testing.T) {
	t.Parallel()
	s := NewSource("tok", nil, nil, logx.Nop())
	if _, err := s.Refresh(context.Background(), "tok"); !errors.Is(err, ErrNoRefresh) {
		t.Fatalf("err = %v, want ErrNoRefresh", err)
	}
}

func TestRefreshPersistsAcrossRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "store.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	refresh := func(ctx context.Context, current string) (string, error) { return "tok-2", nil }
	s := NewSource("tok-1", refresh, st, logx.Nop())
	if _, err := s.Refresh(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// A fresh Source with no initial token picks up the persisted one.
	s2 := NewSource("", nil, st, logx.Nop())
	tok, err := s2.Token(context.Background())
	if err != nil {
		t.Fatalf("Token after restart: %v", err)
	}
	if tok != "tok-2" {
		t.Fatalf("Token = %q, want tok-2", tok)
	}
}
