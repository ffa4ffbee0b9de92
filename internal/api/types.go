// Package api is the REST client for the collaborator backend. Every
// response rides a {success, data|error} envelope; requests carry a
// bearer token, a rejected token is refreshed once and the request
// retried once, and 5xx/network failures are retried with jittered
// backoff behind a per-resource-class circuit breaker. GET requests read
// through the response cache; mutations invalidate their resource prefix
// and, when the network is unreachable, land in the offline queue.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config tunes the client.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration // default 15s
	RetryMax       int           // extra attempts on retryable failures, default 2
	RetryBase      time.Duration // default 300ms
	RetryMaxDelay  time.Duration // default 5s
	Breaker        BreakerConfig
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 300 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	return c
}

// envelope is the backend's uniform response shape.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

var (
	// ErrCircuitOpen short-circuits a request whose resource class has
	// tripped its breaker.
	ErrCircuitOpen = errors.New("api: circuit open")

	// ErrQueuedOffline reports that a mutation was captured by the
	// offline queue instead of executed.
	ErrQueuedOffline = errors.New("api: mutation queued offline")
)

// StatusError is a definitive backend rejection (the envelope said
// success=false, or a non-retryable HTTP status arrived).
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api: status %d", e.Status)
}

// Retryable classifies err: network failures and 5xx responses are worth
// retrying, definitive rejections are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrQueuedOffline) {
		return false
	}
	// Anything else reaching here is transport-level.
	return true
}

// classOf extracts the resource class from a request path: its first
// segment ("/messages/42" -> "messages").
func classOf(path string) string {
	p := strings.TrimPrefix(path, "/")
	if i := strings.IndexAny(p, "/?"); i >= 0 {
		p = p[:i]
	}
	return p
}
