package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

// Store is the minimal persistence API used by the substrate.
//
// Values and queue items are opaque JSON documents: callers marshal before
// Put/Append and unmarshal after Get/Load. Queues preserve append order.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Delete(ctx context.Context, key string) error

	ReplaceQueue(ctx context.Context, name string, items [][]byte) error
	AppendQueue(ctx context.Context, name string, item []byte) error
	LoadQueue(ctx context.Context, name string) ([][]byte, error)

	// Compact folds journals into snapshots (file driver) or prunes dead
	// rows (sqlite). Safe to call at any time.
	Compact(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
