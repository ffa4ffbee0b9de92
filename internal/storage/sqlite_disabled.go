//go:build !sqlite
// +build !sqlite

package storage

import (
	"errors"

	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	_ = cfg
	_ = log
	return nil, errors.New("sqlite storage not built: build with -tags sqlite (and add a sqlite driver dependency)")
}
