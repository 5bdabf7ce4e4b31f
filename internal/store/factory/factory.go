package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/berthd/berth/internal/store"
	pg "github.com/berthd/berth/internal/store/postgres"
	sq "github.com/berthd/berth/internal/store/sqlite"
)

// NewFromDSN builds a store from a connection string. Recognized forms:
//
//	sqlite://state.db          sqlite file
//	postgres://user@host/db    postgres (postgresql:// also accepted)
//	state.db                   bare path, treated as sqlite
func NewFromDSN(dsn string) (store.Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty DSN")
	}
	scheme, rest, found := strings.Cut(dsn, "://")
	if !found {
		return sq.New(dsn)
	}
	switch strings.ToLower(scheme) {
	case "sqlite":
		return sq.New(rest)
	case "postgres", "postgresql":
		return pg.New(dsn)
	default:
		return nil, fmt.Errorf("unsupported DSN scheme %q", scheme)
	}
}
