// Package store selects the persistence backend for conversation sessions.
package store

import (
	"fmt"

	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/sessions"
	"github.com/nextlevelbuilder/chatbridge/internal/store/sqlite"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// OpenSessionStore returns the configured session store. In memory mode
// the store is nil and sessions live only in the manager.
func OpenSessionStore(cfg config.SessionsConfig) (sessions.Store, error) {
	switch cfg.Storage {
	case "", StorageMemory:
		return nil, nil
	case StorageSQLite:
		s, err := sqlite.Open(config.ExpandHome(cfg.Path))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown session storage %q", cfg.Storage)
}
