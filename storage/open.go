package storage

import (
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// Open returns the database for the named backend. Path is ignored for memory.
func Open(backend, path string) (Database, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMemory:
		return NewMemDB(), nil
	case BackendLevelDB:
		db, err := NewLevelDB(path)
		if err != nil {
			return nil, fmt.Errorf("storage: open leveldb: %w", err)
		}
		return db, nil
	case BackendBolt:
		db, err := NewBoltDB(path)
		if err != nil {
			return nil, fmt.Errorf("storage: open bolt: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}
