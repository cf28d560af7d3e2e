package badger

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Key prefixes are versioned so a future record format can migrate by
// rewriting one prefix into the next without guessing what a value holds.
const (
	profileKeyPrefix = "v1:profile:"
	deviceKeyPrefix  = "v1:device:"
)

// Open opens the on-device Badger store at path. An empty path opens an
// in-memory store, which tests and throwaway instances use.
func Open(path string, logger *zap.SugaredLogger) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	if logger != nil {
		logger.Infow("opened badger store",
			"path", path,
			"in_memory", path == "",
		)
	}

	return db, nil
}

// Close closes the Badger store
func Close(db *badger.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}
