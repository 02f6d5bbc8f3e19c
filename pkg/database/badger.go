package database

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// OpenBadger opens the embedded fallback store. With inMemory set dir is ignored
// and nothing is written to disk.
func OpenBadger(dir string, inMemory bool, logger *zap.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	if logger != nil {
		logger.Info("Badger store opened", zap.String("dir", dir), zap.Bool("in_memory", inMemory))
	}
	return db, nil
}
