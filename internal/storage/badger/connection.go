package badger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/pixcrawler/pixcrawler/internal/common"
	"github.com/pixcrawler/pixcrawler/internal/faults"
)

// txnConflictRetries bounds the optimistic-transaction retry loop.
// Badger aborts conflicting read-write transactions instead of blocking;
// the retry re-runs the closure against the fresh row state.
const txnConflictRetries = 8

// BadgerDB manages the Badger database connection
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	config *common.BadgerConfig
}

// NewBadgerDB creates a new Badger database connection
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete database directory")
			}
		}
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Opening Badger database connection")

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Badger database initialized")

	return &BadgerDB{
		store:  store,
		logger: logger,
		config: config,
	}, nil
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Update runs fn inside a single read-write Badger transaction,
// retrying on optimistic conflicts. Every guarded CAS and counter
// mutation in the storage layer goes through this.
func (b *BadgerDB) Update(fn func(txn *badgerdb.Txn) error) error {
	var err error
	for attempt := 0; attempt < txnConflictRetries; attempt++ {
		err = b.store.Badger().Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
	}
	return faults.Wrap(faults.KindInfrastructure, err, "transaction conflict not resolved after %d attempts", txnConflictRetries)
}

// View runs fn inside a read-only transaction.
func (b *BadgerDB) View(fn func(txn *badgerdb.Txn) error) error {
	return b.store.Badger().View(fn)
}

// RunValueLogGC triggers one round of Badger value-log garbage
// collection. ErrNoRewrite is normal and swallowed.
func (b *BadgerDB) RunValueLogGC() error {
	err := b.store.Badger().RunValueLogGC(0.5)
	if errors.Is(err, badgerdb.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close closes the database connection
func (b *BadgerDB) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}

// storeFault converts a badgerhold/badger error to a taxonomy fault.
// Absent rows are NotFound; anything else is the datastore failing,
// which is Infrastructure.
func storeFault(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badgerhold.ErrNotFound) {
		return faults.Wrap(faults.KindNotFound, err, format, args...)
	}
	return faults.Wrap(faults.KindInfrastructure, err, format, args...)
}
