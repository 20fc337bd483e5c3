package cache

import (
	"context"
	"errors"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore keeps blobs in an embedded Badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a Badger database at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already open database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Get returns the blob under key or ErrNotFound.
func (s *BadgerStore) Get(_ context.Context, key string) ([]byte, error) {
	var blob []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return blob, err
}

// Set replaces the blob under key.
func (s *BadgerStore) Set(_ context.Context, key string, blob []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), blob)
	})
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
