package localmeta

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore is the durable Store backend built on BadgerDB, grounded on
// the teacher's BadgerCache: a disk-backed key/value engine opened once per
// process.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (creating if absent) a BadgerDB instance at dbPath.
func NewBadgerStore(dbPath string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("localmeta: failed to open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Load reads reservedKey's value, reporting ok=false if it has never been
// written.
func (s *BadgerStore) Load(reservedKey string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(reservedKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("localmeta: badger load failed: %w", err)
	}
	return out, true, nil
}

// Save overwrites reservedKey's value.
func (s *BadgerStore) Save(reservedKey string, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(reservedKey), data)
	})
	if err != nil {
		return fmt.Errorf("localmeta: badger save failed: %w", err)
	}
	return nil
}

// Close releases the underlying BadgerDB handle.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
