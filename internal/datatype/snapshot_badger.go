package datatype

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
)

// Snapshot persists the registry's last-known-good view to a local BadgerDB
// so the worker can bootstrap with a warm registry on restart instead of
// starting blind before the first Refresh completes. Badger is never the
// source of truth here; a missing or corrupt snapshot just means the
// registry starts empty, exactly as if this process had never run before.
type Snapshot struct {
	db *badger.DB
}

// OpenSnapshot opens (creating if absent) a BadgerDB snapshot at path.
func OpenSnapshot(path string) (*Snapshot, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithMemTableSize(16 * 1024 * 1024).
		WithNumMemtables(2).
		WithNumCompactors(1).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open registry snapshot: %w", err)
	}
	return &Snapshot{db: db}, nil
}

// Close releases the underlying BadgerDB handle.
func (s *Snapshot) Close() error {
	return s.db.Close()
}

// Save persists every DataType in the given snapshot map, keyed by a
// hash of its name, the way the teacher's badger store packs series keys.
func (s *Snapshot) Save(dataTypes map[string]*DataType) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for name, dt := range dataTypes {
			value, err := json.Marshal(dt)
			if err != nil {
				return fmt.Errorf("encode data type %s: %w", name, err)
			}
			if err := txn.Set(dataTypeKey(name), value); err != nil {
				return fmt.Errorf("write data type %s: %w", name, err)
			}
		}
		return nil
	})
}

// Load reads every persisted DataType back into a fresh map. Returns an
// empty, non-nil map if the snapshot is empty.
func (s *Snapshot) Load() (map[string]*DataType, error) {
	out := make(map[string]*DataType)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var dt DataType
				if err := json.Unmarshal(val, &dt); err != nil {
					return err
				}
				out[dt.Name] = &dt
				return nil
			})
			if err != nil {
				return fmt.Errorf("decode data type snapshot entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// dataTypeKey hashes name into a fixed-width Badger key, the same packing
// technique as the teacher's time-series key builder, minus the timestamp
// suffix since a registry snapshot has no time axis.
func dataTypeKey(name string) []byte {
	hash := xxhash.Sum64String(name)
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, hash)
	return key
}
