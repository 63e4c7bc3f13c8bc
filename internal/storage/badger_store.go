// internal/storage/badger_store.go
package storage

import (
	"fmt"
	"strings"

	"revfs/internal/codec"
	"revfs/internal/errors"

	"github.com/dgraph-io/badger/v4"
)

// Store wraps the badger metadata database. Values are CBOR records;
// badger.ErrKeyNotFound surfaces as errors.ErrNotFound.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the metadata database in dir. An empty dir or
// inMemory opens an in-memory database.
func Open(dir string, inMemory bool) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if inMemory || dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}
	return &Store{db: db}, nil
}

func New(db *badger.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Key joins parts with "/".
func Key(parts ...string) string {
	return strings.Join(parts, "/")
}

func (s *Store) View(fn func(tx *Txn) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn})
	})
}

// Update runs fn in a read-write transaction. A badger conflict is
// reported as errors.ErrConflict.
func (s *Store) Update(fn func(tx *Txn) error) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn})
	})
	if err == badger.ErrConflict {
		return errors.Conflict("", "concurrent metadata update")
	}
	return err
}

func (s *Store) Get(key string, v any) error {
	return s.View(func(tx *Txn) error {
		return tx.Get(key, v)
	})
}

func (s *Store) Put(key string, v any) error {
	return s.Update(func(tx *Txn) error {
		return tx.Put(key, v)
	})
}

func (s *Store) Delete(key string) error {
	return s.Update(func(tx *Txn) error {
		return tx.Delete(key)
	})
}

func (s *Store) Scan(prefix string, fn func(key string, raw []byte) error) error {
	return s.View(func(tx *Txn) error {
		return tx.Scan(prefix, fn)
	})
}

// Txn is a badger transaction speaking CBOR.
type Txn struct {
	txn *badger.Txn
}

func (t *Txn) Get(key string, v any) error {
	item, err := t.txn.Get([]byte(key))
	if err == badger.ErrKeyNotFound {
		return errors.NotFound(fmt.Sprintf("key not found: %s", key))
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return codec.Unmarshal(val, v)
	})
}

func (t *Txn) Exists(key string) (bool, error) {
	_, err := t.txn.Get([]byte(key))
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *Txn) Put(key string, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	return t.txn.Set([]byte(key), data)
}

func (t *Txn) Delete(key string) error {
	return t.txn.Delete([]byte(key))
}

// Scan calls fn for every key with prefix, in key order. raw is only
// valid for the duration of the call.
func (t *Txn) Scan(prefix string, fn func(key string, raw []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		key := string(item.Key())
		err := item.Value(func(val []byte) error {
			return fn(key, val)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Decode unmarshals a raw value handed out by Scan.
func Decode(raw []byte, v any) error {
	return codec.Unmarshal(raw, v)
}

// Bucket is a prefix-scoped view of the store.
type Bucket struct {
	store  *Store
	prefix string
}

func NewBucket(s *Store, prefix string) *Bucket {
	return &Bucket{store: s, prefix: prefix}
}

func (b *Bucket) Key(id string) string {
	return b.prefix + "/" + id
}

func (b *Bucket) Prefix() string {
	return b.prefix + "/"
}

func (b *Bucket) StripPrefix(key string) string {
	return strings.TrimPrefix(key, b.Prefix())
}

// Create stores v under id, failing if id is already present.
func (b *Bucket) Create(id string, v any) error {
	if id == "" {
		return fmt.Errorf("entity ID cannot be empty")
	}
	return b.store.Update(func(tx *Txn) error {
		exists, err := tx.Exists(b.Key(id))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("entity already exists: %s", id)
		}
		return tx.Put(b.Key(id), v)
	})
}

func (b *Bucket) Get(id string, v any) error {
	return b.store.Get(b.Key(id), v)
}

func (b *Bucket) Put(id string, v any) error {
	return b.store.Put(b.Key(id), v)
}

func (b *Bucket) Delete(id string) error {
	return b.store.Update(func(tx *Txn) error {
		exists, err := tx.Exists(b.Key(id))
		if err != nil {
			return err
		}
		if !exists {
			return errors.NotFound(fmt.Sprintf("entity not found: %s", id))
		}
		return tx.Delete(b.Key(id))
	})
}

// List calls fn with the id and raw value of every entry in the bucket.
func (b *Bucket) List(fn func(id string, raw []byte) error) error {
	return b.store.Scan(b.Prefix(), func(key string, raw []byte) error {
		return fn(b.StripPrefix(key), raw)
	})
}
