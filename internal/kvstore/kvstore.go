// Package kvstore wraps the ordered persistent key-value store shared by a
// segment's payload field indices (spec.md §4.4/§4.5/§6): one bbolt
// database per segment, one bucket ("column family") per indexed field,
// named "{field}_map" or "{field}_numeric".
package kvstore

import (
	"path/filepath"

	"go.etcd.io/bbolt"
)

// Store is the shared ordered KV store of one segment.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt database at dir/index.db.
func Open(dir string) (*Store, error) {
	db, err := bbolt.Open(filepath.Join(dir, "index.db"), 0644, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// EnsureBucket creates the named column family if it does not exist.
func (s *Store) EnsureBucket(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
}

// DropBucket deletes the named column family, used by FieldIndex.Clear and
// by recreate-on-rebuild paths.
func (s *Store) DropBucket(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(name))
	})
}

// Put writes key/value into the named bucket, creating it if absent.
func (s *Store) Put(bucket string, key, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put(key, value)
	})
}

// Delete removes key from the named bucket. A missing bucket is a no-op.
func (s *Store) Delete(bucket string, key []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete(key)
	})
}

// Flush forces bbolt's pending writes to stable storage.
func (s *Store) Flush() error {
	return s.db.Sync()
}

// ForEach iterates every key/value pair of the named bucket in ascending
// key order, used by field-index Load to rehydrate in-memory state.
// A missing bucket yields no entries and no error.
func (s *Store) ForEach(bucket string, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(fn)
	})
}
