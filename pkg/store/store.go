// Package store provides the daemon's durable state: a KV surface, FIFO
// queues, and the entity/relationship graph, all inside a single embedded
// bbolt file. Every mutation runs in one bbolt transaction; readers see a
// consistent snapshot.
package store

import (
	"errors"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketKV       = []byte("kv")
	bucketQueues   = []byte("queues")
	bucketEntities = []byte("entities")
	bucketEdgesOut = []byte("edges_out")
	bucketEdgesIn  = []byte("edges_in")
	bucketLogIndex = []byte("log_index")
)

var (
	// ErrNotFound is returned when a key, entity, or relationship does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on duplicate creates and failed compare-and-set.
	ErrConflict = errors.New("conflict")

	// ErrCapacity is returned when a bounded queue or limit is exhausted.
	ErrCapacity = errors.New("capacity exceeded")
)

// Options tunes store behavior.
type Options struct {
	// QueueCapacity bounds every queue; 0 means unbounded.
	QueueCapacity int
}

// Store is the bbolt-backed durable store.
type Store struct {
	db   *bolt.DB
	opts Options

	// Queue push notification: queue name → signal channel. BPop waiters
	// select on the channel; Push closes and replaces it.
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// Open opens (or creates) the store file and ensures all buckets exist.
func Open(path string, opts Options) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketKV,
			bucketQueues,
			bucketEntities,
			bucketEdgesOut,
			bucketEdgesIn,
			bucketLogIndex,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:      db,
		opts:    opts,
		waiters: make(map[string]chan struct{}),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the on-disk location of the store file.
func (s *Store) Path() string {
	return s.db.Path()
}
