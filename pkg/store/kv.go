package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"

	bolt "go.etcd.io/bbolt"
)

// Set stores a JSON-encoded value under (namespace, key), overwriting any
// previous value.
func (s *Store) Set(namespace, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling %s/%s: %w", namespace, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketKV).CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Get decodes the value stored under (namespace, key) into out.
// Returns ErrNotFound if the key does not exist.
func (s *Store) Get(namespace, key string, out any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV).Bucket([]byte(namespace))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", namespace, key, ErrNotFound)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", namespace, key, ErrNotFound)
		}
		return json.Unmarshal(data, out)
	})
}

// Delete removes (namespace, key). Deleting a missing key is not an error.
func (s *Store) Delete(namespace, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV).Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// List returns up to limit keys in namespace matching glob, starting after
// the continuation token. When truncated, next is the token to resume with;
// otherwise next is empty. limit <= 0 means no bound.
func (s *Store) List(namespace, glob string, limit int, after string) (keys []string, next string, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV).Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		k, _ := c.First()
		if after != "" {
			c.Seek([]byte(after))
			k, _ = c.Next()
		}
		for ; k != nil; k, _ = c.Next() {
			if glob != "" {
				ok, merr := path.Match(glob, string(k))
				if merr != nil {
					return fmt.Errorf("bad glob %q: %w", glob, merr)
				}
				if !ok {
					continue
				}
			}
			if limit > 0 && len(keys) == limit {
				next = keys[len(keys)-1]
				return nil
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, next, err
}

// Write is one pending KV mutation for SetAll.
type Write struct {
	Namespace string
	Key       string
	Value     any
}

// SetAll applies every write in a single transaction: either all land or
// none do. Values are marshaled up front so an encoding failure aborts
// before anything is written.
func (s *Store) SetAll(writes ...Write) error {
	encoded := make([][]byte, len(writes))
	for i, w := range writes {
		data, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("marshaling %s/%s: %w", w.Namespace, w.Key, err)
		}
		encoded[i] = data
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for i, w := range writes {
			b, err := tx.Bucket(bucketKV).CreateBucketIfNotExists([]byte(w.Namespace))
			if err != nil {
				return err
			}
			if err := b.Put([]byte(w.Key), encoded[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// CompareAndSet atomically replaces (namespace, key) with newValue if the
// current stored bytes equal expected's encoding. A nil expected means
// "create only if absent". Returns ErrConflict when the comparison fails.
func (s *Store) CompareAndSet(namespace, key string, expected, newValue any) error {
	newData, err := json.Marshal(newValue)
	if err != nil {
		return fmt.Errorf("marshaling %s/%s: %w", namespace, key, err)
	}
	var expData []byte
	if expected != nil {
		if expData, err = json.Marshal(expected); err != nil {
			return fmt.Errorf("marshaling expected %s/%s: %w", namespace, key, err)
		}
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketKV).CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		current := b.Get([]byte(key))
		if expected == nil {
			if current != nil {
				return fmt.Errorf("%s/%s already exists: %w", namespace, key, ErrConflict)
			}
		} else if !bytes.Equal(current, expData) {
			return fmt.Errorf("%s/%s changed concurrently: %w", namespace, key, ErrConflict)
		}
		return b.Put([]byte(key), newData)
	})
}
