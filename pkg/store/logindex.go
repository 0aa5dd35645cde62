package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// IndexKind names a sidecar index over the event log.
type IndexKind string

const (
	IndexCorrelation IndexKind = "correlation"
	IndexSession     IndexKind = "session"
	IndexAgent       IndexKind = "agent"
)

// LogOffset locates one event-log entry on disk.
type LogOffset struct {
	File   string `json:"file"`
	Offset int64  `json:"offset"`
}

// IndexLogOffset records where an event for the given id landed in the log.
// Entries for one id are kept in append order.
func (s *Store) IndexLogOffset(kind IndexKind, id string, loc LogOffset) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("marshaling log offset: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketLogIndex).CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 0, len(id)+9)
		key = append(key, id...)
		key = append(key, '/')
		key = binary.BigEndian.AppendUint64(key, seq)
		return b.Put(key, data)
	})
}

// LogOffsets returns the recorded locations for one id in append order,
// up to limit (<= 0 unbounded).
func (s *Store) LogOffsets(kind IndexKind, id string, limit int) ([]LogOffset, error) {
	var locs []LogOffset
	prefix := []byte(id + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogIndex).Bucket([]byte(kind))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if limit > 0 && len(locs) >= limit {
				return nil
			}
			var loc LogOffset
			if err := json.Unmarshal(v, &loc); err != nil {
				return err
			}
			locs = append(locs, loc)
		}
		return nil
	})
	return locs, err
}
