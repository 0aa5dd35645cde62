package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Push appends a JSON-encoded value to the named FIFO queue. Returns
// ErrCapacity when the store's QueueCapacity bound would be exceeded.
func (s *Store) Push(queue string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling queue item for %s: %w", queue, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketQueues).CreateBucketIfNotExists([]byte(queue))
		if err != nil {
			return err
		}
		if s.opts.QueueCapacity > 0 && b.Stats().KeyN >= s.opts.QueueCapacity {
			return fmt.Errorf("queue %s full (%d items): %w", queue, b.Stats().KeyN, ErrCapacity)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
	if err != nil {
		return err
	}
	s.notify(queue)
	return nil
}

// Pop removes the oldest item from the queue and decodes it into out.
// Returns (false, nil) when the queue is empty.
func (s *Store) Pop(queue string, out any) (bool, error) {
	found := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueues).Bucket([]byte(queue))
		if b == nil {
			return nil
		}
		k, v := b.Cursor().First()
		if k == nil {
			return nil
		}
		if err := json.Unmarshal(v, out); err != nil {
			return fmt.Errorf("decoding queue item from %s: %w", queue, err)
		}
		found = true
		return b.Delete(k)
	})
	return found, err
}

// Length returns the number of items in the queue.
func (s *Store) Length(queue string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueues).Bucket([]byte(queue))
		if b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// BPop pops the oldest item, blocking up to timeout for one to arrive.
// Returns (false, nil) on timeout and (false, ctx.Err()) on cancellation.
func (s *Store) BPop(ctx context.Context, queue string, timeout time.Duration, out any) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		// Grab the signal channel before trying, so a push that lands
		// between Pop and the select wakes us instead of being missed.
		signal := s.waitChan(queue)

		found, err := s.Pop(queue, out)
		if err != nil || found {
			return found, err
		}

		select {
		case <-signal:
		case <-deadline.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// waitChan returns the current signal channel for a queue.
func (s *Store) waitChan(queue string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.waiters[queue]
	if !ok {
		ch = make(chan struct{})
		s.waiters[queue] = ch
	}
	return ch
}

// notify wakes every BPop waiter on the queue.
func (s *Store) notify(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.waiters[queue]; ok {
		close(ch)
		delete(s.waiters, queue)
	}
}
