// Package archive persists finalized exchanges in a bbolt database.
package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hupe1980/reqscope"
)

var ErrNotFound = errors.New("exchange not found")

var (
	bucketEntries = []byte("entries")
	bucketIndex   = []byte("index")
)

// Store keeps exchanges in completion order. Entries are keyed by a
// monotonic sequence; an index maps exchange ids to sequence keys.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put stores ex. Storing an id again replaces the earlier record and moves
// it to the end.
func (s *Store) Put(ex *reqscope.Exchange) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ex); err != nil {
		return fmt.Errorf("encode exchange %s: %w", ex.ID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		index := tx.Bucket(bucketIndex)

		if old := index.Get([]byte(ex.ID)); old != nil {
			if err := entries.Delete(old); err != nil {
				return err
			}
		}

		seq, err := entries.NextSequence()
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		if err := entries.Put(key, buf.Bytes()); err != nil {
			return err
		}

		return index.Put([]byte(ex.ID), key)
	})
}

func (s *Store) Get(id string) (*reqscope.Exchange, error) {
	var ex reqscope.Exchange

	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketIndex).Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}

		v := tx.Bucket(bucketEntries).Get(key)
		if v == nil {
			return ErrNotFound
		}

		return gob.NewDecoder(bytes.NewReader(v)).Decode(&ex)
	})
	if err != nil {
		return nil, err
	}

	return &ex, nil
}

// List returns up to limit of the most recent exchanges, newest first.
// A limit below one yields an empty list.
func (s *Store) List(limit int) ([]*reqscope.Exchange, error) {
	if limit < 0 {
		limit = 0
	}

	res := make([]*reqscope.Exchange, 0, limit)

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Last(); k != nil && len(res) < limit; k, v = c.Prev() {
			var ex reqscope.Exchange
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&ex); err != nil {
				return err
			}

			res = append(res, &ex)
		}

		return nil
	})

	return res, err
}

func (s *Store) Len() (int, error) {
	var n int

	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})

	return n, err
}

func (s *Store) DeleteAll() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketIndex} {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("delete bucket: %w", err)
			}

			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		return nil
	})
}

// Sink returns an exchange handler writing into s. Write failures go to
// onError when it is not nil.
func (s *Store) Sink(onError func(ex *reqscope.Exchange, err error)) reqscope.ExchangeHandlerFunc {
	return func(ex *reqscope.Exchange) {
		if err := s.Put(ex); err != nil && onError != nil {
			onError(ex, err)
		}
	}
}
