package persistent

import (
	"fmt"

	"github.com/boltdb/bolt"
)

var kvBucketName = []byte("kv")

// BoltStore is a durable string-keyed byte store backed by BoltDB. It
// backs the sample key-value FSM's state (kvstore.KeyValFSM), so that a
// restart can recover committed state from disk instead of only from
// replaying the raft log or installing a snapshot.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("persistent: opening bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(kvBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persistent: creating kv bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Put(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucketName).Put([]byte(key), []byte(value))
	})
}

func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucketName).Delete([]byte(key))
	})
}

// Snapshot returns every key/value pair currently stored, for loading the
// FSM's in-memory cache at startup.
func (s *BoltStore) Snapshot() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucketName).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("persistent: reading kv snapshot: %w", err)
	}
	return out, nil
}

// ReplaceAll clears the bucket and repopulates it from state, used when
// the FSM restores from a raft snapshot rather than live log replay.
func (s *BoltStore) ReplaceAll(state map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(kvBucketName); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket(kvBucketName)
		if err != nil {
			return err
		}
		for k, v := range state {
			if err := bucket.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
