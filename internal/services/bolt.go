package services

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltCache implements gateway.Cache on a BoltDB file. Every value is the 8 byte big endian
// Unix nano expiry followed by the response body; expired entries read as misses and are
// overwritten by the next Put.
type BoltCache struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time

	logger *slog.Logger
}

var responsesBucket = []byte("responses")

// NewBoltCache opens, or creates with 0600 permissions, the cache database at path. Entries live
// for ttl.
func NewBoltCache(path string, ttl time.Duration, logger *slog.Logger) (*BoltCache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(responsesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltCache{
		db:     db,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With(slog.String("module", "bolt")),
	}, nil
}

// Get returns the body stored under key if it hasn't expired.
func (b *BoltCache) Get(key string) ([]byte, bool) {
	var body []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(responsesBucket)
		if bk == nil {
			return nil
		}

		v := bk.Get([]byte(key))
		if len(v) < 8 {
			return nil
		}
		expiry := time.Unix(0, int64(binary.BigEndian.Uint64(v[:8])))
		if !b.now().Before(expiry) {
			return nil
		}
		// v is only valid inside the transaction.
		body = append([]byte(nil), v[8:]...)
		return nil
	})
	if err != nil {
		b.logger.Error("Failed to read cache", slog.String("key", key), slog.String("err", err.Error()))
		return nil, false
	}
	return body, body != nil
}

// Put stores body under key.
func (b *BoltCache) Put(key string, body []byte) {
	v := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(v[:8], uint64(b.now().Add(b.ttl).UnixNano()))
	copy(v[8:], body)

	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(responsesBucket)
		if bk == nil {
			return fmt.Errorf("bucket %s not found", responsesBucket)
		}
		return bk.Put([]byte(key), v)
	})
	if err != nil {
		b.logger.Error("Failed to write cache", slog.String("key", key), slog.String("err", err.Error()))
	}
}

// Purge deletes every expired entry and reports how many were removed.
func (b *BoltCache) Purge() (int, error) {
	var n int
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(responsesBucket)
		if bk == nil {
			return nil
		}

		now := b.now()
		var expired [][]byte
		err := bk.ForEach(func(k, v []byte) error {
			if len(v) < 8 || !now.Before(time.Unix(0, int64(binary.BigEndian.Uint64(v[:8])))) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := bk.Delete(k); err != nil {
				return fmt.Errorf("failed to delete %s: %w", k, err)
			}
		}
		n = len(expired)
		return nil
	})
	return n, err
}

// Close closes the database.
func (b *BoltCache) Close() error {
	return b.db.Close()
}
