package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/ctxsync/internal/client/storage"
)

var keyLastSync = []byte("last_sync")

// SaveLastSync saves the time the last change was applied
func (s *Storage) SaveLastSync(ctx context.Context, ts time.Time) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		// unix nanos, big endian
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(ts.UnixNano()))

		b, err := bucket(tx, bucketMetadata)
		if err != nil {
			return err
		}
		if err := b.Put(keyLastSync, buf); err != nil {
			return fmt.Errorf("failed to save last sync: %w", err)
		}
		return nil
	})
}

// GetLastSync returns the zero time if nothing was synced yet
func (s *Storage) GetLastSync(ctx context.Context) (time.Time, error) {
	if s.db == nil {
		return time.Time{}, storage.ErrStorageClosed
	}

	var ts time.Time

	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketMetadata)
		if err != nil {
			return err
		}
		buf := b.Get(keyLastSync)
		if buf == nil {
			return nil
		}
		if len(buf) != 8 {
			return fmt.Errorf("corrupt last sync value of %d bytes", len(buf))
		}
		ts = time.Unix(0, int64(binary.BigEndian.Uint64(buf))).UTC()
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last sync: %w", err)
	}

	return ts, nil
}
