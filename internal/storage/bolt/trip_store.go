package bolt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/sigema/trackd/internal/storage"
	"go.etcd.io/bbolt"
)

type tripStore struct {
	db *bbolt.DB
}

func (s *tripStore) PutActive(ctx context.Context, rec storage.TripRecord) error {
	return putBucketValue(ctx, s.db, bucketTrips, storage.ActiveKey(rec.EquipmentID), rec)
}

func (s *tripStore) GetActive(ctx context.Context, equipmentID int64) (*storage.TripRecord, error) {
	return getBucketValue[storage.TripRecord](ctx, s.db, bucketTrips, storage.ActiveKey(equipmentID))
}

func (s *tripStore) DeleteActive(ctx context.Context, equipmentID int64) error {
	return deleteBucketValue(ctx, s.db, bucketTrips, storage.ActiveKey(equipmentID))
}

func (s *tripStore) PutClosed(ctx context.Context, rec storage.TripRecord) error {
	if rec.FinalizedAt == nil {
		return fmt.Errorf("closed record missing finalization time")
	}
	key := storage.ClosedKey(rec.EquipmentID, *rec.FinalizedAt)
	data, err := marshal(rec)
	if err != nil {
		return err
	}
	// The update transaction is fsynced before Update returns, so a nil
	// return means the closed record is durable.
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketTrips))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucketTrips)
		}
		return b.Put([]byte(key), data)
	})
}

func (s *tripStore) GetClosed(ctx context.Context, key string) (*storage.TripRecord, error) {
	return getBucketValue[storage.TripRecord](ctx, s.db, bucketTrips, key)
}

func (s *tripStore) ListClosed(ctx context.Context, equipmentID int64) ([]storage.TripRecord, error) {
	prefix := []byte(storage.ClosedKeyPrefix(equipmentID))
	records := make([]storage.TripRecord, 0)
	return records, s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketTrips))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var rec storage.TripRecord
			if err := unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
}

type auditStore struct {
	db *bbolt.DB
}

func (s *auditStore) AddDelivery(ctx context.Context, rec storage.DeliveryRecord) error {
	key := deliveryKey(rec.EquipmentID, rec.Timestamp)
	return putBucketValue(ctx, s.db, bucketDelivery, key, rec)
}

func (s *auditStore) ListDeliveries(ctx context.Context, equipmentID int64, limit int) ([]storage.DeliveryRecord, error) {
	prefix := []byte(fmt.Sprintf("%d/", equipmentID))
	records := make([]storage.DeliveryRecord, 0)
	return records, s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketDelivery))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if limit > 0 && len(records) >= limit {
				return nil
			}
			var rec storage.DeliveryRecord
			if err := unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
}

func deliveryKey(equipmentID int64, ts time.Time) string {
	return fmt.Sprintf("%d/%020d", equipmentID, ts.UnixNano())
}
