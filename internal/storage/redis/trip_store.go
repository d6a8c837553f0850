package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sigema/trackd/internal/storage"
)

// Trips returns the TripStore implementation.
func (s *Store) Trips() storage.TripStore { return &tripStore{client: s.client} }

// Audit returns the AuditStore implementation.
func (s *Store) Audit() storage.AuditStore { return &auditStore{client: s.client} }

type tripStore struct {
	client *redis.Client
}

func (s *tripStore) PutActive(ctx context.Context, rec storage.TripRecord) error {
	data, err := marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, recordKey(storage.ActiveKey(rec.EquipmentID)), data, 0).Err()
}

func (s *tripStore) GetActive(ctx context.Context, equipmentID int64) (*storage.TripRecord, error) {
	return s.get(ctx, storage.ActiveKey(equipmentID))
}

func (s *tripStore) DeleteActive(ctx context.Context, equipmentID int64) error {
	deleted, err := s.client.Del(ctx, recordKey(storage.ActiveKey(equipmentID))).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return storage.ErrNotFound
	}
	return nil
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

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKey(key), data, 0)
	pipe.SAdd(ctx, closedSetKey(rec.EquipmentID), key)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *tripStore) GetClosed(ctx context.Context, key string) (*storage.TripRecord, error) {
	return s.get(ctx, key)
}

func (s *tripStore) ListClosed(ctx context.Context, equipmentID int64) ([]storage.TripRecord, error) {
	keys, err := s.client.SMembers(ctx, closedSetKey(equipmentID)).Result()
	if err != nil {
		return nil, err
	}

	records := make([]storage.TripRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := s.get(ctx, key)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

func (s *tripStore) get(ctx context.Context, key string) (*storage.TripRecord, error) {
	data, err := s.client.Get(ctx, recordKey(key)).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec storage.TripRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal trip record: %w", err)
	}
	return &rec, nil
}

type auditStore struct {
	client *redis.Client
}

func (s *auditStore) AddDelivery(ctx context.Context, rec storage.DeliveryRecord) error {
	data, err := marshal(rec)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, deliveryListKey(rec.EquipmentID), data).Err()
}

func (s *auditStore) ListDeliveries(ctx context.Context, equipmentID int64, limit int) ([]storage.DeliveryRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	entries, err := s.client.LRange(ctx, deliveryListKey(equipmentID), 0, stop).Result()
	if err != nil {
		return nil, err
	}

	records := make([]storage.DeliveryRecord, 0, len(entries))
	for _, entry := range entries {
		var rec storage.DeliveryRecord
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal delivery record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
