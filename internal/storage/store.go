package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Trips() TripStore
	Audit() AuditStore
}

// TripStore manages trip session records. An equipment has at most one
// active record at a time; closed records accumulate permanently.
type TripStore interface {
	PutActive(ctx context.Context, rec TripRecord) error
	GetActive(ctx context.Context, equipmentID int64) (*TripRecord, error)
	DeleteActive(ctx context.Context, equipmentID int64) error

	// PutClosed writes the permanent finalized record. Callers must not
	// remove the active record until this has returned nil.
	PutClosed(ctx context.Context, rec TripRecord) error
	GetClosed(ctx context.Context, key string) (*TripRecord, error)
	ListClosed(ctx context.Context, equipmentID int64) ([]TripRecord, error)
}

// AuditStore keeps a trail of outbound report delivery attempts.
type AuditStore interface {
	AddDelivery(ctx context.Context, rec DeliveryRecord) error
	ListDeliveries(ctx context.Context, equipmentID int64, limit int) ([]DeliveryRecord, error)
}
