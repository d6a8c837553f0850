package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TripStatus represents the lifecycle state of a stored trip record.
type TripStatus string

const (
	StatusActive    TripStatus = "ACTIVE"
	StatusFinalized TripStatus = "FINALIZED"
)

// UnmarshalJSON implements json.Unmarshaler to normalize status to uppercase.
func (s *TripStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	normalized := TripStatus(strings.ToUpper(raw))
	switch normalized {
	case StatusActive, StatusFinalized:
		*s = normalized
		return nil
	default:
		return fmt.Errorf("invalid trip status: %s (must be ACTIVE or FINALIZED)", raw)
	}
}

// MarshalJSON implements json.Marshaler to ensure uppercase output.
func (s TripStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// Sample is one stored position reading. Immutable once written.
type Sample struct {
	EquipmentID int64     `json:"equipment_id"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Timestamp   time.Time `json:"timestamp"`
	Final       bool      `json:"final"`
}

// Aggregate holds the computed totals for a trip record.
type Aggregate struct {
	TotalDistanceKm    float64 `json:"total_distance_km"`
	TotalDurationHours float64 `json:"total_duration_hours"`
	UnitValue          float64 `json:"unit_value"`
}

// TripRecord is one work period for one equipment. While a session is open
// it lives under key "<equipmentID>:active"; on finalize a permanent copy
// is written under "<equipmentID>:finalized:<unix-millis>".
type TripRecord struct {
	EquipmentID     int64      `json:"equipment_id"`
	Status          TripStatus `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	FinalizedAt     *time.Time `json:"finalized_at,omitempty"`
	Samples         []Sample   `json:"samples"`
	Aggregate       Aggregate  `json:"aggregate"`
	MeasurementUnit string     `json:"measurement_unit"`
	ExternalUnitID  int64      `json:"external_unit_id"`
	AlertRecipients []string   `json:"alert_recipients,omitempty"`
}

// ActiveKey returns the storage key for an equipment's open session.
func ActiveKey(equipmentID int64) string {
	return fmt.Sprintf("%d:active", equipmentID)
}

// ClosedKey returns the permanent storage key for a finalized session.
func ClosedKey(equipmentID int64, finalizedAt time.Time) string {
	return fmt.Sprintf("%d:finalized:%d", equipmentID, finalizedAt.UnixMilli())
}

// ClosedKeyPrefix returns the key prefix shared by all of an equipment's
// finalized records.
func ClosedKeyPrefix(equipmentID int64) string {
	return fmt.Sprintf("%d:finalized:", equipmentID)
}

// DeliveryRecord is one audit entry for an outbound report delivery.
type DeliveryRecord struct {
	EquipmentID int64     `json:"equipment_id"`
	Timestamp   time.Time `json:"timestamp"`
	URL         string    `json:"url"`
	Attempts    int       `json:"attempts"`
	Delivered   bool      `json:"delivered"`
	LastError   string    `json:"last_error,omitempty"`
	Payload     string    `json:"payload"`
}
