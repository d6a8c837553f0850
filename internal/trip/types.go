package trip

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sigema/trackd/internal/storage"
)

// MeasurementUnit selects which aggregate is the externally billable value.
type MeasurementUnit string

const (
	UnitHours      MeasurementUnit = "HOURS"
	UnitKilometers MeasurementUnit = "KILOMETERS"
	UnitUnknown    MeasurementUnit = "UNKNOWN"
)

// ParseUnit normalizes a unit string from the upstream backend.
func ParseUnit(raw string) MeasurementUnit {
	switch MeasurementUnit(strings.ToUpper(strings.TrimSpace(raw))) {
	case UnitHours:
		return UnitHours
	case UnitKilometers:
		return UnitKilometers
	default:
		return UnitUnknown
	}
}

// Sample is one position reading for one equipment. Immutable once recorded.
type Sample struct {
	EquipmentID int64     `json:"equipmentId"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Timestamp   time.Time `json:"timestamp"`
	Final       bool      `json:"final"`
}

// Aggregate holds the accepted distance and duration totals for a session.
// Values are kept unrounded while accumulating; rounding is applied when a
// record is persisted or a report is built.
type Aggregate struct {
	TotalDistanceKm    float64 `json:"totalDistanceKm"`
	TotalDurationHours float64 `json:"totalDurationHours"`
	UnitValue          float64 `json:"unitValue"`
}

// IsZero reports whether no segment has been accepted yet.
func (a Aggregate) IsZero() bool {
	return a.TotalDistanceKm == 0 && a.TotalDurationHours == 0
}

// Rounded returns the aggregate with the persistence rounding policy
// applied: duration 2 decimals, distance 6 decimals, unit value per unit.
func (a Aggregate) Rounded(unit MeasurementUnit) Aggregate {
	out := Aggregate{
		TotalDistanceKm:    roundTo(a.TotalDistanceKm, 6),
		TotalDurationHours: roundTo(a.TotalDurationHours, 2),
	}
	out.UnitValue = unitValue(out, unit)
	return out
}

func unitValue(a Aggregate, unit MeasurementUnit) float64 {
	switch unit {
	case UnitHours:
		return roundTo(a.TotalDurationHours, 2)
	case UnitKilometers:
		return roundTo(a.TotalDistanceKm, 6)
	default:
		return 0
	}
}

func roundTo(value float64, decimals int) float64 {
	factor := math.Pow(10, float64(decimals))
	return math.Round(value*factor) / factor
}

// Session is one work period for one equipment. AlertRecipients is the
// caller-supplied address list for delivery-failure alerts; empty means
// the configured default applies.
type Session struct {
	EquipmentID     int64
	Status          storage.TripStatus
	StartedAt       time.Time
	FinalizedAt     *time.Time
	Samples         []Sample
	Aggregate       Aggregate
	MeasurementUnit MeasurementUnit
	ExternalUnitID  int64
	AlertRecipients []string
}

// Report is the artifact delivered to the external sink when a trip ends.
// AlertRecipients rides along for the delivery pipeline's failure alert;
// it is never serialized to the sink.
type Report struct {
	EquipmentID     int64
	Latitude        float64
	Longitude       float64
	Timestamp       time.Time
	DurationHours   float64
	DistanceKm      float64
	MeasurementUnit MeasurementUnit
	ExternalUnitID  int64
	AlertRecipients []string
}

// MarshalJSON renders coordinates with 8 decimals and working hours with 2,
// matching what the Sigema backend expects.
func (r Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		EquipmentID     int64       `json:"equipmentId"`
		Latitude        json.Number `json:"latitude"`
		Longitude       json.Number `json:"longitude"`
		Timestamp       string      `json:"timestamp"`
		WorkingHours    json.Number `json:"workingHours"`
		Kilometers      float64     `json:"kilometers"`
		MeasurementUnit string      `json:"measurementUnit"`
		UnitID          int64       `json:"unitId"`
	}{
		EquipmentID:     r.EquipmentID,
		Latitude:        json.Number(strconv.FormatFloat(r.Latitude, 'f', 8, 64)),
		Longitude:       json.Number(strconv.FormatFloat(r.Longitude, 'f', 8, 64)),
		Timestamp:       r.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		WorkingHours:    json.Number(strconv.FormatFloat(r.DurationHours, 'f', 2, 64)),
		Kilometers:      roundTo(r.DistanceKm, 6),
		MeasurementUnit: string(r.MeasurementUnit),
		UnitID:          r.ExternalUnitID,
	})
}

// String implements fmt.Stringer for log and alert bodies.
func (r Report) String() string {
	return fmt.Sprintf("equipment=%d lat=%.8f lon=%.8f at=%s hours=%.2f km=%.6f unit=%s unitId=%d",
		r.EquipmentID, r.Latitude, r.Longitude, r.Timestamp.Format(time.RFC3339),
		r.DurationHours, r.DistanceKm, r.MeasurementUnit, r.ExternalUnitID)
}

// TripSummary is the answer to a trip report query: totals plus the last
// known sample for a given day.
type TripSummary struct {
	EquipmentID        int64   `json:"equipmentId"`
	Date               string  `json:"date"`
	TotalDistanceKm    float64 `json:"totalDistanceKm"`
	TotalDurationHours float64 `json:"totalDurationHours"`
	LastSample         *Sample `json:"lastSample,omitempty"`
}

func sessionFromRecord(rec *storage.TripRecord) *Session {
	samples := make([]Sample, 0, len(rec.Samples))
	for _, s := range rec.Samples {
		samples = append(samples, Sample{
			EquipmentID: s.EquipmentID,
			Latitude:    s.Latitude,
			Longitude:   s.Longitude,
			Timestamp:   s.Timestamp,
			Final:       s.Final,
		})
	}
	return &Session{
		EquipmentID: rec.EquipmentID,
		Status:      rec.Status,
		StartedAt:   rec.StartedAt,
		FinalizedAt: rec.FinalizedAt,
		Samples:     samples,
		Aggregate: Aggregate{
			TotalDistanceKm:    rec.Aggregate.TotalDistanceKm,
			TotalDurationHours: rec.Aggregate.TotalDurationHours,
			UnitValue:          rec.Aggregate.UnitValue,
		},
		MeasurementUnit: ParseUnit(rec.MeasurementUnit),
		ExternalUnitID:  rec.ExternalUnitID,
		AlertRecipients: rec.AlertRecipients,
	}
}

func recordFromSession(s *Session) storage.TripRecord {
	samples := make([]storage.Sample, 0, len(s.Samples))
	for _, sample := range s.Samples {
		samples = append(samples, storage.Sample{
			EquipmentID: sample.EquipmentID,
			Latitude:    sample.Latitude,
			Longitude:   sample.Longitude,
			Timestamp:   sample.Timestamp,
			Final:       sample.Final,
		})
	}
	rounded := s.Aggregate.Rounded(s.MeasurementUnit)
	return storage.TripRecord{
		EquipmentID: s.EquipmentID,
		Status:      s.Status,
		StartedAt:   s.StartedAt,
		FinalizedAt: s.FinalizedAt,
		Samples:     samples,
		Aggregate: storage.Aggregate{
			TotalDistanceKm:    rounded.TotalDistanceKm,
			TotalDurationHours: rounded.TotalDurationHours,
			UnitValue:          rounded.UnitValue,
		},
		MeasurementUnit: string(s.MeasurementUnit),
		ExternalUnitID:  s.ExternalUnitID,
		AlertRecipients: s.AlertRecipients,
	}
}
