package trip

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/sigema/trackd/internal/storage"
)

// Journal is the durable session-state store. It owns the ACTIVE record
// lifecycle, the intermediate recomputation on append, and the finalize
// transition to a permanent closed record.
type Journal struct {
	trips      storage.TripStore
	aggregator *Aggregator
	clock      Clock
	logger     zerolog.Logger
}

// NewJournal creates a journal over the given trip store.
func NewJournal(trips storage.TripStore, aggregator *Aggregator, clock Clock, logger zerolog.Logger) *Journal {
	if clock == nil {
		clock = RealClock{}
	}
	return &Journal{
		trips:      trips,
		aggregator: aggregator,
		clock:      clock,
		logger:     logger.With().Str("component", "journal").Logger(),
	}
}

// StartSession creates the ACTIVE record for an equipment seeded with the
// first sample. An already-open session is recreated rather than rejected;
// the overwrite is logged as an anomaly. The recipients list is stored
// with the session for delivery-failure alerts.
func (j *Journal) StartSession(ctx context.Context, equipmentID int64, first Sample, unit MeasurementUnit, unitID int64, recipients []string) (*Session, error) {
	if existing, err := j.trips.GetActive(ctx, equipmentID); err == nil && existing != nil {
		j.logger.Warn().
			Int64("equipment_id", equipmentID).
			Time("previous_start", existing.StartedAt).
			Msg("Active session already exists, recreating")
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load active session: %w", err)
	}

	session := &Session{
		EquipmentID:     equipmentID,
		Status:          storage.StatusActive,
		StartedAt:       first.Timestamp,
		Samples:         []Sample{first},
		MeasurementUnit: unit,
		ExternalUnitID:  unitID,
		AlertRecipients: recipients,
	}

	if err := j.trips.PutActive(ctx, recordFromSession(session)); err != nil {
		return nil, fmt.Errorf("persist active session: %w", err)
	}

	j.logger.Info().
		Int64("equipment_id", equipmentID).
		Time("started_at", session.StartedAt).
		Str("unit", string(unit)).
		Msg("Started trip session")

	return session, nil
}

// AppendSample adds a sample to the equipment's ACTIVE session and returns
// the updated intermediate aggregate. A missing session is recreated from
// the sample itself; the recovery is logged.
func (j *Journal) AppendSample(ctx context.Context, equipmentID int64, sample Sample) (Aggregate, error) {
	rec, err := j.trips.GetActive(ctx, equipmentID)
	if errors.Is(err, storage.ErrNotFound) {
		j.logger.Warn().
			Int64("equipment_id", equipmentID).
			Msg("No active session for sample, recreating from it")
		session, startErr := j.StartSession(ctx, equipmentID, sample, UnitUnknown, 0, nil)
		if startErr != nil {
			return Aggregate{}, startErr
		}
		return session.Aggregate, nil
	}
	if err != nil {
		return Aggregate{}, fmt.Errorf("load active session: %w", err)
	}

	session := sessionFromRecord(rec)
	session.Samples = append(session.Samples, sample)

	if len(session.Samples) >= 2 {
		session.Aggregate = j.aggregator.Compute(session.Samples)
	}

	if err := j.trips.PutActive(ctx, recordFromSession(session)); err != nil {
		return Aggregate{}, fmt.Errorf("persist active session: %w", err)
	}

	j.logger.Debug().
		Int64("equipment_id", equipmentID).
		Int("samples", len(session.Samples)).
		Float64("distance_km", session.Aggregate.TotalDistanceKm).
		Float64("duration_hours", session.Aggregate.TotalDurationHours).
		Msg("Sample appended")

	return session.Aggregate, nil
}

// Finalize appends the final sample, recomputes the aggregate when the
// caller-supplied one is all-zero, writes the permanent closed record, and
// only then removes the active record. A failed removal is logged but does
// not invalidate the finalize: the closed record is the source of truth
// from that point on. Finalizing an equipment with no active session is a
// logged no-op returning (nil, nil). A resolved unit overrides whatever
// the session was started with.
func (j *Journal) Finalize(ctx context.Context, equipmentID int64, final Sample, unit MeasurementUnit, unitID int64, agg Aggregate) (*Session, error) {
	rec, err := j.trips.GetActive(ctx, equipmentID)
	if errors.Is(err, storage.ErrNotFound) {
		j.logger.Warn().
			Int64("equipment_id", equipmentID).
			Msg("Finalize requested but no active session exists")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active session: %w", err)
	}

	session := sessionFromRecord(rec)
	session.Samples = append(session.Samples, final)

	if unit != UnitUnknown {
		session.MeasurementUnit = unit
	}
	if unitID != 0 {
		session.ExternalUnitID = unitID
	}

	if agg.IsZero() {
		// Defensive recompute from the full sequence.
		agg = j.aggregator.Compute(session.Samples)
	}
	session.Aggregate = agg

	finalizedAt := j.clock.Now().UTC()
	session.FinalizedAt = &finalizedAt
	session.Status = storage.StatusFinalized

	if err := j.trips.PutClosed(ctx, recordFromSession(session)); err != nil {
		return nil, fmt.Errorf("persist closed session: %w", err)
	}

	if err := j.trips.DeleteActive(ctx, equipmentID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		j.logger.Error().Err(err).
			Int64("equipment_id", equipmentID).
			Msg("Failed to remove active record after finalize, closed record is authoritative")
	}

	j.logger.Info().
		Int64("equipment_id", equipmentID).
		Time("finalized_at", finalizedAt).
		Float64("distance_km", session.Aggregate.TotalDistanceKm).
		Float64("duration_hours", session.Aggregate.TotalDurationHours).
		Msg("Finalized trip session")

	return session, nil
}

// Load returns the equipment's ACTIVE session, or storage.ErrNotFound.
func (j *Journal) Load(ctx context.Context, equipmentID int64) (*Session, error) {
	rec, err := j.trips.GetActive(ctx, equipmentID)
	if err != nil {
		return nil, err
	}
	return sessionFromRecord(rec), nil
}

// LastSample returns the most recent sample known for an equipment across
// its active session and closed records.
func (j *Journal) LastSample(ctx context.Context, equipmentID int64) (*Sample, error) {
	var last *Sample

	consider := func(s Sample) {
		if last == nil || s.Timestamp.After(last.Timestamp) {
			copy := s
			last = &copy
		}
	}

	if rec, err := j.trips.GetActive(ctx, equipmentID); err == nil {
		for _, s := range sessionFromRecord(rec).Samples {
			consider(s)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	closed, err := j.trips.ListClosed(ctx, equipmentID)
	if err != nil {
		return nil, err
	}
	for i := range closed {
		for _, s := range sessionFromRecord(&closed[i]).Samples {
			consider(s)
		}
	}

	if last == nil {
		return nil, storage.ErrNotFound
	}
	return last, nil
}

// SamplesOn returns all samples recorded for an equipment on the given UTC
// day, sorted by timestamp.
func (j *Journal) SamplesOn(ctx context.Context, equipmentID int64, day time.Time) ([]Sample, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	samples := make([]Sample, 0)
	collect := func(list []Sample) {
		for _, s := range list {
			ts := s.Timestamp.UTC()
			if !ts.Before(dayStart) && ts.Before(dayEnd) {
				samples = append(samples, s)
			}
		}
	}

	if rec, err := j.trips.GetActive(ctx, equipmentID); err == nil {
		collect(sessionFromRecord(rec).Samples)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	closed, err := j.trips.ListClosed(ctx, equipmentID)
	if err != nil {
		return nil, err
	}
	for i := range closed {
		collect(sessionFromRecord(&closed[i]).Samples)
	}

	sort.Slice(samples, func(a, b int) bool {
		return samples[a].Timestamp.Before(samples[b].Timestamp)
	})

	return samples, nil
}

// Summary computes the trip report for an equipment and UTC day from the
// full recorded sample sequence.
func (j *Journal) Summary(ctx context.Context, equipmentID int64, day time.Time) (*TripSummary, error) {
	samples, err := j.SamplesOn(ctx, equipmentID, day)
	if err != nil {
		return nil, err
	}

	summary := &TripSummary{
		EquipmentID: equipmentID,
		Date:        day.UTC().Format("2006-01-02"),
	}

	if len(samples) == 0 {
		return summary, nil
	}

	last := samples[len(samples)-1]
	summary.LastSample = &last

	if len(samples) >= 2 {
		agg := j.aggregator.Compute(samples).Rounded(UnitUnknown)
		summary.TotalDistanceKm = agg.TotalDistanceKm
		summary.TotalDurationHours = agg.TotalDurationHours
	}

	return summary, nil
}
