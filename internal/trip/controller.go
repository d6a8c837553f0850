package trip

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sigema/trackd/internal/metrics"
)

// EquipmentInfo is what the location provider knows about an equipment.
type EquipmentInfo struct {
	ID              int64
	Latitude        float64
	Longitude       float64
	MeasurementUnit MeasurementUnit
	ExternalUnitID  int64
}

// LocationProvider fetches an equipment's current state from the Sigema
// backend. The token is the caller's bearer credential, forwarded as-is.
type LocationProvider interface {
	GetEquipment(ctx context.Context, equipmentID int64, token string) (*EquipmentInfo, error)
}

// ReportSender delivers a finished-trip report to the external sink.
// Implementations own the retry and alert policy; Send never returns an
// error for delivery failures, only the delivered flag.
type ReportSender interface {
	Send(ctx context.Context, report Report, token string) bool
}

// Position is a caller-supplied coordinate pair, optionally timestamped.
type Position struct {
	Latitude  float64
	Longitude float64
	Timestamp time.Time
}

// Controller orchestrates the work-session lifecycle: StartWork, the
// periodic sampling task, FinalizeWork, and AbortWork. All mutations for
// one equipment are linearized behind a per-equipment lock; different
// equipments proceed independently.
type Controller struct {
	journal  *Journal
	registry *Registry
	usage    *UsageTracker
	provider LocationProvider
	sender   ReportSender
	clock    Clock
	reports  *ReportCache
	logger   zerolog.Logger

	mu    sync.Mutex
	locks map[int64]*equipmentLock
}

// equipmentLock is a per-equipment mutex with a holder/waiter count so the
// map entry can be dropped once nobody references it.
type equipmentLock struct {
	sync.Mutex
	refs int
}

// NewController creates a session controller.
func NewController(journal *Journal, registry *Registry, usage *UsageTracker, provider LocationProvider, sender ReportSender, clock Clock, logger zerolog.Logger) *Controller {
	if clock == nil {
		clock = RealClock{}
	}
	return &Controller{
		journal:  journal,
		registry: registry,
		usage:    usage,
		provider: provider,
		sender:   sender,
		clock:    clock,
		reports:  NewReportCache(),
		logger:   logger.With().Str("component", "session-controller").Logger(),
	}
}

// lockEquipment blocks until the caller owns the equipment's lock. The ref
// count is taken under c.mu before blocking, so unlockEquipment only
// evicts entries no goroutine still references.
func (c *Controller) lockEquipment(equipmentID int64) *equipmentLock {
	c.mu.Lock()
	if c.locks == nil {
		c.locks = make(map[int64]*equipmentLock)
	}
	l, ok := c.locks[equipmentID]
	if !ok {
		l = &equipmentLock{}
		c.locks[equipmentID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.Lock()
	return l
}

func (c *Controller) unlockEquipment(equipmentID int64, l *equipmentLock) {
	l.Unlock()

	c.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, equipmentID)
	}
	c.mu.Unlock()
}

// StartWork opens a work session seeded with the caller's position, marks
// the equipment in use, and schedules the periodic sampling task. The
// recipients list, when non-empty, overrides the configured alert
// addresses for this trip's delivery failures. Returns an immediate
// acknowledgment report with zero aggregates.
func (c *Controller) StartWork(ctx context.Context, equipmentID int64, pos Position, recipients []string, token string) (*Report, error) {
	if equipmentID <= 0 {
		return nil, validationf("equipment id must be greater than 0, got %d", equipmentID)
	}
	if pos.Latitude == 0 && pos.Longitude == 0 {
		return nil, validationf("initial position for equipment %d has no coordinates", equipmentID)
	}

	l := c.lockEquipment(equipmentID)
	defer c.unlockEquipment(equipmentID, l)

	ts := pos.Timestamp
	if ts.IsZero() {
		ts = c.clock.Now().UTC()
	}

	first := Sample{
		EquipmentID: equipmentID,
		Latitude:    pos.Latitude,
		Longitude:   pos.Longitude,
		Timestamp:   ts,
	}

	if _, err := c.journal.StartSession(ctx, equipmentID, first, UnitUnknown, 0, cleanRecipients(recipients)); err != nil {
		return nil, err
	}

	c.usage.SetInUse(equipmentID, true)
	c.registry.Schedule(equipmentID, func(taskCtx context.Context) {
		c.recordSample(taskCtx, equipmentID, token)
	})
	metrics.TripsStarted.Inc()
	metrics.SamplesAppended.WithLabelValues("client").Inc()

	return &Report{
		EquipmentID:     equipmentID,
		Latitude:        pos.Latitude,
		Longitude:       pos.Longitude,
		Timestamp:       ts,
		MeasurementUnit: UnitUnknown,
	}, nil
}

// recordSample is the periodic sampling task body: pull the equipment's
// position from the provider and append it to the active session. Failures
// only affect this invocation; the next tick tries again.
func (c *Controller) recordSample(ctx context.Context, equipmentID int64, token string) {
	info, err := c.provider.GetEquipment(ctx, equipmentID, token)
	if err != nil {
		c.logger.Error().Err(err).
			Int64("equipment_id", equipmentID).
			Msg("Periodic position fetch failed")
		return
	}
	if info.Latitude == 0 && info.Longitude == 0 {
		c.logger.Warn().
			Int64("equipment_id", equipmentID).
			Msg("Provider returned zero coordinates, sample dropped")
		return
	}

	l := c.lockEquipment(equipmentID)
	defer c.unlockEquipment(equipmentID, l)

	sample := Sample{
		EquipmentID: equipmentID,
		Latitude:    info.Latitude,
		Longitude:   info.Longitude,
		Timestamp:   c.clock.Now().UTC(),
	}

	if _, err := c.journal.AppendSample(ctx, equipmentID, sample); err != nil {
		c.logger.Error().Err(err).
			Int64("equipment_id", equipmentID).
			Msg("Failed to append periodic sample")
		return
	}
	metrics.SamplesAppended.WithLabelValues("poll").Inc()
}

// FinalizeWork closes the session: cancels the sampling task, resolves the
// equipment's unit from the provider, finalizes the journal, clears the
// usage flag, and hands the report to the delivery pipeline. Delivery
// failure does not fail this call; the report is returned either way.
func (c *Controller) FinalizeWork(ctx context.Context, equipmentID int64, pos Position, token string) (*Report, error) {
	if equipmentID <= 0 {
		return nil, validationf("equipment id must be greater than 0, got %d", equipmentID)
	}
	if pos.Latitude == 0 && pos.Longitude == 0 {
		return nil, validationf("final position for equipment %d has no coordinates", equipmentID)
	}

	// Cancel before taking the per-equipment lock: a sample already in
	// flight holds the lock and is allowed to finish appending first.
	c.registry.Cancel(equipmentID)

	l := c.lockEquipment(equipmentID)
	defer c.unlockEquipment(equipmentID, l)

	info, err := c.provider.GetEquipment(ctx, equipmentID, token)
	if err != nil {
		return nil, err
	}
	if info.MeasurementUnit == UnitUnknown || info.ExternalUnitID == 0 {
		return nil, validationf("equipment %d has no resolvable measurement unit, report cannot be sent", equipmentID)
	}

	ts := pos.Timestamp
	if ts.IsZero() {
		ts = c.clock.Now().UTC()
	}

	final := Sample{
		EquipmentID: equipmentID,
		Latitude:    pos.Latitude,
		Longitude:   pos.Longitude,
		Timestamp:   ts,
		Final:       true,
	}

	session, err := c.journal.Finalize(ctx, equipmentID, final, info.MeasurementUnit, info.ExternalUnitID, Aggregate{})
	if err != nil {
		return nil, err
	}

	c.usage.SetInUse(equipmentID, false)

	if session == nil {
		// Double finalize: nothing to aggregate or deliver.
		return &Report{
			EquipmentID:     equipmentID,
			Latitude:        pos.Latitude,
			Longitude:       pos.Longitude,
			Timestamp:       ts,
			MeasurementUnit: info.MeasurementUnit,
			ExternalUnitID:  info.ExternalUnitID,
		}, nil
	}

	rounded := session.Aggregate.Rounded(session.MeasurementUnit)
	report := Report{
		EquipmentID:     equipmentID,
		Latitude:        final.Latitude,
		Longitude:       final.Longitude,
		Timestamp:       final.Timestamp,
		DurationHours:   rounded.TotalDurationHours,
		DistanceKm:      rounded.TotalDistanceKm,
		MeasurementUnit: session.MeasurementUnit,
		ExternalUnitID:  session.ExternalUnitID,
		AlertRecipients: session.AlertRecipients,
	}

	delivered := c.sender.Send(ctx, report, token)
	if !delivered {
		c.logger.Error().
			Int64("equipment_id", equipmentID).
			Msg("Report delivery exhausted, trip remains finalized locally")
	}

	metrics.TripsFinalized.Inc()
	return &report, nil
}

// AbortWork cancels the sampling task and clears the usage flag without
// touching the journal; an open session is left as-is.
func (c *Controller) AbortWork(equipmentID int64) error {
	if equipmentID <= 0 {
		return validationf("equipment id must be greater than 0, got %d", equipmentID)
	}

	c.registry.Cancel(equipmentID)
	c.usage.SetInUse(equipmentID, false)
	metrics.TripsAborted.Inc()
	return nil
}

// IsInUse reports whether the equipment has sampled recently.
func (c *Controller) IsInUse(ctx context.Context, equipmentID int64) bool {
	return c.usage.IsInUse(ctx, equipmentID)
}

// SetInUse overrides the equipment's usage flag.
func (c *Controller) SetInUse(equipmentID int64, inUse bool) {
	c.usage.SetInUse(equipmentID, inUse)
}

// QuerySamples returns all samples for an equipment on the given UTC day.
func (c *Controller) QuerySamples(ctx context.Context, equipmentID int64, day time.Time) ([]Sample, error) {
	if equipmentID <= 0 {
		return nil, validationf("equipment id must be greater than 0, got %d", equipmentID)
	}
	return c.journal.SamplesOn(ctx, equipmentID, day)
}

// QueryTripReport computes the trip summary for an equipment and UTC day.
// Summaries for past days are immutable and served from the cache.
func (c *Controller) QueryTripReport(ctx context.Context, equipmentID int64, day time.Time) (*TripSummary, error) {
	if equipmentID <= 0 {
		return nil, validationf("equipment id must be greater than 0, got %d", equipmentID)
	}

	cacheable := day.UTC().Truncate(24 * time.Hour).Before(c.clock.Now().UTC().Truncate(24 * time.Hour))
	if cacheable {
		if summary, ok := c.reports.Get(equipmentID, day); ok {
			return summary, nil
		}
	}

	summary, err := c.journal.Summary(ctx, equipmentID, day)
	if err != nil {
		return nil, err
	}

	if cacheable {
		c.reports.Put(equipmentID, day, summary)
	}
	return summary, nil
}

// Close drains the registry; pending sampling tasks finish first.
func (c *Controller) Close() {
	c.registry.Close()
}

// cleanRecipients drops empty entries and surrounding whitespace from a
// caller-supplied address list.
func cleanRecipients(recipients []string) []string {
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if trimmed := strings.TrimSpace(r); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
