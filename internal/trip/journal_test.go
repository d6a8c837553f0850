package trip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sigema/trackd/internal/storage"
)

// memTripStore is an in-memory storage.TripStore for journal tests.
type memTripStore struct {
	mu      sync.Mutex
	records map[string]storage.TripRecord

	failPutClosed    bool
	failDeleteActive bool
}

func newMemTripStore() *memTripStore {
	return &memTripStore{records: make(map[string]storage.TripRecord)}
}

func (m *memTripStore) PutActive(_ context.Context, rec storage.TripRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[storage.ActiveKey(rec.EquipmentID)] = rec
	return nil
}

func (m *memTripStore) GetActive(_ context.Context, equipmentID int64) (*storage.TripRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[storage.ActiveKey(equipmentID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (m *memTripStore) DeleteActive(_ context.Context, equipmentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDeleteActive {
		return errors.New("delete failed")
	}
	key := storage.ActiveKey(equipmentID)
	if _, ok := m.records[key]; !ok {
		return storage.ErrNotFound
	}
	delete(m.records, key)
	return nil
}

func (m *memTripStore) PutClosed(_ context.Context, rec storage.TripRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPutClosed {
		return errors.New("put closed failed")
	}
	m.records[storage.ClosedKey(rec.EquipmentID, *rec.FinalizedAt)] = rec
	return nil
}

func (m *memTripStore) GetClosed(_ context.Context, key string) (*storage.TripRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (m *memTripStore) ListClosed(_ context.Context, equipmentID int64) ([]storage.TripRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := storage.ClosedKeyPrefix(equipmentID)
	out := make([]storage.TripRecord, 0)
	for key, rec := range m.records {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, rec)
		}
	}
	return out, nil
}

func newTestJournal(store storage.TripStore, clock Clock) *Journal {
	return NewJournal(store, NewAggregator(zerolog.Nop()), clock, zerolog.Nop())
}

func TestJournalStartAppendFinalize(t *testing.T) {
	store := newMemTripStore()
	t0 := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	clock := &TestClock{CurrentTime: t0.Add(time.Hour)}
	journal := newTestJournal(store, clock)
	ctx := context.Background()

	first := Sample{EquipmentID: 7, Latitude: -31.95, Longitude: 115.86, Timestamp: t0}
	if _, err := journal.StartSession(ctx, 7, first, UnitUnknown, 0, nil); err != nil {
		t.Fatalf("start session: %v", err)
	}

	agg, err := journal.AppendSample(ctx, 7, Sample{
		EquipmentID: 7, Latitude: -31.96, Longitude: 115.87, Timestamp: t0.Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("append sample: %v", err)
	}
	if agg.TotalDistanceKm == 0 {
		t.Fatalf("expected nonzero intermediate distance")
	}

	final := Sample{
		EquipmentID: 7, Latitude: -31.97, Longitude: 115.88,
		Timestamp: t0.Add(time.Hour), Final: true,
	}
	session, err := journal.Finalize(ctx, 7, final, UnitHours, 42, Aggregate{})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if session == nil {
		t.Fatalf("expected finalized session")
	}
	if session.Status != storage.StatusFinalized {
		t.Errorf("expected FINALIZED status, got %s", session.Status)
	}
	if session.MeasurementUnit != UnitHours || session.ExternalUnitID != 42 {
		t.Errorf("unit not resolved: %s / %d", session.MeasurementUnit, session.ExternalUnitID)
	}
	if len(session.Samples) != 3 {
		t.Errorf("expected 3 samples, got %d", len(session.Samples))
	}
	if session.Aggregate.TotalDurationHours < 0.99 || session.Aggregate.TotalDurationHours > 1.01 {
		t.Errorf("expected roughly 1 hour, got %f", session.Aggregate.TotalDurationHours)
	}

	// Active record must be gone, closed record must exist.
	if _, err := store.GetActive(ctx, 7); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected active record removed, got err=%v", err)
	}
	closed, err := store.ListClosed(ctx, 7)
	if err != nil {
		t.Fatalf("list closed: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed record, got %d", len(closed))
	}
}

func TestJournalKeepsAlertRecipientsThroughFinalize(t *testing.T) {
	store := newMemTripStore()
	t0 := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	journal := newTestJournal(store, &TestClock{CurrentTime: t0.Add(time.Hour)})
	ctx := context.Background()

	recipients := []string{"driver@sigema.example"}
	first := Sample{EquipmentID: 12, Latitude: 1, Longitude: 1, Timestamp: t0}
	if _, err := journal.StartSession(ctx, 12, first, UnitUnknown, 0, recipients); err != nil {
		t.Fatalf("start session: %v", err)
	}

	// The list rides the persisted active record, not controller memory.
	active, err := store.GetActive(ctx, 12)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if len(active.AlertRecipients) != 1 || active.AlertRecipients[0] != "driver@sigema.example" {
		t.Fatalf("active record lost recipients: %v", active.AlertRecipients)
	}

	final := Sample{EquipmentID: 12, Latitude: 1, Longitude: 1, Timestamp: t0.Add(time.Hour), Final: true}
	session, err := journal.Finalize(ctx, 12, final, UnitHours, 42, Aggregate{})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if session == nil {
		t.Fatalf("expected finalized session")
	}
	if len(session.AlertRecipients) != 1 || session.AlertRecipients[0] != "driver@sigema.example" {
		t.Errorf("finalized session lost recipients: %v", session.AlertRecipients)
	}
}

func TestJournalFinalizeWithoutActiveSessionIsNoop(t *testing.T) {
	store := newMemTripStore()
	journal := newTestJournal(store, &TestClock{CurrentTime: time.Now()})

	session, err := journal.Finalize(context.Background(), 9, Sample{EquipmentID: 9}, UnitHours, 1, Aggregate{})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if session != nil {
		t.Fatalf("expected nil session for missing active record")
	}
}

func TestJournalFinalizeFailedPutClosedKeepsActive(t *testing.T) {
	store := newMemTripStore()
	t0 := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	journal := newTestJournal(store, &TestClock{CurrentTime: t0.Add(time.Hour)})
	ctx := context.Background()

	if _, err := journal.StartSession(ctx, 3, Sample{EquipmentID: 3, Latitude: 1, Longitude: 1, Timestamp: t0}, UnitUnknown, 0, nil); err != nil {
		t.Fatalf("start session: %v", err)
	}

	store.failPutClosed = true
	if _, err := journal.Finalize(ctx, 3, Sample{EquipmentID: 3, Latitude: 1, Longitude: 1, Timestamp: t0.Add(time.Hour)}, UnitHours, 1, Aggregate{}); err == nil {
		t.Fatalf("expected finalize error when closed write fails")
	}

	// The active record survives so the session can be finalized again.
	if _, err := store.GetActive(ctx, 3); err != nil {
		t.Fatalf("expected active record to survive, got %v", err)
	}
}

func TestJournalFinalizeFailedDeleteStillSucceeds(t *testing.T) {
	store := newMemTripStore()
	t0 := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	journal := newTestJournal(store, &TestClock{CurrentTime: t0.Add(time.Hour)})
	ctx := context.Background()

	if _, err := journal.StartSession(ctx, 4, Sample{EquipmentID: 4, Latitude: 1, Longitude: 1, Timestamp: t0}, UnitUnknown, 0, nil); err != nil {
		t.Fatalf("start session: %v", err)
	}

	store.failDeleteActive = true
	session, err := journal.Finalize(ctx, 4, Sample{EquipmentID: 4, Latitude: 1, Longitude: 1, Timestamp: t0.Add(time.Hour)}, UnitHours, 1, Aggregate{})
	if err != nil {
		t.Fatalf("finalize should tolerate delete failure: %v", err)
	}
	if session == nil {
		t.Fatalf("expected finalized session")
	}

	closed, _ := store.ListClosed(ctx, 4)
	if len(closed) != 1 {
		t.Fatalf("expected closed record despite delete failure, got %d", len(closed))
	}
}

func TestJournalAppendRecreatesMissingSession(t *testing.T) {
	store := newMemTripStore()
	journal := newTestJournal(store, &TestClock{CurrentTime: time.Now()})
	ctx := context.Background()

	sample := Sample{EquipmentID: 5, Latitude: 2, Longitude: 3, Timestamp: time.Now().UTC()}
	if _, err := journal.AppendSample(ctx, 5, sample); err != nil {
		t.Fatalf("append without session: %v", err)
	}

	session, err := journal.Load(ctx, 5)
	if err != nil {
		t.Fatalf("load recreated session: %v", err)
	}
	if len(session.Samples) != 1 {
		t.Fatalf("expected 1 sample in recreated session, got %d", len(session.Samples))
	}
	if session.MeasurementUnit != UnitUnknown {
		t.Fatalf("recreated session should have unknown unit, got %s", session.MeasurementUnit)
	}
}

func TestJournalStartOverwritesExistingSession(t *testing.T) {
	store := newMemTripStore()
	t0 := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	journal := newTestJournal(store, &TestClock{CurrentTime: t0})
	ctx := context.Background()

	if _, err := journal.StartSession(ctx, 6, Sample{EquipmentID: 6, Latitude: 1, Longitude: 1, Timestamp: t0}, UnitUnknown, 0, nil); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := journal.AppendSample(ctx, 6, Sample{EquipmentID: 6, Latitude: 1.01, Longitude: 1.01, Timestamp: t0.Add(15 * time.Minute)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := journal.StartSession(ctx, 6, Sample{EquipmentID: 6, Latitude: 2, Longitude: 2, Timestamp: t0.Add(time.Hour)}, UnitUnknown, 0, nil); err != nil {
		t.Fatalf("second start: %v", err)
	}

	session, err := journal.Load(ctx, 6)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(session.Samples) != 1 {
		t.Fatalf("restart should reset samples, got %d", len(session.Samples))
	}
}

func TestJournalSummaryFiltersByDay(t *testing.T) {
	store := newMemTripStore()
	t0 := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	clock := &TestClock{CurrentTime: t0.Add(2 * time.Hour)}
	journal := newTestJournal(store, clock)
	ctx := context.Background()

	if _, err := journal.StartSession(ctx, 8, Sample{EquipmentID: 8, Latitude: -31.95, Longitude: 115.86, Timestamp: t0}, UnitUnknown, 0, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := journal.AppendSample(ctx, 8, Sample{EquipmentID: 8, Latitude: -31.96, Longitude: 115.87, Timestamp: t0.Add(30 * time.Minute)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Sample from the next day must not contribute.
	if _, err := journal.AppendSample(ctx, 8, Sample{EquipmentID: 8, Latitude: -32.1, Longitude: 116.0, Timestamp: t0.Add(24 * time.Hour)}); err != nil {
		t.Fatalf("append next day: %v", err)
	}

	summary, err := journal.Summary(ctx, 8, t0)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Date != "2026-08-30" {
		t.Errorf("expected date 2026-08-30, got %s", summary.Date)
	}
	if summary.LastSample == nil {
		t.Fatalf("expected last sample")
	}
	if !summary.LastSample.Timestamp.Equal(t0.Add(30 * time.Minute)) {
		t.Errorf("last sample leaked from the wrong day: %s", summary.LastSample.Timestamp)
	}
	if summary.TotalDurationHours != 0.5 {
		t.Errorf("expected 0.5 hours, got %f", summary.TotalDurationHours)
	}
}

func TestJournalLastSampleSpansActiveAndClosed(t *testing.T) {
	store := newMemTripStore()
	t0 := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	clock := &TestClock{CurrentTime: t0.Add(time.Hour)}
	journal := newTestJournal(store, clock)
	ctx := context.Background()

	// Close one trip, then open a newer one.
	if _, err := journal.StartSession(ctx, 11, Sample{EquipmentID: 11, Latitude: 1, Longitude: 1, Timestamp: t0}, UnitUnknown, 0, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := journal.Finalize(ctx, 11, Sample{EquipmentID: 11, Latitude: 1, Longitude: 1, Timestamp: t0.Add(20 * time.Minute), Final: true}, UnitHours, 1, Aggregate{}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := journal.StartSession(ctx, 11, Sample{EquipmentID: 11, Latitude: 2, Longitude: 2, Timestamp: t0.Add(40 * time.Minute)}, UnitUnknown, 0, nil); err != nil {
		t.Fatalf("restart: %v", err)
	}

	last, err := journal.LastSample(ctx, 11)
	if err != nil {
		t.Fatalf("last sample: %v", err)
	}
	if !last.Timestamp.Equal(t0.Add(40 * time.Minute)) {
		t.Fatalf("expected newest sample, got %s", last.Timestamp)
	}
}
