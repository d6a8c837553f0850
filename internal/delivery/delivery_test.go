package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sigema/trackd/internal/storage"
	"github.com/sigema/trackd/internal/trip"
)

type fakeSink struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *fakeSink) PostReport(context.Context, trip.Report, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("sink unavailable")
	}
	return nil
}

type fakeNotifier struct {
	mu         sync.Mutex
	recipients [][]string
	subjects   []string
	bodies     []string
	err        error
}

func (f *fakeNotifier) Notify(recipients []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recipients = append(f.recipients, recipients)
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, body)
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	records []storage.DeliveryRecord
}

func (f *fakeAudit) AddDelivery(_ context.Context, rec storage.DeliveryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeAudit) ListDeliveries(_ context.Context, equipmentID int64, limit int) ([]storage.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.DeliveryRecord, 0)
	for _, rec := range f.records {
		if rec.EquipmentID == equipmentID {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func testReport() trip.Report {
	return trip.Report{
		EquipmentID:     10,
		Latitude:        -31.95,
		Longitude:       115.86,
		Timestamp:       time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC),
		DurationHours:   1.5,
		DistanceKm:      12.345678,
		MeasurementUnit: trip.UnitHours,
		ExternalUnitID:  42,
	}
}

func newTestDeliverer(sink Sink, notifier Notifier, audit storage.AuditStore) *Deliverer {
	return NewDeliverer(sink, notifier, audit, Config{MaxAttempts: 3, RetryDelay: time.Millisecond}, zerolog.Nop())
}

func TestDeliverFirstAttemptSucceeds(t *testing.T) {
	sink := &fakeSink{}
	notifier := &fakeNotifier{}
	audit := &fakeAudit{}
	d := newTestDeliverer(sink, notifier, audit)

	delivered, err := d.Deliver(context.Background(), testReport(), "tok")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !delivered {
		t.Fatalf("expected delivered")
	}
	if sink.calls != 1 {
		t.Errorf("expected 1 attempt, got %d", sink.calls)
	}
	if len(notifier.subjects) != 0 {
		t.Errorf("no alert expected on success")
	}
	if len(audit.records) != 1 || !audit.records[0].Delivered {
		t.Errorf("expected one delivered audit record, got %+v", audit.records)
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	sink := &fakeSink{failures: 2}
	notifier := &fakeNotifier{}
	d := newTestDeliverer(sink, notifier, &fakeAudit{})

	delivered, err := d.Deliver(context.Background(), testReport(), "tok")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !delivered {
		t.Fatalf("expected delivery on third attempt")
	}
	if sink.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", sink.calls)
	}
	if len(notifier.subjects) != 0 {
		t.Errorf("no alert expected when a retry succeeds")
	}
}

func TestDeliverExhaustionSendsExactlyOneAlert(t *testing.T) {
	sink := &fakeSink{failures: 100}
	notifier := &fakeNotifier{}
	audit := &fakeAudit{}
	d := newTestDeliverer(sink, notifier, audit)

	delivered, err := d.Deliver(context.Background(), testReport(), "tok")
	if err != nil {
		t.Fatalf("exhaustion must not be an error: %v", err)
	}
	if delivered {
		t.Fatalf("expected not delivered")
	}
	if sink.calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", sink.calls)
	}
	if len(notifier.subjects) != 1 {
		t.Fatalf("expected exactly 1 alert, got %d", len(notifier.subjects))
	}
	if !strings.Contains(notifier.bodies[0], "sink unavailable") {
		t.Errorf("alert body must carry the last error, got %q", notifier.bodies[0])
	}
	if !strings.Contains(notifier.bodies[0], "equipmentId") {
		t.Errorf("alert body must carry the report payload, got %q", notifier.bodies[0])
	}

	if len(audit.records) != 1 {
		t.Fatalf("expected one audit record, got %d", len(audit.records))
	}
	rec := audit.records[0]
	if rec.Delivered || rec.Attempts != 3 || rec.LastError == "" {
		t.Errorf("audit record mismatch: %+v", rec)
	}
}

func TestDeliverExhaustionAlertPrefersTripRecipients(t *testing.T) {
	sink := &fakeSink{failures: 100}
	notifier := &fakeNotifier{}
	d := NewDeliverer(sink, notifier, &fakeAudit{},
		Config{MaxAttempts: 3, RetryDelay: time.Millisecond, Recipients: []string{"ops@sigema.example"}},
		zerolog.Nop())

	report := testReport()
	report.AlertRecipients = []string{"driver@sigema.example", "fleet@sigema.example"}

	delivered, err := d.Deliver(context.Background(), report, "tok")
	if err != nil || delivered {
		t.Fatalf("expected undelivered without error, got delivered=%v err=%v", delivered, err)
	}
	if len(notifier.recipients) != 1 {
		t.Fatalf("expected exactly 1 alert, got %d", len(notifier.recipients))
	}
	got := notifier.recipients[0]
	if len(got) != 2 || got[0] != "driver@sigema.example" || got[1] != "fleet@sigema.example" {
		t.Errorf("alert must go to the trip's recipients, got %v", got)
	}
}

func TestDeliverExhaustionAlertFallsBackToConfiguredRecipients(t *testing.T) {
	sink := &fakeSink{failures: 100}
	notifier := &fakeNotifier{}
	d := NewDeliverer(sink, notifier, &fakeAudit{},
		Config{MaxAttempts: 3, RetryDelay: time.Millisecond, Recipients: []string{"ops@sigema.example"}},
		zerolog.Nop())

	delivered, err := d.Deliver(context.Background(), testReport(), "tok")
	if err != nil || delivered {
		t.Fatalf("expected undelivered without error, got delivered=%v err=%v", delivered, err)
	}
	if len(notifier.recipients) != 1 {
		t.Fatalf("expected exactly 1 alert, got %d", len(notifier.recipients))
	}
	if got := notifier.recipients[0]; len(got) != 1 || got[0] != "ops@sigema.example" {
		t.Errorf("alert must fall back to the configured recipients, got %v", got)
	}
}

func TestDeliverRejectsReportWithoutUnitID(t *testing.T) {
	sink := &fakeSink{}
	d := newTestDeliverer(sink, &fakeNotifier{}, &fakeAudit{})

	report := testReport()
	report.ExternalUnitID = 0

	delivered, err := d.Deliver(context.Background(), report, "tok")
	if !errors.Is(err, trip.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if delivered {
		t.Fatalf("expected not delivered")
	}
	if sink.calls != 0 {
		t.Errorf("no attempt may be made without a unit id, got %d", sink.calls)
	}
}

func TestDeliverStopsOnContextCancel(t *testing.T) {
	sink := &fakeSink{failures: 100}
	notifier := &fakeNotifier{}
	d := NewDeliverer(sink, notifier, &fakeAudit{}, Config{MaxAttempts: 3, RetryDelay: time.Minute}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	delivered, err := d.Deliver(ctx, testReport(), "tok")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered {
		t.Fatalf("expected not delivered")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancelled delivery took %s, retry delay was not interrupted", elapsed)
	}
	if len(notifier.subjects) != 0 {
		t.Errorf("cancellation must not raise the exhaustion alert")
	}
}

func TestSendWrapsValidationFailures(t *testing.T) {
	d := newTestDeliverer(&fakeSink{}, &fakeNotifier{}, &fakeAudit{})

	report := testReport()
	report.ExternalUnitID = 0

	if d.Send(context.Background(), report, "tok") {
		t.Fatalf("Send must report false for rejected reports")
	}
}

func TestDeliverToleratesNotifierFailure(t *testing.T) {
	sink := &fakeSink{failures: 100}
	notifier := &fakeNotifier{err: errors.New("smtp down")}
	d := newTestDeliverer(sink, notifier, &fakeAudit{})

	delivered, err := d.Deliver(context.Background(), testReport(), "tok")
	if err != nil {
		t.Fatalf("notifier failure must not surface: %v", err)
	}
	if delivered {
		t.Fatalf("expected not delivered")
	}
}
