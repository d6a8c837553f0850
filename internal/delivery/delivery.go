// Package delivery forwards finished-trip reports to the Sigema sink with
// bounded retries, escalating to the alert channel when every attempt
// fails.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sigema/trackd/internal/metrics"
	"github.com/sigema/trackd/internal/storage"
	"github.com/sigema/trackd/internal/trip"
)

// DefaultMaxAttempts bounds sequential delivery attempts per report.
const DefaultMaxAttempts = 3

// Sink posts a report to the external system.
type Sink interface {
	PostReport(ctx context.Context, report trip.Report, token string) error
}

// Notifier dispatches an alert. Fire-and-forget; the deliverer only logs
// notification errors.
type Notifier interface {
	Notify(recipients []string, subject, body string) error
}

// Config holds delivery policy settings.
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Recipients  []string
}

// Deliverer implements the retry/fallback delivery policy.
type Deliverer struct {
	sink        Sink
	notifier    Notifier
	audit       storage.AuditStore
	maxAttempts int
	retryDelay  time.Duration
	recipients  []string
	logger      zerolog.Logger
}

// NewDeliverer creates a report deliverer.
func NewDeliverer(sink Sink, notifier Notifier, audit storage.AuditStore, cfg Config, logger zerolog.Logger) *Deliverer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Deliverer{
		sink:        sink,
		notifier:    notifier,
		audit:       audit,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		recipients:  cfg.Recipients,
		logger:      logger.With().Str("component", "report-delivery").Logger(),
	}
}

// Send implements trip.ReportSender.
func (d *Deliverer) Send(ctx context.Context, report trip.Report, token string) bool {
	delivered, err := d.Deliver(ctx, report, token)
	if err != nil {
		d.logger.Error().Err(err).
			Int64("equipment_id", report.EquipmentID).
			Msg("Report rejected before delivery")
		return false
	}
	return delivered
}

// Deliver posts the report with up to MaxAttempts sequential tries. A
// report without a resolved external unit id fails validation before any
// attempt is made. On exhaustion exactly one alert carrying the payload
// and the last error is dispatched and (false, nil) is returned; delivery
// failure is not an error for the caller.
func (d *Deliverer) Deliver(ctx context.Context, report trip.Report, token string) (bool, error) {
	if report.ExternalUnitID == 0 {
		return false, fmt.Errorf("%w: report for equipment %d has no external unit id", trip.ErrValidation, report.EquipmentID)
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		metrics.DeliveryAttempts.Inc()

		lastErr = d.sink.PostReport(ctx, report, token)
		if lastErr == nil {
			d.logger.Info().
				Int64("equipment_id", report.EquipmentID).
				Int("attempt", attempt).
				Msg("Report delivered")
			d.recordAudit(ctx, report, attempt, true, nil)
			return true, nil
		}

		d.logger.Warn().Err(lastErr).
			Int64("equipment_id", report.EquipmentID).
			Int("attempt", attempt).
			Int("max_attempts", d.maxAttempts).
			Msg("Report delivery attempt failed")

		if attempt < d.maxAttempts && d.retryDelay > 0 {
			select {
			case <-time.After(d.retryDelay):
			case <-ctx.Done():
				d.recordAudit(ctx, report, attempt, false, ctx.Err())
				return false, nil
			}
		}
	}

	metrics.DeliveryFailures.Inc()
	d.recordAudit(ctx, report, d.maxAttempts, false, lastErr)
	d.dispatchAlert(report, lastErr)
	return false, nil
}

func (d *Deliverer) dispatchAlert(report trip.Report, lastErr error) {
	payload, err := json.Marshal(report)
	if err != nil {
		payload = []byte(report.String())
	}

	subject := fmt.Sprintf("Trip report delivery failed for equipment %d", report.EquipmentID)
	body := fmt.Sprintf(
		"The trip report could not be delivered after %d attempts.\n\nLast error: %v\n\nReport payload:\n%s\n",
		d.maxAttempts, lastErr, payload,
	)

	// Per-trip addresses from the start-work request win over the
	// configured defaults.
	recipients := report.AlertRecipients
	if len(recipients) == 0 {
		recipients = d.recipients
	}

	if err := d.notifier.Notify(recipients, subject, body); err != nil {
		d.logger.Error().Err(err).
			Int64("equipment_id", report.EquipmentID).
			Msg("Failed to dispatch delivery alert")
		return
	}

	metrics.AlertsSent.Inc()
	d.logger.Info().
		Int64("equipment_id", report.EquipmentID).
		Msg("Delivery alert dispatched")
}

func (d *Deliverer) recordAudit(ctx context.Context, report trip.Report, attempts int, delivered bool, lastErr error) {
	if d.audit == nil {
		return
	}

	payload, err := json.Marshal(report)
	if err != nil {
		payload = []byte(report.String())
	}

	rec := storage.DeliveryRecord{
		EquipmentID: report.EquipmentID,
		Timestamp:   time.Now().UTC(),
		Attempts:    attempts,
		Delivered:   delivered,
		Payload:     string(payload),
	}
	if lastErr != nil {
		rec.LastError = lastErr.Error()
	}

	if err := d.audit.AddDelivery(ctx, rec); err != nil {
		d.logger.Error().Err(err).
			Int64("equipment_id", report.EquipmentID).
			Msg("Failed to record delivery audit entry")
	}
}
