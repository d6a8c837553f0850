// Package sigema is the HTTP client for the Sigema fleet backend: it
// resolves equipment positions and units, and receives finished-trip
// reports. All calls are bearer-authenticated with the caller's token.
package sigema

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sigema/trackd/internal/metrics"
	"github.com/sigema/trackd/internal/trip"
)

// Config holds the client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the Sigema backend.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates a Sigema client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "sigema-client").Logger(),
	}
}

type equipmentResponse struct {
	ID              int64   `json:"id"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	MeasurementUnit string  `json:"measurementUnit"`
	Unit            *struct {
		ID int64 `json:"id"`
	} `json:"unit"`
}

// GetEquipment fetches an equipment's current position and unit.
func (c *Client) GetEquipment(ctx context.Context, equipmentID int64, token string) (*trip.EquipmentInfo, error) {
	url := fmt.Sprintf("%s/api/equipment/%d", c.baseURL, equipmentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", trip.ErrUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("get_equipment", "error").Inc()
		return nil, fmt.Errorf("%w: equipment %d unreachable: %v", trip.ErrUpstream, equipmentID, err)
	}
	defer resp.Body.Close()

	metrics.UpstreamRequests.WithLabelValues("get_equipment", strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &trip.UpstreamStatusError{
			StatusCode: resp.StatusCode,
			Detail:     "unauthorized, the bearer token may be invalid or expired",
		}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &trip.UpstreamStatusError{
			StatusCode: resp.StatusCode,
			Detail:     fmt.Sprintf("equipment %d not found", equipmentID),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &trip.UpstreamStatusError{
			StatusCode: resp.StatusCode,
			Detail:     fmt.Sprintf("unexpected status fetching equipment %d", equipmentID),
		}
	}

	var body equipmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode equipment %d: %v", trip.ErrUpstream, equipmentID, err)
	}

	info := &trip.EquipmentInfo{
		ID:              body.ID,
		Latitude:        body.Latitude,
		Longitude:       body.Longitude,
		MeasurementUnit: trip.ParseUnit(body.MeasurementUnit),
	}
	if body.Unit != nil {
		info.ExternalUnitID = body.Unit.ID
	}
	return info, nil
}

// PostReport delivers a finished-trip report. Any 2xx status is success.
func (c *Client) PostReport(ctx context.Context, report trip.Report, token string) error {
	url := c.baseURL + "/api/reports"

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", trip.ErrUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("post_report", "error").Inc()
		return fmt.Errorf("%w: report sink unreachable: %v", trip.ErrUpstream, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	metrics.UpstreamRequests.WithLabelValues("post_report", strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &trip.UpstreamStatusError{
			StatusCode: resp.StatusCode,
			Detail:     fmt.Sprintf("report for equipment %d rejected", report.EquipmentID),
		}
	}

	c.logger.Debug().
		Int64("equipment_id", report.EquipmentID).
		Msg("Report accepted by Sigema")
	return nil
}
