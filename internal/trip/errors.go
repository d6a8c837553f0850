package trip

import (
	"errors"
	"fmt"
)

// Error kinds. Callers classify failures with errors.Is against these
// sentinels; the wrapped message carries the detail.
var (
	// ErrValidation marks client-facing failures (bad equipment id,
	// missing unit, missing coordinates). Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrUpstream marks failures talking to the Sigema backend. The
	// triggering operation fails; session state is untouched.
	ErrUpstream = errors.New("upstream request failed")

	// ErrDelivery marks report delivery exhaustion. Finalization never
	// fails on it; it is surfaced through the alert channel instead.
	ErrDelivery = errors.New("report delivery failed")

	// ErrParse marks malformed input rejected at the ingestion boundary,
	// currently unparseable timestamps.
	ErrParse = errors.New("parse failed")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// UpstreamStatusError wraps an HTTP status from the Sigema backend.
type UpstreamStatusError struct {
	StatusCode int
	Detail     string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream request failed: status %d: %s", e.StatusCode, e.Detail)
}

// Unwrap makes errors.Is(err, ErrUpstream) hold.
func (e *UpstreamStatusError) Unwrap() error {
	return ErrUpstream
}
