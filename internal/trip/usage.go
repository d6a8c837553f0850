package trip

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sigema/trackd/internal/storage"
)

// DefaultUsageTimeout is how long after the last sample an equipment is
// still considered in use.
const DefaultUsageTimeout = 15 * time.Minute

// UsageTracker derives a per-equipment "in use" flag from the most recent
// sample timestamp. The flag expires automatically once the timeout
// elapses without new samples; callers never have to clear it explicitly.
type UsageTracker struct {
	journal *Journal
	timeout time.Duration
	clock   Clock
	logger  zerolog.Logger

	mu    sync.Mutex
	flags map[int64]bool
}

// NewUsageTracker creates a usage tracker.
func NewUsageTracker(journal *Journal, timeout time.Duration, clock Clock, logger zerolog.Logger) *UsageTracker {
	if timeout <= 0 {
		timeout = DefaultUsageTimeout
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &UsageTracker{
		journal: journal,
		timeout: timeout,
		clock:   clock,
		logger:  logger.With().Str("component", "usage-tracker").Logger(),
		flags:   make(map[int64]bool),
	}
}

// SetInUse overrides the stored flag. Used by start, finalize and abort.
func (t *UsageTracker) SetInUse(equipmentID int64, inUse bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flags[equipmentID] = inUse
}

// IsInUse reports whether the equipment is currently working. A set flag
// expires once the most recent known sample is older than the timeout; the
// stored flag is flipped so subsequent reads short-circuit. The journal
// read runs outside the tracker lock so one slow store never blocks usage
// checks for other equipments.
func (t *UsageTracker) IsInUse(ctx context.Context, equipmentID int64) bool {
	t.mu.Lock()
	flagged := t.flags[equipmentID]
	t.mu.Unlock()

	if !flagged {
		return false
	}

	last, err := t.journal.LastSample(ctx, equipmentID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			t.logger.Error().Err(err).
				Int64("equipment_id", equipmentID).
				Msg("Failed to load last sample for usage check")
		}
		t.storeIfStillSet(equipmentID, false)
		return false
	}

	inUse := t.clock.Now().Sub(last.Timestamp) < t.timeout
	if !inUse {
		t.logger.Debug().
			Int64("equipment_id", equipmentID).
			Time("last_sample", last.Timestamp).
			Msg("Usage flag expired")
	}
	t.storeIfStillSet(equipmentID, inUse)
	return inUse
}

// storeIfStillSet records the derived state unless the flag was cleared
// while the journal read ran; an abort or finalize in that window wins.
func (t *UsageTracker) storeIfStillSet(equipmentID int64, inUse bool) {
	t.mu.Lock()
	if t.flags[equipmentID] {
		t.flags[equipmentID] = inUse
	}
	t.mu.Unlock()
}
