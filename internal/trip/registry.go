package trip

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sigema/trackd/internal/metrics"
)

// DefaultSamplingInterval is how often an active session polls the
// equipment's position.
const DefaultSamplingInterval = 15 * time.Minute

// Registry owns the per-equipment periodic sampling tasks. Each active
// session gets one independently cancellable goroutine; the registry is
// created at process start and drained at shutdown.
type Registry struct {
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	samplers map[int64]*sampler
	closed   bool
}

type sampler struct {
	stopChan chan struct{}
	done     chan struct{}
}

// NewRegistry creates a session registry.
func NewRegistry(interval time.Duration, logger zerolog.Logger) *Registry {
	if interval <= 0 {
		interval = DefaultSamplingInterval
	}
	return &Registry{
		interval: interval,
		logger:   logger.With().Str("component", "session-registry").Logger(),
		samplers: make(map[int64]*sampler),
	}
}

// Schedule starts the periodic task for an equipment, replacing any task
// already registered for it.
func (r *Registry) Schedule(equipmentID int64, task func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.logger.Warn().Int64("equipment_id", equipmentID).Msg("Registry closed, task not scheduled")
		return
	}

	if existing, ok := r.samplers[equipmentID]; ok {
		close(existing.stopChan)
		r.logger.Warn().Int64("equipment_id", equipmentID).Msg("Replacing existing sampling task")
	}

	s := &sampler{
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.samplers[equipmentID] = s
	metrics.ActiveSessions.Set(float64(len(r.samplers)))

	go r.run(equipmentID, s, task)

	r.logger.Info().
		Int64("equipment_id", equipmentID).
		Dur("interval", r.interval).
		Msg("Sampling task scheduled")
}

func (r *Registry) run(equipmentID int64, s *sampler, task func(ctx context.Context)) {
	defer close(s.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			task(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// Cancel stops the equipment's periodic task. A task invocation already in
// flight is allowed to complete. Returns false if no task was registered.
func (r *Registry) Cancel(equipmentID int64) bool {
	r.mu.Lock()
	s, ok := r.samplers[equipmentID]
	if ok {
		delete(r.samplers, equipmentID)
		metrics.ActiveSessions.Set(float64(len(r.samplers)))
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	close(s.stopChan)
	r.logger.Info().Int64("equipment_id", equipmentID).Msg("Sampling task cancelled")
	return true
}

// Active returns the number of registered sampling tasks.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samplers)
}

// Close cancels every task and waits for their goroutines to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	samplers := make([]*sampler, 0, len(r.samplers))
	for id, s := range r.samplers {
		close(s.stopChan)
		samplers = append(samplers, s)
		delete(r.samplers, id)
	}
	metrics.ActiveSessions.Set(0)
	r.mu.Unlock()

	for _, s := range samplers {
		<-s.done
	}

	r.logger.Info().Msg("Session registry drained")
}
