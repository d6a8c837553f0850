package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session metrics
	TripsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackd_trips_started_total",
			Help: "Total work sessions started",
		},
	)

	TripsFinalized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackd_trips_finalized_total",
			Help: "Total work sessions finalized",
		},
	)

	TripsAborted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackd_trips_aborted_total",
			Help: "Total work sessions aborted without finalization",
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackd_active_sessions",
			Help: "Currently active work sessions",
		},
	)

	// Sampling metrics
	SamplesAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackd_samples_appended_total",
			Help: "Position samples appended to active sessions",
		},
		[]string{"source"},
	)

	SamplesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackd_samples_skipped_total",
			Help: "Samples excluded from aggregation (unparseable timestamp)",
		},
	)

	SegmentsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackd_segments_rejected_total",
			Help: "Sample segments rejected by the noise rule",
		},
		[]string{"reason"},
	)

	// Upstream metrics
	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackd_upstream_requests_total",
			Help: "Requests to the Sigema backend",
		},
		[]string{"operation", "status"},
	)

	// Delivery metrics
	DeliveryAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackd_delivery_attempts_total",
			Help: "Report delivery attempts",
		},
	)

	DeliveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackd_delivery_failures_total",
			Help: "Report deliveries that exhausted all attempts",
		},
	)

	AlertsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackd_alerts_sent_total",
			Help: "Alerts dispatched after delivery exhaustion",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TripsStarted,
		TripsFinalized,
		TripsAborted,
		ActiveSessions,
		SamplesAppended,
		SamplesSkipped,
		SegmentsRejected,
		UpstreamRequests,
		DeliveryAttempts,
		DeliveryFailures,
		AlertsSent,
	)
}

// Server serves the Prometheus metrics endpoint.
type Server struct {
	addr     string
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer creates a metrics server.
func NewServer(addr string, logger zerolog.Logger) *Server {
	return &Server{
		addr:   addr,
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Start begins serving metrics in the background. A non-nil listener
// (e.g. from systemd socket activation) takes precedence over the
// configured address.
func (s *Server) Start(listener net.Listener) error {
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", s.addr)
		if err != nil {
			return err
		}
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{Handler: mux}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Stop shuts the metrics server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}
