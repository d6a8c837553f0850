package trip

import (
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/sigema/trackd/internal/metrics"
)

const (
	earthRadiusKm = 6371

	// Noise rejection: a segment counts only if it moved at least
	// minSegmentKm or the gap between readings is under maxIdleGap.
	minSegmentKm = 0.01
	maxIdleGap   = 30 * time.Minute
)

// Aggregator computes accepted distance and duration totals from an
// ordered sample sequence. Compute is deterministic: the same input always
// yields the same totals.
type Aggregator struct {
	logger zerolog.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		logger: logger.With().Str("component", "aggregator").Logger(),
	}
}

// Compute walks consecutive sample pairs and sums the accepted segments.
// The input must already be in time order; samples with a missing
// timestamp are skipped and logged, the rest of the sequence is still
// processed. Totals are returned unrounded.
func (a *Aggregator) Compute(samples []Sample) Aggregate {
	var totalKm float64
	var totalMs int64

	var prev *Sample
	for i := range samples {
		cur := &samples[i]
		if cur.Timestamp.IsZero() {
			a.logger.Warn().
				Int64("equipment_id", cur.EquipmentID).
				Int("index", i).
				Msg("Sample without timestamp skipped in aggregate computation")
			metrics.SamplesSkipped.Inc()
			continue
		}
		if prev == nil {
			prev = cur
			continue
		}

		distanceKm := haversineKm(prev.Latitude, prev.Longitude, cur.Latitude, cur.Longitude)
		durationMs := cur.Timestamp.Sub(prev.Timestamp).Milliseconds()

		if durationMs < 0 {
			a.logger.Warn().
				Int64("equipment_id", cur.EquipmentID).
				Time("prev", prev.Timestamp).
				Time("cur", cur.Timestamp).
				Msg("Negative segment duration discarded")
			metrics.SegmentsRejected.WithLabelValues("negative_duration").Inc()
			prev = cur
			continue
		}

		if distanceKm >= minSegmentKm || durationMs < maxIdleGap.Milliseconds() {
			totalKm += distanceKm
			totalMs += durationMs
		} else {
			metrics.SegmentsRejected.WithLabelValues("noise").Inc()
		}

		prev = cur
	}

	return Aggregate{
		TotalDistanceKm:    totalKm,
		TotalDurationHours: float64(totalMs) / (1000.0 * 60 * 60),
	}
}

// haversineKm returns the great-circle distance between two coordinates.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	latDistance := toRadians(lat2 - lat1)
	lonDistance := toRadians(lon2 - lon1)

	h := math.Sin(latDistance/2)*math.Sin(latDistance/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(lonDistance/2)*math.Sin(lonDistance/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

func toRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}
