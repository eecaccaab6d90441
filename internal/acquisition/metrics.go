package acquisition

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Cycle outcomes as exported in the gosweep_cycles_total "outcome" label.
const (
	OutcomeOK             = "ok"
	OutcomeDecodeError    = "decode_error"
	OutcomeConnectionLost = "connection_lost"
	OutcomeBusy           = "busy"
	OutcomeCancelled      = "cancelled"
)

// Metrics exports acquisition counters to Prometheus. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	cycles   *prometheus.CounterVec
	duration prometheus.Histogram
	points   prometheus.Gauge
	gpsFix   prometheus.Gauge
	lost     prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg, or on the
// default registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gosweep_cycles_total",
			Help: "Acquisition cycles by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gosweep_cycle_duration_seconds",
			Help:    "Wall time of one acquisition cycle, settle delay included.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		points: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gosweep_sweep_points",
			Help: "Number of points in the last good sweep.",
		}),
		gpsFix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gosweep_gps_fix",
			Help: "1 when the last cycle had a good GPS fix, else 0.",
		}),
		lost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gosweep_connection_lost_total",
			Help: "Transport failures that forced a reconnect.",
		}),
	}
	reg.MustRegister(m.cycles, m.duration, m.points, m.gpsFix, m.lost)
	return m
}

func (m *Metrics) observe(res Result) {
	if m == nil {
		return
	}
	outcome := Outcome(res)
	m.cycles.WithLabelValues(outcome).Inc()
	if outcome == OutcomeBusy {
		return
	}
	m.duration.Observe(res.Duration.Seconds())
	if res.Sweep != nil {
		m.points.Set(float64(res.Sweep.Len()))
	}
	if res.GPS.Good() {
		m.gpsFix.Set(1)
	} else {
		m.gpsFix.Set(0)
	}
}

func (m *Metrics) connectionLost() {
	if m == nil {
		return
	}
	m.lost.Inc()
}

// Outcome classifies a cycle result.
func Outcome(res Result) string {
	switch {
	case res.Err == nil:
		return OutcomeOK
	case errors.Is(res.Err, ErrConnectionLost):
		return OutcomeConnectionLost
	case errors.Is(res.Err, ErrBusy):
		return OutcomeBusy
	case errors.Is(res.Err, errCancelled):
		return OutcomeCancelled
	default:
		return OutcomeDecodeError
	}
}
