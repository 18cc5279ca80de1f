package analysis

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/rqa/format"
)

// Metrics are the Prometheus collectors an Engine reports into.
type Metrics struct {
	PhaseDuration    *prometheus.HistogramVec
	Runs             *prometheus.CounterVec
	Tiles            prometheus.Counter
	TileRetries      prometheus.Counter
	RecurrencePoints prometheus.Counter
	TransferBytes    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered. Collectors already registered by an earlier
// NewMetrics on the same registry are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rqa",
			Name:      "phase_duration_seconds",
			Help:      "Time spent per analysis phase, summed over tiles.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"phase"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rqa",
			Name:      "runs_total",
			Help:      "Analysis runs by outcome.",
		}, []string{"outcome"}),
		Tiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rqa",
			Name:      "tiles_total",
			Help:      "Tiles built and scanned.",
		}),
		TileRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rqa",
			Name:      "tile_retries_total",
			Help:      "Re-plans with halved tiles after a tile exceeded the device limits.",
		}),
		RecurrencePoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rqa",
			Name:      "recurrence_points_total",
			Help:      "Recurrent points found, mirrored for symmetric runs.",
		}),
		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rqa",
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved between host and device.",
		}, []string{"direction"}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.PhaseDuration, err = register(reg, m.PhaseDuration); err != nil {
		return nil, err
	}
	if m.Runs, err = register(reg, m.Runs); err != nil {
		return nil, err
	}
	if m.Tiles, err = register(reg, m.Tiles); err != nil {
		return nil, err
	}
	if m.TileRetries, err = register(reg, m.TileRetries); err != nil {
		return nil, err
	}
	if m.RecurrencePoints, err = register(reg, m.RecurrencePoints); err != nil {
		return nil, err
	}
	if m.TransferBytes, err = register(reg, m.TransferBytes); err != nil {
		return nil, err
	}

	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}

		return c, err
	}

	return c, nil
}

func (m *Metrics) observeRun(res *Result, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Runs.WithLabelValues("failed").Inc()
		return
	}
	m.Runs.WithLabelValues("succeeded").Inc()

	rt := res.Runtimes
	for phase, d := range map[string]time.Duration{
		format.PhaseGrid.String():      rt.Grid,
		format.PhaseTiling.String():    rt.Tiling,
		"transfer_in":                  rt.TransferIn,
		"compute":                      rt.Compute,
		format.PhaseDetection.String(): rt.Detection,
		"transfer_out":                 rt.TransferOut,
	} {
		m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	}
	m.Tiles.Add(float64(res.Tiles))
	m.TileRetries.Add(float64(res.Retries))
	m.RecurrencePoints.Add(float64(res.TotalRecurrencePoints))
	m.TransferBytes.WithLabelValues("in").Add(float64(res.Device.BytesIn))
	m.TransferBytes.WithLabelValues("out").Add(float64(res.Device.BytesOutWire))
}
