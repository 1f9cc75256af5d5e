package registry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/schemaregistry/metric"
)

// Metrics holds the coordinator's domain metrics. All methods are nil-safe
// so the coordinator runs unchanged with metrics disabled.
type Metrics struct {
	compositions      *prometheus.CounterVec
	staleCompositions *prometheus.CounterVec
	cutovers          *prometheus.CounterVec
	composeDuration   *prometheus.HistogramVec
	servingVersion    *prometheus.GaugeVec
}

// NewMetrics creates and registers the coordinator's metrics
func NewMetrics(registrar metric.Registrar) (*Metrics, error) {
	m := &Metrics{
		compositions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "schemaregistry",
				Subsystem: "registry",
				Name:      "compositions_total",
				Help:      "Composition attempts by outcome (valid, invalid, error)",
			},
			[]string{"environment", "outcome"},
		),
		staleCompositions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "schemaregistry",
				Subsystem: "registry",
				Name:      "stale_compositions_total",
				Help:      "Compositions discarded because a newer request superseded them",
			},
			[]string{"environment"},
		),
		cutovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "schemaregistry",
				Subsystem: "registry",
				Name:      "cutovers_total",
				Help:      "Gateway cutover attempts by result",
			},
			[]string{"environment", "result"},
		),
		composeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "schemaregistry",
				Subsystem: "registry",
				Name:      "compose_duration_seconds",
				Help:      "Time from compose start to a valid version",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"environment"},
		),
		servingVersion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "schemaregistry",
				Subsystem: "registry",
				Name:      "serving_version_info",
				Help:      "Set to 1 for the supergraph version currently serving the environment",
			},
			[]string{"environment", "version_id"},
		),
	}

	collectors := map[string]prometheus.Collector{
		"compositions_total":       m.compositions,
		"stale_compositions_total": m.staleCompositions,
		"cutovers_total":           m.cutovers,
		"compose_duration_seconds": m.composeDuration,
		"serving_version_info":     m.servingVersion,
	}
	for name, collector := range collectors {
		if err := registrar.Register("registry", name, collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) recordComposition(environment, outcome string) {
	if m == nil {
		return
	}
	m.compositions.WithLabelValues(environment, outcome).Inc()
}

func (m *Metrics) recordStaleComposition(environment string) {
	if m == nil {
		return
	}
	m.staleCompositions.WithLabelValues(environment).Inc()
}

func (m *Metrics) recordCutover(environment, result string) {
	if m == nil {
		return
	}
	m.cutovers.WithLabelValues(environment, result).Inc()
}

func (m *Metrics) observeCompose(environment string, d time.Duration) {
	if m == nil {
		return
	}
	m.composeDuration.WithLabelValues(environment).Observe(d.Seconds())
}

func (m *Metrics) setServingVersion(environment, versionID string) {
	if m == nil {
		return
	}
	// Reset so exactly one version_id label reports 1 per environment
	m.servingVersion.DeletePartialMatch(prometheus.Labels{"environment": environment})
	m.servingVersion.WithLabelValues(environment, versionID).Set(1)
}
