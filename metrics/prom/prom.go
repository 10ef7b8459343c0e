// Package prom exports the engine's optimization events as Prometheus
// metrics.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loon-lang/loon/vm"
)

// Adapter implements vm.Metrics and exports Prometheus counters.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hydrated    prometheus.Counter
	quickens    *prometheus.CounterVec
	specialized prometheus.Counter
	deoptimized prometheus.Counter
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hydrated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hydrated_total",
			Help:        "Code objects materialized from images",
			ConstLabels: constLabels,
		}),
		quickens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "quicken_total",
				Help:        "Quickening attempts by outcome",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		specialized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "specialized_total",
			Help:        "Instruction sites rewritten to a specialized form",
			ConstLabels: constLabels,
		}),
		deoptimized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "deoptimized_total",
			Help:        "Specialized sites returned to their adaptive form",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hydrated, a.quickens, a.specialized, a.deoptimized)
	return a
}

// Hydrated increments the hydration counter.
func (a *Adapter) Hydrated() { a.hydrated.Inc() }

// Quickened counts a code object rewritten with cache entries.
func (a *Adapter) Quickened() { a.quickens.WithLabelValues("done").Inc() }

// QuickenSkipped counts a code object left generic at warmup.
func (a *Adapter) QuickenSkipped() { a.quickens.WithLabelValues("skipped").Inc() }

// Specialized increments the specialization counter.
func (a *Adapter) Specialized() { a.specialized.Inc() }

// Deoptimized increments the deoptimization counter.
func (a *Adapter) Deoptimized() { a.deoptimized.Inc() }

// Compile-time check: ensure Adapter implements vm.Metrics.
var _ vm.Metrics = (*Adapter)(nil)
