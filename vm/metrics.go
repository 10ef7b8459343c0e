package vm

// Metrics receives engine lifecycle events. Implementations must be
// cheap and must not block; the interpreter calls them from hot paths.
//
// The prom package adapts this interface to Prometheus counters.
type Metrics interface {
	// Hydrated is called each time a dehydrated code object is
	// materialized from its image.
	Hydrated()

	// Quickened is called each time a code object's instruction stream
	// is rewritten for adaptive execution.
	Quickened()

	// QuickenSkipped is called when a code object is permanently left
	// generic because its stream exceeds the quickening ceiling.
	QuickenSkipped()

	// Specialized is called on every successful site specialization.
	Specialized()

	// Deoptimized is called each time a specialized site is rewritten
	// back to its adaptive form.
	Deoptimized()
}

// NopMetrics discards all events. It is the default.
type NopMetrics struct{}

func (NopMetrics) Hydrated()       {}
func (NopMetrics) Quickened()      {}
func (NopMetrics) QuickenSkipped() {}
func (NopMetrics) Specialized()    {}
func (NopMetrics) Deoptimized()    {}

var _ Metrics = NopMetrics{}
