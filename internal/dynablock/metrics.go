package dynablock

import (
	"time"

	gometrics "github.com/armon/go-metrics"
)

// metricsEmitter emits cache observability counters via
// github.com/armon/go-metrics, following the label+Emit shape of
// Nomad's client/allocrunner/hookstats.Handler: a small set of base
// labels captured once, reused on every emission.
type metricsEmitter struct {
	labels []gometrics.Label
}

func newMetricsEmitter(labels []gometrics.Label) *metricsEmitter {
	return &metricsEmitter{labels: labels}
}

func (m *metricsEmitter) hit() {
	gometrics.IncrCounterWithLabels([]string{"dynablock", "get_block", "hit"}, 1, m.labels)
}

func (m *metricsEmitter) miss() {
	gometrics.IncrCounterWithLabels([]string{"dynablock", "get_block", "miss"}, 1, m.labels)
}

func (m *metricsEmitter) invalidate(reason string) {
	labels := append(append([]gometrics.Label{}, m.labels...), gometrics.Label{Name: "reason", Value: reason})
	gometrics.IncrCounterWithLabels([]string{"dynablock", "invalidate"}, 1, labels)
}

func (m *metricsEmitter) translatorLatency(start time.Time) {
	gometrics.MeasureSinceWithLabels([]string{"dynablock", "translator", "elapsed"}, start, m.labels)
}

func (m *metricsEmitter) liveBlocks(n int) {
	gometrics.SetGaugeWithLabels([]string{"dynablock", "registry", "live_blocks"}, float32(n), m.labels)
}

func (m *metricsEmitter) pendingFrees(n int) {
	gometrics.SetGaugeWithLabels([]string{"dynablock", "reclaim", "pending_frees"}, float32(n), m.labels)
}
