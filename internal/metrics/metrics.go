package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	fetchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peeklink_fetch_attempts_total",
			Help: "Metadata fetch attempts by path (direct, relay) and outcome",
		},
		[]string{"path", "outcome"},
	)
	resolves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peeklink_resolves_total",
			Help: "Metadata resolutions by outcome",
		},
		[]string{"outcome"},
	)
	linksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peeklink_links_created_total",
			Help: "Redirect links created by preview mode (auto, manual)",
		},
		[]string{"mode"},
	)
	activeVisits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "peeklink_active_visits",
			Help: "Redirect page visits with a running countdown",
		},
	)

	registerOnce sync.Once
)

// Init registers the collectors with the default registry.
// Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(fetchAttempts, resolves, linksCreated, activeVisits)
	})
}

func RecordFetchAttempt(path, outcome string) {
	fetchAttempts.WithLabelValues(path, outcome).Inc()
}

func RecordResolve(outcome string) {
	resolves.WithLabelValues(outcome).Inc()
}

func RecordLinkCreated(mode string) {
	linksCreated.WithLabelValues(mode).Inc()
}

func VisitStarted() {
	activeVisits.Inc()
}

func VisitEnded() {
	activeVisits.Dec()
}
