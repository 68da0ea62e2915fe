// Package metrics holds the prometheus collectors shared by every collection.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var RebuildCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "memorydocs",
	Subsystem: "collection",
	Name:      "rebuilds_total",
}, []string{"collection", "result"})

var RebuildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "memorydocs",
	Subsystem: "collection",
	Name:      "rebuild_duration_seconds",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
}, []string{"collection"})

var QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "memorydocs",
	Subsystem: "collection",
	Name:      "queue_depth",
}, []string{"collection", "queue"})

// QueueFullCount counts pushes that found other tasks already waiting.
var QueueFullCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "memorydocs",
	Subsystem: "collection",
	Name:      "queue_full_total",
}, []string{"collection", "queue"})

var OutdatedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "memorydocs",
	Subsystem: "collection",
	Name:      "outdated_total",
}, []string{"collection", "queue"})

var OperationCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "memorydocs",
	Subsystem: "collection",
	Name:      "operations_total",
}, []string{"collection", "op"})

// Collectors lists every collector of the package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{RebuildCount, RebuildDuration, QueueDepth, QueueFullCount, OutdatedCount, OperationCount}
}

// Register adds the collectors to reg. Collectors already registered there are accepted.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// ForgetCollection drops the label sets of a closed collection.
func ForgetCollection(name string) {
	labels := prometheus.Labels{"collection": name}
	RebuildCount.DeletePartialMatch(labels)
	RebuildDuration.DeletePartialMatch(labels)
	QueueDepth.DeletePartialMatch(labels)
	QueueFullCount.DeletePartialMatch(labels)
	OutdatedCount.DeletePartialMatch(labels)
	OperationCount.DeletePartialMatch(labels)
}
