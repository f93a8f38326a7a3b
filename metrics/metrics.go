// Package metrics sammelt Prometheus-Metriken fuer Device-Speicher, Kopien,
// Kernel- und Graph-Starts sowie das Laden von Gewichten.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cudadrv"

var (
	// DeviceBytes ist der aktuell belegte Device-Speicher je Treiber
	DeviceBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "memory",
		Name:      "device_bytes",
		Help:      "Bytes of device memory currently allocated",
	}, []string{"driver"})

	// CopyBytes zaehlt kopierte Bytes je Richtung (htod, dtoh, dtod)
	CopyBytes = newCounterVec("memory", "copy_bytes_total", "Bytes copied by direction", "direction")

	KernelLaunches = newCounterVec("kernel", "launches_total", "Kernel launches by function name", "kernel")

	// GraphLaunches unterscheidet native Graphen und abgespielte Graphen
	GraphLaunches = newCounterVec("graph", "launches_total", "Graph launches by execution mode", "mode")

	InstantiateSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "graph",
		Name:      "instantiate_seconds",
		Help:      "Time spent validating and instantiating graphs",
		Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
	})

	// LoadedBytes zaehlt hochgeladene Gewichts-Bytes je Pfad (staged, direct)
	LoadedBytes = newCounterVec("loader", "loaded_bytes_total", "Weight bytes uploaded by path", "path")

	// StagingWaits zaehlt, wie oft auf einen Staging-Puffer gewartet wurde
	StagingWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "loader",
		Name:      "staging_waits_total",
		Help:      "Times the loader waited for a staging buffer to drain",
	})
)

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}
