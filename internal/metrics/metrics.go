// Package metrics holds the Prometheus collectors shared by tailall's
// packages. They register with the default registry and are served by the
// status router under /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry and walker metrics.
var (
	FoldersWatched = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tailall",
		Name:      "folders_watched",
		Help:      "The current number of watched directories",
	})

	FilesTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tailall",
		Name:      "files_tracked",
		Help:      "The current number of tracked regular files (open descriptors)",
	})

	ScanSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tailall",
		Name:      "scan_skipped_total",
		Help:      "The number of entries skipped while scanning or dispatching",
	}, []string{"reason"})
)

// Event and tail metrics.
var (
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tailall",
		Name:      "events_total",
		Help:      "The number of inotify events dispatched",
	}, []string{"op"})

	EventsOverflowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tailall",
		Name:      "events_overflow_total",
		Help:      "The number of event queue overflows reported by the kernel",
	})

	TailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tailall",
		Name:      "tail_total",
		Help:      "The number of tail operations performed",
	})

	TailBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tailall",
		Name:      "tail_bytes_total",
		Help:      "The number of bytes emitted to the sink",
	})
)

// Status stream metrics.
var (
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tailall",
		Name:      "stream_clients",
		Help:      "The current number of connected stream clients",
	})

	StreamDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tailall",
		Name:      "stream_dropped_total",
		Help:      "The number of stream frames dropped because a client queue was full",
	})
)
