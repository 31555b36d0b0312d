package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fieldsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Local API requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	queued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Enqueue attempts by kind and result.",
		},
		[]string{"kind", "result"},
	)

	syncRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_records_total",
			Help:      "Records processed by sync passes by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Full sync passes by trigger.",
		},
		[]string{"trigger"},
	)

	pending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Unsynced records by kind after the last pass.",
		},
		[]string{"kind"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, queued, syncRecords, syncRuns, pending)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncQueued counts an enqueue attempt. result is "ok" or "error".
func IncQueued(kind, result string) {
	queued.WithLabelValues(kind, result).Inc()
}

// AddSyncRecords adds n records with outcome "synced" or "failed".
func AddSyncRecords(kind, outcome string, n int) {
	if n <= 0 {
		return
	}
	syncRecords.WithLabelValues(kind, outcome).Add(float64(n))
}

// IncSyncRun counts a full sync pass.
func IncSyncRun(trigger string) {
	syncRuns.WithLabelValues(trigger).Inc()
}

// SetPending records the unsynced count for kind.
func SetPending(kind string, n int) {
	pending.WithLabelValues(kind).Set(float64(n))
}
