package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"privacyvaults/vault-core/logging"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_http_requests_total",
			Help: "Total number of API requests by endpoint and status code",
		},
		[]string{"endpoint", "code"},
	)

	NoteDecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_note_decode_errors_total",
			Help: "Total number of notes that failed to decode, by error code",
		},
		[]string{"code"},
	)

	TreeInsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_tree_inserts_total",
			Help: "Total number of commitments inserted into the tree by source",
		},
		[]string{"source"},
	)

	TreeLeafCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vault_tree_leaf_count",
			Help: "Number of leaves currently in the commitment tree",
		},
	)

	ProofRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_proof_requests_total",
			Help: "Total number of withdraw proof requests by flow",
		},
		[]string{"flow"},
	)

	ProofGenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vault_proof_generation_duration_seconds",
			Help:    "Duration of withdraw proof generation in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"flow"},
	)

	ProofGenerationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_proof_generation_errors_total",
			Help: "Total number of withdraw proof errors by flow",
		},
		[]string{"flow", "error_type"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_jobs_processed_total",
			Help: "Total number of queued proof jobs processed",
		},
		[]string{"status"},
	)

	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vault_active_jobs",
			Help: "Number of withdraw proofs currently being generated",
		},
	)
)

type MetricTimer struct {
	start time.Time
	flow  string
}

func StartProofTimer(flow string) *MetricTimer {
	ProofRequestsTotal.WithLabelValues(flow).Inc()
	ActiveJobs.Inc()
	return &MetricTimer{start: time.Now(), flow: flow}
}

func (t *MetricTimer) ObserveDuration() {
	duration := time.Since(t.start).Seconds()
	ProofGenerationDuration.WithLabelValues(t.flow).Observe(duration)
	ActiveJobs.Dec()

	logging.Logger().Info().
		Str("flow", t.flow).
		Float64("duration_sec", duration).
		Msg("Withdraw proof generated")
}

func (t *MetricTimer) ObserveError(errorType string) {
	ProofGenerationErrors.WithLabelValues(t.flow, errorType).Inc()
	ActiveJobs.Dec()
}

func RecordJobComplete(success bool) {
	if success {
		JobsProcessed.WithLabelValues("completed").Inc()
	} else {
		JobsProcessed.WithLabelValues("failed").Inc()
	}
}

func RecordTreeInsert(source string, leafCount uint64) {
	TreeInsertsTotal.WithLabelValues(source).Inc()
	TreeLeafCount.Set(float64(leafCount))
}
