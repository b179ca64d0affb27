package hasher

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"privacyvaults/vault-core/field"
)

var (
	HashCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_hash_calls_total",
			Help: "Total number of hash oracle calls by backend and arity",
		},
		[]string{"backend", "arity"},
	)

	HashErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_hash_errors_total",
			Help: "Total number of failed hash oracle calls by backend",
		},
		[]string{"backend"},
	)

	HashDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vault_hash_duration_seconds",
			Help:    "Duration of hash oracle calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 12),
		},
		[]string{"backend"},
	)
)

// Instrumented records call counts and latency for the wrapped Hasher.
type Instrumented struct {
	next    Hasher
	backend string
}

func NewInstrumented(next Hasher, backend string) *Instrumented {
	return &Instrumented{next: next, backend: backend}
}

func (i *Instrumented) Hash(ctx context.Context, inputs ...field.Element) (field.Element, error) {
	HashCallsTotal.WithLabelValues(i.backend, strconv.Itoa(len(inputs))).Inc()
	start := time.Now()
	out, err := i.next.Hash(ctx, inputs...)
	HashDuration.WithLabelValues(i.backend).Observe(time.Since(start).Seconds())
	if err != nil {
		HashErrorsTotal.WithLabelValues(i.backend).Inc()
	}
	return out, err
}
