package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type IndexerMetrics struct {
	recorded      *prometheus.CounterVec
	writeFailures prometheus.Counter
	skipped       *prometheus.CounterVec
	lastLoanID    prometheus.Gauge
}

var (
	indexerOnce     sync.Once
	indexerRegistry *IndexerMetrics
)

func Indexer() *IndexerMetrics {
	indexerOnce.Do(func() {
		indexerRegistry = &IndexerMetrics{
			recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peerlend_indexer_events_recorded_total",
				Help: "Count of loan events persisted to the history store by type.",
			}, []string{"type"}),
			writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "peerlend_indexer_write_failures_total",
				Help: "Number of history rows that could not be persisted.",
			}),
			skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peerlend_indexer_events_skipped_total",
				Help: "Count of events ignored by the indexer by reason.",
			}, []string{"reason"}),
			lastLoanID: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "peerlend_indexer_last_loan_id",
				Help: "Loan id of the most recently indexed event.",
			}),
		}
		prometheus.MustRegister(
			indexerRegistry.recorded,
			indexerRegistry.writeFailures,
			indexerRegistry.skipped,
			indexerRegistry.lastLoanID,
		)
	})
	return indexerRegistry
}

func (m *IndexerMetrics) RecordEvent(eventType string, loanID uint64) {
	if m == nil {
		return
	}
	m.recorded.WithLabelValues(eventType).Inc()
	m.lastLoanID.Set(float64(loanID))
}

func (m *IndexerMetrics) RecordWriteFailure() {
	if m == nil {
		return
	}
	m.writeFailures.Inc()
}

func (m *IndexerMetrics) RecordSkip(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.skipped.WithLabelValues(reason).Inc()
}
