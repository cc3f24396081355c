package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels jobs that reached COMPLETED.
	OutcomeSuccess = "success"
	// OutcomeError labels jobs that reached FAILED.
	OutcomeError = "error"
)

var (
	entriesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logprism",
			Name:      "entries_processed_total",
			Help:      "Raw log entries consumed, partitioned by severity level.",
		},
		[]string{"level"},
	)

	entriesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logprism",
			Name:      "entries_skipped_total",
			Help:      "Entries dropped during normalization, partitioned by reason.",
		},
		[]string{"reason"},
	)

	incidentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "logprism",
			Name:      "incidents_total",
			Help:      "Correlated incidents emitted.",
		},
	)

	novelAnomaliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "logprism",
			Name:      "novel_anomalies_total",
			Help:      "Warnings resolved as novel anomalies.",
		},
	)

	predictiveAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logprism",
			Name:      "predictive_alerts_total",
			Help:      "Predictive alerts emitted, partitioned by verification outcome.",
		},
		[]string{"verified"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logprism",
			Name:      "jobs_total",
			Help:      "ETL jobs finished, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	jobDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "logprism",
			Name:      "job_seconds",
			Help:      "ETL job wall-clock duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
	)
)

// Register attaches the engine's collectors to the supplied Prometheus
// registerer, tolerating collectors that are already registered.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		entriesProcessedTotal,
		entriesSkippedTotal,
		incidentsTotal,
		novelAnomaliesTotal,
		predictiveAlertsTotal,
		jobsTotal,
		jobDurationSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveEntry records one consumed raw entry.
func ObserveEntry(level string) {
	entriesProcessedTotal.WithLabelValues(level).Inc()
}

// ObserveSkipped records one entry dropped during normalization.
func ObserveSkipped(reason string) {
	entriesSkippedTotal.WithLabelValues(reason).Inc()
}

// ObserveIncident records one correlated incident.
func ObserveIncident() {
	incidentsTotal.Inc()
}

// ObserveNovelAnomaly records one novel anomaly.
func ObserveNovelAnomaly() {
	novelAnomaliesTotal.Inc()
}

// ObserveAlert records one predictive alert and whether it was verified
// before the job finished.
func ObserveAlert(verified bool) {
	label := "false"
	if verified {
		label = "true"
	}
	predictiveAlertsTotal.WithLabelValues(label).Inc()
}

// ObserveJob records a finished job's duration and outcome label.
func ObserveJob(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	jobsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	jobDurationSeconds.Observe(duration.Seconds())
}
