package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	importAcceptedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "glucose_service",
		Subsystem: "ingest",
		Name:      "rows_accepted_total",
		Help:      "Number of CSV rows persisted across all imports.",
	})
	importSkippedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "glucose_service",
		Subsystem: "ingest",
		Name:      "rows_skipped_total",
		Help:      "Number of CSV rows dropped for parse failures across all imports.",
	})
	lastImportGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "glucose_service",
		Subsystem: "ingest",
		Name:      "last_import_timestamp_seconds",
		Help:      "Unix timestamp of the most recent committed import.",
	})
)

func init() {
	prometheus.MustRegister(importAcceptedCounter, importSkippedCounter, lastImportGauge)
}

// RecordImport updates the ingest counters after a committed import.
func RecordImport(accepted, skipped int, ts time.Time) {
	importAcceptedCounter.Add(float64(accepted))
	importSkippedCounter.Add(float64(skipped))
	if !ts.IsZero() {
		lastImportGauge.Set(float64(ts.Unix()))
	}
}
