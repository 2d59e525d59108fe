// Package metrics exposes the Prometheus instrumentation for the assignment
// engine. Collectors are package-level and registered with the default
// registry so every component records to the same place.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PatientsProcessed counts per-patient outcomes of batch runs.
	PatientsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lot_patients_processed_total",
		Help: "Patients processed by batch runs, by outcome.",
	}, []string{"status"})

	// Decisions counts evaluator verdicts across all processing.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lot_decisions_total",
		Help: "Transition evaluator decisions.",
	}, []string{"decision"})

	// LinesAssigned counts lines opened across all processing.
	LinesAssigned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lot_lines_assigned_total",
		Help: "Therapy lines assigned.",
	})

	// ClassificationErrors counts unrecognized drug names at ingest and
	// assignment time.
	ClassificationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lot_classification_errors_total",
		Help: "Drug names that could not be resolved against the catalog.",
	})

	// RunDuration observes wall-clock batch run duration.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lot_run_duration_seconds",
		Help:    "Batch run duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	// CacheHits and CacheMisses track the per-patient result cache.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lot_cache_hits_total",
		Help: "Patient result cache hits.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lot_cache_misses_total",
		Help: "Patient result cache misses.",
	})
)

// ObserveResult records the decision mix and line count of one patient result.
func ObserveResult(decisions map[string]int, lines int) {
	for decision, n := range decisions {
		Decisions.WithLabelValues(decision).Add(float64(n))
	}
	LinesAssigned.Add(float64(lines))
}

// Handler serves the Prometheus scrape endpoint on an echo route.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
