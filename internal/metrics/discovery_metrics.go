package metrics

import (
	"time"

	"github.com/Gravitate-Health/lens-selector-git/internal/lens"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Discovery pipeline metrics
	DiscoveryFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lens_selector_discovery_files_total",
			Help: "Candidate lens documents processed by outcome",
		},
		[]string{"outcome"}, // valid, enhanced, read, parse, invalid, revalidate
	)

	DiscoveryEnhancementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lens_selector_discovery_enhancements_total",
			Help: "Lens documents whose payload was synthesized, by provenance",
		},
		[]string{"provenance"},
	)

	DiscoveryDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lens_selector_discovery_duration_seconds",
			Help:    "Duration of discovery runs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	DiscoveredLenses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lens_selector_discovered_lenses",
			Help: "Lenses produced by the most recent discovery run",
		},
	)

	// Repository metrics
	RepositorySyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lens_selector_repository_syncs_total",
			Help: "Git clone and fetch operations by result",
		},
		[]string{"operation", "result"},
	)

	RepositorySyncDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lens_selector_repository_sync_duration_seconds",
			Help:    "Duration of git clone and fetch operations",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)
)

// RecordReport records the outcome of one discovery run.
func RecordReport(report *lens.Report, duration time.Duration) {
	if report == nil {
		return
	}

	DiscoveryFilesTotal.WithLabelValues("valid").Add(float64(report.Valid))
	enhanced := 0
	for provenance, n := range report.Enhanced {
		DiscoveryEnhancementsTotal.WithLabelValues(string(provenance)).Add(float64(n))
		enhanced += n
	}
	DiscoveryFilesTotal.WithLabelValues("enhanced").Add(float64(enhanced))
	for reason, n := range report.Skipped {
		DiscoveryFilesTotal.WithLabelValues(string(reason)).Add(float64(n))
	}

	DiscoveryDurationSeconds.Observe(duration.Seconds())
	DiscoveredLenses.Set(float64(report.Lenses))
}

// RecordRepositorySync records a git operation.
func RecordRepositorySync(operation string, err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	RepositorySyncsTotal.WithLabelValues(operation, result).Inc()
	RepositorySyncDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}
