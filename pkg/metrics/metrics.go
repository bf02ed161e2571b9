// Package metrics provides Prometheus metrics for SiteVault operations.
package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics
var (
	// BackupCount tracks the total number of snapshots produced
	BackupCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitevault_backup_total",
		Help: "The total number of snapshot backups performed",
	}, []string{"status"})

	// BackupDuration measures time taken to produce a snapshot
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sitevault_backup_duration_seconds",
		Help:    "Time taken to produce and publish a snapshot",
		Buckets: prometheus.DefBuckets,
	}, []string{"location"})

	// BackupSize tracks size of the published snapshot in bytes
	BackupSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sitevault_backup_size_bytes",
		Help: "Size of the published snapshot in bytes",
	}, []string{"location"})

	// LastBackupTimestamp records timestamp of the last successful snapshot
	LastBackupTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sitevault_backup_last_timestamp",
		Help: "Timestamp of the last successful snapshot",
	})

	// RestoreCount tracks the total number of restore runs
	RestoreCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitevault_restore_total",
		Help: "The total number of restore runs performed",
	}, []string{"status"})

	// RestoreDuration measures time taken by a restore run
	RestoreDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sitevault_restore_duration_seconds",
		Help:    "Time taken to restore a snapshot",
		Buckets: prometheus.DefBuckets,
	})

	// ReadonlyMode reports whether the readonly gate is currently enabled
	ReadonlyMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sitevault_readonly_mode",
		Help: "Whether readonly mode is currently enabled (1) or not (0)",
	})

	// RemapCount tracks the total number of remap runs
	RemapCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitevault_remap_total",
		Help: "The total number of remap runs performed",
	}, []string{"status"})

	// RemapRowsChanged counts rows rewritten by remap runs
	RemapRowsChanged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitevault_remap_rows_changed_total",
		Help: "The total number of rows rewritten by remap runs",
	}, []string{"tenant"})

	// UploadCount tracks the total number of snapshot uploads performed
	UploadCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitevault_storage_upload_total",
		Help: "The total number of snapshot uploads performed",
	}, []string{"backend", "status"})

	// UploadDuration measures time taken to publish a snapshot to storage
	UploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sitevault_storage_upload_duration_seconds",
		Help:    "Time taken to publish a snapshot to storage",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	// RetentionDeletes counts snapshots deleted by retention policy
	RetentionDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitevault_snapshot_deletions_total",
		Help: "The total number of snapshots deleted by retention policy",
	}, []string{"backend"})

	// SnapshotCount reports the number of snapshots visible at a backend
	SnapshotCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sitevault_snapshot_count",
		Help: "Number of snapshots currently stored at a backend",
	}, []string{"backend"})
)

// StartMetricsServer starts the HTTP server for metrics and health check endpoints
func StartMetricsServer(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("Starting metrics server on port %s", port)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Failed to start metrics server: %v", err)
	}
}
