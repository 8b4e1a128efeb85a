// Package metrics provides Prometheus metrics for the remotesync client.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Wire metrics
	wireRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotesync_wire_requests_total",
			Help: "Total number of requests sent to the remote storage service",
		},
		[]string{"method", "folder", "result"},
	)

	wireRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remotesync_wire_request_duration_seconds",
			Help:    "Remote request duration in seconds, retries included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	wireRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remotesync_wire_retries_total",
			Help: "Total number of requests resubmitted after a 503",
		},
	)

	networkOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remotesync_network_online",
			Help: "1 when the last remote round-trip succeeded",
		},
	)

	// Delta scan metrics
	deltaScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotesync_delta_scans_total",
			Help: "Total delta scans by kind (full, incremental) and result",
		},
		[]string{"kind", "result"},
	)

	deltaEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotesync_delta_entries_total",
			Help: "Total change-feed entries processed by tag",
		},
		[]string{"tag"},
	)

	deltaScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remotesync_delta_scan_duration_seconds",
			Help:    "Delta scan duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remotesync_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotesync_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	// Precondition metrics
	preconditionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotesync_precondition_failures_total",
			Help: "Total 412 responses by operation and whether the cache decided it",
		},
		[]string{"op", "source"},
	)

	// Feature metrics
	featureState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remotesync_feature_state",
			Help: "1 for the current lifecycle state of each feature",
		},
		[]string{"feature", "state"},
	)

	// Sync cycle metrics
	syncCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotesync_sync_cycles_total",
			Help: "Total sync cycles by result",
		},
		[]string{"result"},
	)

	syncItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotesync_sync_items_total",
			Help: "Total items moved by the sync cycle by direction",
		},
		[]string{"direction"},
	)

	syncConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remotesync_sync_conflicts_total",
			Help: "Total conflicts resolved in favour of the remote",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordWireRequest records a completed remote request.
func RecordWireRequest(method string, isFolder, success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "error"
	}
	wireRequestsTotal.WithLabelValues(method, strconv.FormatBool(isFolder), result).Inc()
	wireRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordWireRetry records a request resubmitted after a 503.
func RecordWireRetry() {
	wireRetriesTotal.Inc()
}

// SetNetworkOnline sets the online gauge.
func SetNetworkOnline(online bool) {
	if online {
		networkOnline.Set(1)
	} else {
		networkOnline.Set(0)
	}
}

// RecordDeltaScan records a finished delta scan.
func RecordDeltaScan(full bool, duration time.Duration, err error) {
	kind := "incremental"
	if full {
		kind = "full"
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	deltaScansTotal.WithLabelValues(kind, result).Inc()
	deltaScanDuration.Observe(duration.Seconds())
}

// RecordDeltaEntry records one processed change-feed entry.
func RecordDeltaEntry(tag string) {
	deltaEntriesTotal.WithLabelValues(tag).Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	s3OperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordPreconditionFailure records a 412 outcome. fromCache is true when
// the cached revision alone decided it.
func RecordPreconditionFailure(op string, fromCache bool) {
	source := "remote"
	if fromCache {
		source = "cache"
	}
	preconditionFailuresTotal.WithLabelValues(op, source).Inc()
}

// SetFeatureState marks state as the current lifecycle state of feature.
func SetFeatureState(feature string, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		featureState.WithLabelValues(feature, s).Set(v)
	}
}

// RecordSyncCycle records a finished sync cycle.
func RecordSyncCycle(pushed, pulled int, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	syncCyclesTotal.WithLabelValues(result).Inc()
	syncItemsTotal.WithLabelValues("push").Add(float64(pushed))
	syncItemsTotal.WithLabelValues("pull").Add(float64(pulled))
}

// RecordSyncConflict records a conflict resolved in favour of the remote.
func RecordSyncConflict() {
	syncConflictsTotal.Inc()
}
