package telemetry

import "github.com/prometheus/client_golang/prometheus"

var ImportFeedsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "circ",
		Subsystem: "opds_import",
		Name:      "feeds_total",
		Help:      "Total number of feed pages imported, by collection protocol and outcome.",
	},
	[]string{"protocol", "outcome"},
)

var ImportPublicationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "circ",
		Subsystem: "opds_import",
		Name:      "publications_total",
		Help:      "Total number of publications processed during import, by outcome.",
	},
	[]string{"outcome"}, // changed, unchanged, failed, skipped
)

var ImportDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "circ",
		Subsystem: "opds_import",
		Name:      "duration_seconds",
		Help:      "Time to import a single feed page, including license-document fan-out.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"protocol"},
)

var PatronAuthAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "circ",
		Subsystem: "patron_auth",
		Name:      "attempts_total",
		Help:      "Total patron authentication attempts, by provider and outcome.",
	},
	[]string{"provider", "outcome"}, // outcome: ok, unknown, blocked, unreachable
)

var OIDCCallbacksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "circ",
		Subsystem: "oidc",
		Name:      "callbacks_total",
		Help:      "Total OIDC callback outcomes.",
	},
	[]string{"outcome"}, // ok, bad_state, upstream_error, invalid_token
)

var MarcExportPartsUploadedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "circ",
		Subsystem: "marc_export",
		Name:      "parts_uploaded_total",
		Help:      "Total S3 multipart parts uploaded by MARC exports.",
	},
	[]string{"library"},
)

var MarcExportFilesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "circ",
		Subsystem: "marc_export",
		Name:      "files_total",
		Help:      "Total MARC files finalized, by artifact kind (full/delta).",
	},
	[]string{"library", "kind"},
)

var LockContentionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "circ",
		Subsystem: "lockstore",
		Name:      "contention_total",
		Help:      "Total times a lease acquisition or CAS commit was refused.",
	},
	[]string{"key_kind"},
)

var PlaytimeEntriesAggregatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "circ",
		Subsystem: "playtime",
		Name:      "entries_aggregated_total",
		Help:      "Total raw playtime entries folded into summaries.",
	},
)

// All returns every circulation-core metric for registration by the host
// process. Collectors are not self-registering on import, per Design
// Notes §9 ("avoid import-time side effects").
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ImportFeedsTotal,
		ImportPublicationsTotal,
		ImportDuration,
		PatronAuthAttemptsTotal,
		OIDCCallbacksTotal,
		MarcExportPartsUploadedTotal,
		MarcExportFilesTotal,
		LockContentionTotal,
		PlaytimeEntriesAggregatedTotal,
	}
}
