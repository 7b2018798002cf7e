// Package metrics provides Prometheus metrics for the metadata cache.
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
	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudtree_cache_lookups_total",
			Help: "Children lookups by result (hit, miss)",
		},
		[]string{"namespace", "result"},
	)

	populateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudtree_populate_duration_seconds",
			Help:    "Time to list and reconcile one directory level",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"namespace"},
	)

	remoteListErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudtree_remote_list_errors_total",
			Help: "Failed remote listing calls",
		},
		[]string{"namespace"},
	)

	localListErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudtree_local_list_errors_total",
			Help: "Failed local sync folder reads",
		},
		[]string{"namespace"},
	)

	invalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudtree_invalidations_total",
			Help: "Cache invalidations by scope (path, all, age)",
		},
		[]string{"namespace", "scope"},
	)

	mergeWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudtree_merge_warnings_total",
			Help: "Reconciliation warnings by reason",
		},
		[]string{"reason"},
	)

	cachedNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudtree_cached_nodes",
			Help: "Nodes held in the identity map",
		},
		[]string{"namespace"},
	)

	// Scheduler metrics
	refreshTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudtree_refresh_ticks_total",
			Help: "Timer-driven soft refreshes",
		},
		[]string{"namespace"},
	)

	// Change event metrics
	eventsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudtree_events_delivered_total",
			Help: "Change events handed to subscribers by type",
		},
		[]string{"namespace", "type"},
	)

	eventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudtree_events_dropped_total",
			Help: "Change events dropped for subscribers with a full buffer",
		},
		[]string{"namespace", "type"},
	)

	// HTTP client metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudtree_http_requests_total",
			Help: "Outgoing API requests by method and status",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudtree_http_request_duration_seconds",
			Help:    "Outgoing API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordLookup records a children lookup served from cache or not.
func RecordLookup(namespace string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(namespace, result).Inc()
}

// RecordPopulate records a populate duration.
func RecordPopulate(namespace string, duration time.Duration) {
	populateDuration.WithLabelValues(namespace).Observe(duration.Seconds())
}

// RecordRemoteListError records a failed remote listing.
func RecordRemoteListError(namespace string) {
	remoteListErrorsTotal.WithLabelValues(namespace).Inc()
}

// RecordLocalListError records a failed local listing.
func RecordLocalListError(namespace string) {
	localListErrorsTotal.WithLabelValues(namespace).Inc()
}

// RecordInvalidation records n nodes invalidated with the given scope.
func RecordInvalidation(namespace, scope string, n int) {
	invalidationsTotal.WithLabelValues(namespace, scope).Add(float64(n))
}

// RecordMergeWarning records a reconciliation warning.
func RecordMergeWarning(reason string) {
	mergeWarningsTotal.WithLabelValues(reason).Inc()
}

// SetCachedNodes sets the identity map size of a namespace.
func SetCachedNodes(namespace string, count int) {
	cachedNodes.WithLabelValues(namespace).Set(float64(count))
}

// RecordRefreshTick records a timer-driven refresh.
func RecordRefreshTick(namespace string) {
	refreshTicksTotal.WithLabelValues(namespace).Inc()
}

// RecordEvent records one published change event.
func RecordEvent(namespace, eventType string, delivered, dropped int) {
	if delivered > 0 {
		eventsDeliveredTotal.WithLabelValues(namespace, eventType).Add(float64(delivered))
	}
	if dropped > 0 {
		eventsDroppedTotal.WithLabelValues(namespace, eventType).Add(float64(dropped))
	}
}

// RecordHTTPRequest records an outgoing API request. Status 0 means the
// request never got a response.
func RecordHTTPRequest(method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}
