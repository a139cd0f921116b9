package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/christiancattaneo/shift-core"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	cacheLookupsTotal   metric.Int64Counter
	cacheWritesTotal    metric.Int64Counter
	cacheWriteSize      metric.Float64Histogram
	cacheEvictionsTotal metric.Int64Counter

	storeOpDuration metric.Float64Histogram
	storeOpsTotal   metric.Int64Counter
	storeBytesTotal metric.Int64Counter

	remoteRequestDuration metric.Float64Histogram
	remoteRequestsTotal   metric.Int64Counter
	remoteBytesTotal      metric.Int64Counter

	fetchTotal          metric.Int64Counter
	fetchCoalescedTotal metric.Int64Counter
	fetchErrorsTotal    metric.Int64Counter

	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	locationTransitionsTotal metric.Int64Counter
	locationOneShotTotal     metric.Int64Counter
	subscriberDropsTotal     metric.Int64Counter

	checkInsTotal   metric.Int64Counter
	checkInDistance metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(_ context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "shift-core"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"shift_core_http_requests_total",
		metric.WithDescription("Total number of bridge HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"shift_core_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in bridge HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"shift_core_http_request_duration_seconds",
		metric.WithDescription("Bridge HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	requestsByEndpointTotal, err := meter.Int64Counter(
		"shift_core_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of bridge HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"shift_core_cache_lookups_total",
		metric.WithDescription("Total cache lookups by collection and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	cacheWritesTotal, err := meter.Int64Counter(
		"shift_core_cache_writes_total",
		metric.WithDescription("Total cache writes by collection and outcome"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return err
	}

	cacheWriteSize, err := meter.Float64Histogram(
		"shift_core_cache_write_size_bytes",
		metric.WithDescription("Serialized size of cache entries written"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536, 131072, 262144, 524288, 1048576),
	)
	if err != nil {
		return err
	}

	cacheEvictionsTotal, err := meter.Int64Counter(
		"shift_core_cache_evictions_total",
		metric.WithDescription("Total cache entry evictions by reason"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	storeOpDuration, err := meter.Float64Histogram(
		"shift_core_store_op_duration_seconds",
		metric.WithDescription("Duration of byte-store operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	storeOpsTotal, err := meter.Int64Counter(
		"shift_core_store_ops_total",
		metric.WithDescription("Total number of byte-store operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	storeBytesTotal, err := meter.Int64Counter(
		"shift_core_store_bytes_total",
		metric.WithDescription("Total bytes transferred in byte-store operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	remoteRequestDuration, err := meter.Float64Histogram(
		"shift_core_remote_request_duration_seconds",
		metric.WithDescription("Duration of remote document-store requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	remoteRequestsTotal, err := meter.Int64Counter(
		"shift_core_remote_requests_total",
		metric.WithDescription("Total number of remote document-store requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	remoteBytesTotal, err := meter.Int64Counter(
		"shift_core_remote_bytes_total",
		metric.WithDescription("Total bytes fetched from the remote document store"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	fetchTotal, err := meter.Int64Counter(
		"shift_core_fetch_total",
		metric.WithDescription("Total collection fetches by source"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return err
	}

	fetchCoalescedTotal, err := meter.Int64Counter(
		"shift_core_fetch_coalesced_total",
		metric.WithDescription("Total callers that joined an already in-flight collection fetch"),
		metric.WithUnit("{caller}"),
	)
	if err != nil {
		return err
	}

	fetchErrorsTotal, err := meter.Int64Counter(
		"shift_core_fetch_errors_total",
		metric.WithDescription("Total collection fetch failures by kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	reaperDeletedTotal, err := meter.Int64Counter(
		"shift_core_reaper_deleted_total",
		metric.WithDescription("Total expired cache entries deleted by the reaper"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	reaperDuration, err := meter.Float64Histogram(
		"shift_core_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	locationTransitionsTotal, err := meter.Int64Counter(
		"shift_core_location_transitions_total",
		metric.WithDescription("Total location tracker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	locationOneShotTotal, err := meter.Int64Counter(
		"shift_core_location_oneshot_total",
		metric.WithDescription("Total one-shot position requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	subscriberDropsTotal, err := meter.Int64Counter(
		"shift_core_subscriber_drops_total",
		metric.WithDescription("Total events dropped on slow subscriber channels"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	checkInsTotal, err := meter.Int64Counter(
		"shift_core_checkins_total",
		metric.WithDescription("Total check-in attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	checkInDistance, err := meter.Float64Histogram(
		"shift_core_checkin_distance_meters",
		metric.WithDescription("Distance to venue for successful check-ins"),
		metric.WithUnit("m"),
		metric.WithExplicitBucketBoundaries(10, 25, 50, 100, 250, 500, 1000, 1609.34, 3000, 5000),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:            requestsTotal,
		responseBytesTotal:       responseBytesTotal,
		requestDuration:          requestDuration,
		requestsByEndpointTotal:  requestsByEndpointTotal,
		cacheLookupsTotal:        cacheLookupsTotal,
		cacheWritesTotal:         cacheWritesTotal,
		cacheWriteSize:           cacheWriteSize,
		cacheEvictionsTotal:      cacheEvictionsTotal,
		storeOpDuration:          storeOpDuration,
		storeOpsTotal:            storeOpsTotal,
		storeBytesTotal:          storeBytesTotal,
		remoteRequestDuration:    remoteRequestDuration,
		remoteRequestsTotal:      remoteRequestsTotal,
		remoteBytesTotal:         remoteBytesTotal,
		fetchTotal:               fetchTotal,
		fetchCoalescedTotal:      fetchCoalescedTotal,
		fetchErrorsTotal:         fetchErrorsTotal,
		reaperDeletedTotal:       reaperDeletedTotal,
		reaperDuration:           reaperDuration,
		locationTransitionsTotal: locationTransitionsTotal,
		locationOneShotTotal:     locationOneShotTotal,
		subscriberDropsTotal:     subscriberDropsTotal,
		checkInsTotal:            checkInsTotal,
		checkInDistance:          checkInDistance,
		meterProvider:            mp,
		promHandler:              promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records bridge HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Collection and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	collection := "none"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Collection != "" {
			collection = tags.Collection
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {collection, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("collection", collection),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("collection", collection),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordCacheLookup records a cache lookup outcome.
// result is one of: hit, stale_hit, miss_absent, miss_expired, miss_error,
// miss_corrupt, miss_schema.
func RecordCacheLookup(ctx context.Context, collection, result string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("collection", collection),
		attribute.String("result", result),
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheWrite records a cache write with its serialized size.
func RecordCacheWrite(ctx context.Context, collection, outcome string, size int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("collection", collection),
		attribute.String("outcome", outcome),
	}
	globalMetrics.cacheWritesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if size > 0 {
		globalMetrics.cacheWriteSize.Record(ctx, float64(size), metric.WithAttributes(attribute.String("collection", collection)))
	}
}

// RecordCacheEviction records a cache entry eviction.
// reason is one of: invalidate, corrupt, schema, reaped, sign_out.
func RecordCacheEviction(ctx context.Context, collection, reason string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("collection", collection),
		attribute.String("reason", reason),
	}
	globalMetrics.cacheEvictionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordStoreOp records byte-store operation metrics.
func RecordStoreOp(ctx context.Context, store, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("store", store),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storeOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.storeOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.storeBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordRemoteRequest records a remote document-store request.
func RecordRemoteRequest(ctx context.Context, op string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.remoteRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.remoteRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.remoteBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordFetch records a completed collection fetch and where its records
// came from. source is one of: cache, remote, stale.
func RecordFetch(ctx context.Context, collection, source string, forced bool) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("collection", collection),
		attribute.String("source", source),
		attribute.Bool("forced", forced),
	}
	globalMetrics.fetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFetchCoalesced records a caller that joined an in-flight fetch
// instead of issuing its own remote call.
func RecordFetchCoalesced(ctx context.Context, collection string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("collection", collection)}
	globalMetrics.fetchCoalescedTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFetchError records a failed collection fetch.
// kind is one of: unavailable, decode, remote.
func RecordFetchError(ctx context.Context, collection, kind string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("collection", collection),
		attribute.String("kind", kind),
	}
	globalMetrics.fetchErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
// Called unconditionally per cycle.
func RecordReaperCycle(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds())
}

// RecordLocationTransition records a tracker state transition.
func RecordLocationTransition(ctx context.Context, from, to string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("from", from),
		attribute.String("to", to),
	}
	globalMetrics.locationTransitionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOneShot records a one-shot position request.
// outcome is one of: success, timeout, denied, failed, canceled.
func RecordOneShot(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	globalMetrics.locationOneShotTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSubscriberDrop records an event dropped because a subscriber's
// channel was full. hub identifies the publishing component.
func RecordSubscriberDrop(ctx context.Context, hub string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("hub", hub)}
	globalMetrics.subscriberDropsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCheckIn records a check-in attempt outcome. Distance is recorded
// only for successful attempts (distance < 0 skips the histogram).
func RecordCheckIn(ctx context.Context, outcome string, distanceMeters float64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	globalMetrics.checkInsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if outcome == "success" && distanceMeters >= 0 {
		globalMetrics.checkInDistance.Record(ctx, distanceMeters)
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
