// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// collectionKey is the context key for propagating the collection to background goroutines.
	collectionKey contextKey = "collection"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheStale  CacheResult = "stale"
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Collection  string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetCollection sets the collection tag for metrics and logging.
func SetCollection(r *http.Request, collection string) {
	if tags := GetTags(r); tags != nil {
		tags.Collection = collection
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// CollectionFromContext retrieves the collection from a context.
// It checks both background contexts (set by WithCollectionContext) and
// request contexts (set by SetCollection via InjectTags).
func CollectionFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(collectionKey).(string); ok && c != "" {
		return c
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Collection
	}
	return ""
}

// WithCollectionContext returns a context with the collection stored.
// Use this to propagate the collection into goroutines that outlive the
// request context.
func WithCollectionContext(ctx context.Context, collection string) context.Context {
	return context.WithValue(ctx, collectionKey, collection)
}
