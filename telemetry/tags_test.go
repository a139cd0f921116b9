package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
}

func TestInjectTags_DefaultsCollectionEmpty(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.Empty(t, tags.Collection)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetCollection(t *testing.T) {
	r := newTaggedRequest()
	SetCollection(r, "members")
	require.Equal(t, "members", GetTags(r).Collection)
}

func TestSetCollection_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetCollection(r, "members") // should not panic
}

func TestSetCacheResult(t *testing.T) {
	r := newTaggedRequest()
	SetCacheResult(r, CacheHit)
	require.Equal(t, CacheHit, GetTags(r).CacheResult)
}

func TestSetCacheResult_OverridesDefault(t *testing.T) {
	r := newTaggedRequest()
	require.Equal(t, CacheBypass, GetTags(r).CacheResult)
	SetCacheResult(r, CacheStale)
	require.Equal(t, CacheStale, GetTags(r).CacheResult)
}

func TestSetEndpoint(t *testing.T) {
	r := newTaggedRequest()
	SetEndpoint(r, "location")
	require.Equal(t, "location", GetTags(r).Endpoint)
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetCollection(r, "events")
	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "collection")

	require.Equal(t, "events", tags.Collection)
	require.Equal(t, CacheHit, tags.CacheResult)
	require.Equal(t, "collection", tags.Endpoint)
}

func TestCollectionFromContext_Background(t *testing.T) {
	ctx := WithCollectionContext(context.Background(), "places")
	require.Equal(t, "places", CollectionFromContext(ctx))
}

func TestCollectionFromContext_RequestTags(t *testing.T) {
	r := newTaggedRequest()
	SetCollection(r, "members")
	require.Equal(t, "members", CollectionFromContext(r.Context()))
}

func TestCollectionFromContext_Empty(t *testing.T) {
	require.Empty(t, CollectionFromContext(context.Background()))
}
