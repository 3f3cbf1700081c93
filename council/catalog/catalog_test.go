package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

const listingBody = `{
	"data": [
		{
			"id": "openai/gpt-5.1",
			"name": "GPT-5.1",
			"context_length": 400000,
			"pricing": {"prompt": "0.00000125", "completion": "0.00001"}
		},
		{
			"id": "google/gemini-3-pro-preview",
			"name": "Gemini 3 Pro",
			"context_length": 1048576,
			"pricing": {"prompt": "0.000002", "completion": "0.000012"}
		}
	]
}`

func newFakeProvider(t *testing.T, hits *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("missing auth header, got %q", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(listingBody))
	}))
}

func TestListCachesWithinTTL(t *testing.T) {
	var hits int64
	srv := newFakeProvider(t, &hits)
	defer srv.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := NewCache("test-key",
		WithEndpoint(srv.URL),
		WithClock(func() time.Time { return now }),
	)

	models, cached, err := cache.List(context.Background(), false)
	if err != nil {
		t.Fatalf("first List: %v", err)
	}
	if cached {
		t.Error("first call should not be served from cache")
	}
	if len(models) != 2 || models[0].ID != "openai/gpt-5.1" {
		t.Fatalf("unexpected models: %+v", models)
	}
	if models[0].ContextLength != 400000 {
		t.Errorf("context_length = %d", models[0].ContextLength)
	}
	if models[0].PromptPrice != 0.00000125 {
		t.Errorf("prompt price = %v", models[0].PromptPrice)
	}

	// Still inside the TTL: no second provider hit.
	now = now.Add(23 * time.Hour)
	_, cached, err = cache.List(context.Background(), false)
	if err != nil {
		t.Fatalf("second List: %v", err)
	}
	if !cached {
		t.Error("second call should be served from cache")
	}
	if atomic.LoadInt64(&hits) != 1 {
		t.Errorf("provider hit %d times, want 1", hits)
	}

	// Past the TTL: refreshed.
	now = now.Add(2 * time.Hour)
	_, cached, err = cache.List(context.Background(), false)
	if err != nil {
		t.Fatalf("third List: %v", err)
	}
	if cached {
		t.Error("expired entry should trigger a refresh")
	}
	if atomic.LoadInt64(&hits) != 2 {
		t.Errorf("provider hit %d times, want 2", hits)
	}
}

func TestListForceBypassesCache(t *testing.T) {
	var hits int64
	srv := newFakeProvider(t, &hits)
	defer srv.Close()

	cache := NewCache("test-key", WithEndpoint(srv.URL))

	if _, _, err := cache.List(context.Background(), false); err != nil {
		t.Fatalf("List: %v", err)
	}
	if _, cached, err := cache.List(context.Background(), true); err != nil || cached {
		t.Fatalf("forced List: cached=%v err=%v", cached, err)
	}
	if atomic.LoadInt64(&hits) != 2 {
		t.Errorf("provider hit %d times, want 2", hits)
	}
}

func TestListServesStaleOnRefreshFailure(t *testing.T) {
	var hits int64
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(listingBody))
	}))
	defer srv.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := NewCache("",
		WithEndpoint(srv.URL),
		WithClock(func() time.Time { return now }),
	)

	if _, _, err := cache.List(context.Background(), false); err != nil {
		t.Fatalf("warmup List: %v", err)
	}

	failing.Store(true)
	now = now.Add(25 * time.Hour)
	models, cached, err := cache.List(context.Background(), false)
	if err != nil {
		t.Fatalf("stale List should not error: %v", err)
	}
	if !cached || len(models) != 2 {
		t.Errorf("expected stale cached copy, got cached=%v models=%d", cached, len(models))
	}
}

func TestListColdStartFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cache := NewCache("", WithEndpoint(srv.URL))
	if _, _, err := cache.List(context.Background(), false); err == nil {
		t.Fatal("cold-start failure must surface an error")
	}
}

func TestListRedisTier(t *testing.T) {
	var hits int64
	srv := newFakeProvider(t, &hits)
	defer srv.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	first := NewCache("test-key", WithEndpoint(srv.URL), WithRedis(rdb))
	if _, _, err := first.List(context.Background(), false); err != nil {
		t.Fatalf("List: %v", err)
	}

	// A sibling instance with a cold memory cache warms up from Redis
	// without a provider hit.
	second := NewCache("test-key", WithEndpoint(srv.URL), WithRedis(rdb))
	models, cached, err := second.List(context.Background(), false)
	if err != nil {
		t.Fatalf("sibling List: %v", err)
	}
	if !cached || len(models) != 2 {
		t.Errorf("expected redis-served catalog, got cached=%v models=%d", cached, len(models))
	}
	if atomic.LoadInt64(&hits) != 1 {
		t.Errorf("provider hit %d times, want 1", hits)
	}
}

func TestListRedisDownFallsBack(t *testing.T) {
	var hits int64
	srv := newFakeProvider(t, &hits)
	defer srv.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	cache := NewCache("test-key", WithEndpoint(srv.URL), WithRedis(rdb))
	models, _, err := cache.List(context.Background(), false)
	if err != nil {
		t.Fatalf("List with dead redis: %v", err)
	}
	if len(models) != 2 {
		t.Errorf("got %d models", len(models))
	}
}
