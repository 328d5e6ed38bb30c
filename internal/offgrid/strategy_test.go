package offgrid

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getKey(uri string) RequestKey {
	return RequestKey{Method: http.MethodGet, URL: uri}
}

func seedEntry(t *testing.T, svc *Service, uri, body string) {
	t.Helper()
	ent := CacheEntry{Status: http.StatusOK, Header: make(http.Header), Body: []byte(body), StoredAt: time.Now().Unix()}
	require.NoError(t, svc.store.Put(svc.store.CurrentName(), getKey(uri), ent))
}

func TestNetworkFirstServesAndCachesNetworkResponse(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fresh-data"))
	}))
	defer origin.Close()

	svc := newTestService(t, origin.URL, nil)
	installAndActivate(t, svc)

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fresh-data", rec.Body.String())
	assert.Equal(t, "network", rec.Header().Get(resultHeader))

	ent, ok := svc.matchCurrent(getKey("/api/tasks"))
	require.True(t, ok, "2xx GET must be written through")
	assert.Equal(t, "fresh-data", string(ent.Body))
}

func TestNetworkFirstNon2xxFallsBackToCache(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer origin.Close()

	svc := newTestService(t, origin.URL, nil)
	installAndActivate(t, svc)
	seedEntry(t, svc, "/api/tasks", "cached-tasks")

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cached-tasks", rec.Body.String())
	assert.Equal(t, "cache", rec.Header().Get(resultHeader))

	// the failed fetch must not overwrite the cached entry
	ent, ok := svc.matchCurrent(getKey("/api/tasks"))
	require.True(t, ok)
	assert.Equal(t, "cached-tasks", string(ent.Body))
}

func TestNetworkFirstTimeoutServesCacheThenWarms(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(400 * time.Millisecond)
		w.Write([]byte("late-but-fresh"))
	}))
	defer origin.Close()

	svc := newTestService(t, origin.URL, func(cfg *Config) {
		cfg.Network.Timeout = "50ms"
	})
	installAndActivate(t, svc)
	seedEntry(t, svc, "/api/tasks", "stale-tasks")

	start := time.Now()
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

	assert.Less(t, time.Since(start), 300*time.Millisecond, "timeout must cut the wait short")
	assert.Equal(t, "stale-tasks", rec.Body.String())
	assert.Equal(t, "cache", rec.Header().Get(resultHeader))

	// the losing fetch is not cancelled: it finishes and warms the cache
	assert.Eventually(t, func() bool {
		ent, ok := svc.matchCurrent(getKey("/api/tasks"))
		return ok && string(ent.Body) == "late-but-fresh"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNetworkFirstOfflineAPISynthesizes503(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	svc := newTestService(t, origin.URL, nil)
	installAndActivate(t, svc)
	origin.Close() // connection refused from here on

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "offline", rec.Header().Get(resultHeader))
	assert.Contains(t, rec.Body.String(), `"offline":true`)
}

func TestNetworkFirstMutationNeverTouchesCache(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	svc := newTestService(t, origin.URL, nil)
	installAndActivate(t, svc)
	origin.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"title":"buy milk"}`))
	svc.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"Network unavailable"}`, rec.Body.String())

	entries, err := svc.store.Enumerate(svc.store.CurrentName())
	require.NoError(t, err)
	assert.Empty(t, entries, "mutations must never be cached")

	// the failed mutation is journaled for replay
	pending, err := svc.store.PendingTasks(syncTasksTag)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"title":"buy milk"}`, string(pending[0].Task.Payload))
}

func TestNetworkFirstRejectedMutationIsNotJournaled(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"title is required"}`, http.StatusUnprocessableEntity)
	}))
	defer origin.Close()

	svc := newTestService(t, origin.URL, nil)
	installAndActivate(t, svc)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{}`))
	svc.Handler().ServeHTTP(rec, req)

	// the origin's verdict reaches the caller unchanged
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "network", rec.Header().Get(resultHeader))
	assert.Contains(t, rec.Body.String(), "title is required")

	pending, err := svc.store.PendingTasks(syncTasksTag)
	require.NoError(t, err)
	assert.Empty(t, pending, "a rejection from the origin must not be queued for replay")
}

func TestNetworkFirstSlowOriginMutationIsJournaled(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(400 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	svc := newTestService(t, origin.URL, func(cfg *Config) {
		cfg.Network.Timeout = "50ms"
	})
	installAndActivate(t, svc)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"op":"late"}`))
	svc.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"Network unavailable"}`, rec.Body.String())

	// no origin response was observed before the timeout, so the payload
	// is kept for replay
	pending, err := svc.store.PendingTasks(syncTasksTag)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"op":"late"}`, string(pending[0].Task.Payload))
}

func TestNetworkFirstNavigationUsesOfflineFallbackPage(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	svc := newTestService(t, origin.URL, nil)
	installAndActivate(t, svc)
	seedEntry(t, svc, "/offline.html", "<html>you are offline</html>")
	origin.Close()

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "<html>you are offline</html>", rec.Body.String())
	assert.Equal(t, "offline", rec.Header().Get(resultHeader))
}

func TestNetworkFirstNavigationWithoutFallbackIsPlain503(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	svc := newTestService(t, origin.URL, nil)
	installAndActivate(t, svc)
	origin.Close()

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestCacheFirstHitRefreshesExactlyOnce(t *testing.T) {
	var hits atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("v2-asset"))
	}))
	defer origin.Close()

	svc := newTestService(t, origin.URL, nil)
	installAndActivate(t, svc)
	seedEntry(t, svc, "/app.js", "v1-asset")

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))

	// the cached copy answers immediately, untouched by the refresh
	assert.Equal(t, "v1-asset", rec.Body.String())
	assert.Equal(t, "cache", rec.Header().Get(resultHeader))

	assert.Eventually(t, func() bool {
		ent, ok := svc.matchCurrent(getKey("/app.js"))
		return ok && string(ent.Body) == "v2-asset"
	}, 2*time.Second, 20*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), hits.Load(), "a hit triggers exactly one background fetch")
}

func TestCacheFirstMissFetchesAndCaches(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("asset-bytes"))
	}))
	defer origin.Close()

	svc := newTestService(t, origin.URL, nil)
	installAndActivate(t, svc)

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logo.png", nil))

	assert.Equal(t, "asset-bytes", rec.Body.String())
	assert.Equal(t, "network", rec.Header().Get(resultHeader))

	ent, ok := svc.matchCurrent(getKey("/logo.png"))
	require.True(t, ok)
	assert.Equal(t, "asset-bytes", string(ent.Body))
}

func TestCacheFirstMissNon2xxPassesThroughUncached(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such asset", http.StatusNotFound)
	}))
	defer origin.Close()

	svc := newTestService(t, origin.URL, nil)
	installAndActivate(t, svc)

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing.png", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	_, ok := svc.matchCurrent(getKey("/missing.png"))
	assert.False(t, ok, "non-2xx must not be cached")
}

func TestCacheFirstMissOfflineSynthesizes404(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	svc := newTestService(t, origin.URL, nil)
	installAndActivate(t, svc)
	origin.Close()

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logo.png", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "offline", rec.Header().Get(resultHeader))
	assert.Empty(t, rec.Body.Bytes())
}
