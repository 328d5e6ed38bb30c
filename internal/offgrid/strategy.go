package offgrid

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"
)

// originFetchTimeout bounds any single origin fetch, including fetches that
// lost the response race and keep running to warm the cache.
const originFetchTimeout = 30 * time.Second

type fetchOutcome struct {
	ent CacheEntry
	err error
}

// networkFirst serves API and navigation requests: race the origin against
// the configured timeout, fall back to the cache, then degrade to a
// synthesized response. The caller always gets a well-formed response.
func (s *Service) networkFirst(w http.ResponseWriter, r *http.Request, class Classification) {
	key := requestKeyOf(r)

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body.Close()
	}

	resCh := make(chan fetchOutcome, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Deliberately not the request context: losing the race or the
		// client going away must not abort this fetch. A late 2xx still
		// write-throughs so the next offline hit is warm.
		ctx, cancel := context.WithTimeout(context.Background(), originFetchTimeout)
		defer cancel()
		ent, err := s.fetchOrigin(ctx, r.Method, r.URL.RequestURI(), r.Header, body)
		if err == nil && is2xx(ent.Status) && r.Method == http.MethodGet {
			s.writeThrough(key, ent)
		}
		resCh <- fetchOutcome{ent: ent, err: err}
	}()

	timer := time.NewTimer(s.cfg.Network.timeoutDur)
	defer timer.Stop()

	select {
	case out := <-resCh:
		if out.err != nil {
			log.Printf("network-first %s %s: %v", r.Method, key.URL, out.err)
			break
		}
		if is2xx(out.ent.Status) {
			s.writeEntry(w, out.ent, "network")
			return
		}
		// The origin was reached and said no. A mutation gets that verdict
		// unchanged: journaling it would replay a request the origin
		// already refused.
		if r.Method != http.MethodGet {
			s.writeEntry(w, out.ent, "network")
			return
		}
	case <-timer.C:
		// origin too slow; the fetch above keeps running in the background
	}

	// Only connectivity-class failures reach here: a fetch error or the
	// timer expiring before any origin response was observed.
	s.serveFallback(w, r, key, class, body)
}

func (s *Service) serveFallback(w http.ResponseWriter, r *http.Request, key RequestKey, class Classification, body []byte) {
	if ent, ok := s.matchCurrent(key); ok {
		s.writeEntry(w, ent, "cache")
		return
	}

	if r.Method != http.MethodGet {
		// Mutations are never served stale. API mutations are journaled
		// for replay once connectivity returns.
		if class == ClassAPI {
			s.deferMutation(key, body)
		}
		s.writeEntry(w, mutationUnavailableResponse(), "offline")
		return
	}

	switch class {
	case ClassAPI:
		s.writeEntry(w, offlineAPIResponse(s.cfg.Routes.OfflineMessage), "offline")
	default: // navigation
		fbKey := RequestKey{Method: http.MethodGet, URL: s.cfg.Routes.OfflineFallback}
		if ent, ok := s.matchCurrent(fbKey); ok {
			s.writeEntry(w, ent, "offline")
			return
		}
		s.writeEntry(w, offlineNavigationResponse(), "offline")
	}
}

// cacheFirst serves static assets: a hit answers immediately and triggers
// one background refresh; a miss goes to the origin and caches 2xx.
func (s *Service) cacheFirst(w http.ResponseWriter, r *http.Request) {
	key := requestKeyOf(r)

	if ent, ok := s.matchCurrent(key); ok {
		s.writeEntry(w, ent, "cache")
		s.refreshAsync(key, r.Header.Clone())
		return
	}

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body.Close()
	}
	ent, err := s.fetchOrigin(r.Context(), r.Method, r.URL.RequestURI(), r.Header, body)
	if err != nil {
		log.Printf("cache-first %s %s: %v", r.Method, key.URL, err)
		s.writeEntry(w, assetUnavailableResponse(), "offline")
		return
	}
	if is2xx(ent.Status) && r.Method == http.MethodGet {
		s.writeThrough(key, ent)
	}
	s.writeEntry(w, ent, "network")
}

// refreshAsync is the stale-while-revalidate half of cache-first. Failures
// are swallowed: the cached response already answered the caller.
func (s *Service) refreshAsync(key RequestKey, hdr http.Header) {
	select {
	case s.bgSem <- struct{}{}:
	default:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), originFetchTimeout)
		defer cancel()

		ent, err := s.fetchOrigin(ctx, http.MethodGet, key.URL, hdr, nil)
		if err != nil {
			s.refreshLog.Printf("refresh %s: %v", key.URL, err)
			return
		}
		if !is2xx(ent.Status) {
			s.refreshLog.Printf("refresh %s: status %d", key.URL, ent.Status)
			return
		}
		s.writeThrough(key, ent)
		s.stats.ObserveRefresh()
	}()
}

// writeThrough is the fire-and-forget cache write: errors are logged, never
// propagated to the request path.
func (s *Service) writeThrough(key RequestKey, ent CacheEntry) {
	gen := s.store.CurrentName()
	if gen == "" {
		return
	}
	if err := s.store.Put(gen, key, ent); err != nil {
		log.Printf("cache write %s %s: %v", key.Method, key.URL, err)
	}
}

func (s *Service) matchCurrent(key RequestKey) (CacheEntry, bool) {
	return s.store.Match(s.store.CurrentName(), key)
}

// ---- synthesized degraded responses ----

func synthesized(status int, contentType string, body []byte) CacheEntry {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	return CacheEntry{
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
}

// mutationUnavailableResponse answers a non-GET that found no network.
func mutationUnavailableResponse() CacheEntry {
	b, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: "Network unavailable"})
	return synthesized(http.StatusServiceUnavailable, "application/json", b)
}

// offlineAPIResponse is the typed marker an API caller can branch on.
func offlineAPIResponse(message string) CacheEntry {
	b, _ := json.Marshal(struct {
		Offline bool   `json:"offline"`
		Message string `json:"message"`
	}{Offline: true, Message: message})
	return synthesized(http.StatusServiceUnavailable, "application/json", b)
}

// offlineNavigationResponse is the last resort when even the offline
// fallback page was never cached.
func offlineNavigationResponse() CacheEntry {
	return synthesized(http.StatusServiceUnavailable, "text/plain; charset=utf-8",
		[]byte("Offline: this page is not available without a connection.\n"))
}

func assetUnavailableResponse() CacheEntry {
	return synthesized(http.StatusNotFound, "text/plain; charset=utf-8", nil)
}
