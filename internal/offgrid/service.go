package offgrid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// internalPathPrefix is reserved for the control surface; requests under it
// never reach the strategy layer.
const internalPathPrefix = "/offgrid/"

// resultHeader tells the client how its response was produced:
// network | cache | offline | bypass | bad-gateway.
const resultHeader = "X-Offgrid"

type Service struct {
	cfg Config

	httpClient *http.Client

	store     *generationStore
	hub       *clientHub
	lifecycle *lifecycleController
	push      *pushRouter

	internal *http.ServeMux

	bgSem chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup

	refreshLog *rateLimitedLogger
	capLog     *rateLimitedLogger
	stats      *statsCollector
}

func NewService(cfg Config) (*Service, error) {
	store, err := openGenerationStore(cfg.Cache.Dir)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: originFetchTimeout},
		store:      store,
		hub:        newClientHub(),
		bgSem:      make(chan struct{}, 32),
		stopCh:     make(chan struct{}),
		refreshLog: newRateLimitedLogger(1 * time.Minute),
		capLog:     newRateLimitedLogger(1 * time.Minute),
		stats:      newStatsCollector(),
	}
	s.lifecycle = newLifecycleController(store, s.hub, cfg.GenerationName(),
		func(ctx context.Context, path string) (CacheEntry, error) {
			return s.fetchOrigin(ctx, http.MethodGet, path, nil, nil)
		})
	s.push = newPushRouter(pushDefaults{
		Title: cfg.Push.DefaultTitle,
		Body:  cfg.Push.DefaultBody,
		Icon:  cfg.Push.DefaultIcon,
		Badge: cfg.Push.DefaultBadge,
	}, nil, s.hub)
	s.internal = s.buildInternalMux()
	return s, nil
}

// Start installs the configured generation and activates it once the
// waiting gate opens. Until activation, requests forward straight to the
// origin. Background loops (stats, sync retry) start here too.
func (s *Service) Start(ctx context.Context) error {
	if err := s.lifecycle.Install(ctx, s.cfg.Routes.BootAssets); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.lifecycle.WaitForActivation(s.stopCh) {
			return
		}
		if err := s.lifecycle.Activate(); err != nil {
			log.Printf("activate: %v", err)
		}
	}()

	if s.cfg.Logging.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(s.cfg.Logging.logStatsEveryDur)
		}()
	}
	if s.cfg.Sync.retryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.syncRetryLoop(s.cfg.Sync.retryDur)
		}()
	}
	return nil
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.store.close()
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// handle is the whole dispatch: control surface first, then classify and
// pick a strategy. The dispatcher only serves from cache once Active.
func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, internalPathPrefix) {
		s.internal.ServeHTTP(w, r)
		return
	}

	class := classify(r, s.cfg.originHost(), s.cfg.Routes.APIPrefix)
	if class == ClassIgnored || s.lifecycle.State() != stateActive {
		s.proxyPass(w, r)
		return
	}

	switch class {
	case ClassAPI, ClassNavigation:
		s.networkFirst(w, r, class)
	default:
		s.cacheFirst(w, r)
	}
}

// proxyPass forwards untouched: cross-origin requests and everything that
// arrives before activation.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body.Close()
	}
	var (
		ent CacheEntry
		err error
	)
	if r.URL.IsAbs() {
		ent, err = s.fetchURL(r.Context(), r.Method, r.URL.String(), r.Header, body)
	} else {
		ent, err = s.fetchOrigin(r.Context(), r.Method, r.URL.RequestURI(), r.Header, body)
	}
	if err != nil {
		setResultHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.writeEntry(w, ent, "bypass")
}

// fetchOrigin resolves a request URI against the configured origin.
func (s *Service) fetchOrigin(ctx context.Context, method, uri string, hdr http.Header, body []byte) (CacheEntry, error) {
	return s.fetchURL(ctx, method, s.cfg.Server.Origin+uri, hdr, body)
}

func (s *Service) fetchURL(ctx context.Context, method, fullURL string, hdr http.Header, body []byte) (CacheEntry, error) {
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, rd)
	if err != nil {
		return CacheEntry{}, err
	}
	copyHeaders(req.Header, hdr)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func (s *Service) writeEntry(w http.ResponseWriter, ent CacheEntry, result string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, resultHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setResultHeader(w.Header(), result)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)

	s.stats.Observe(result, len(ent.Body))
}

func setResultHeader(h http.Header, result string) {
	if result != "" {
		h.Set(resultHeader, result)
	}
	// In a CORS context custom headers are invisible to JS unless exposed.
	ensureExposedHeader(h, resultHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// ---- control surface ----

func (s *Service) buildInternalMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /offgrid/events", s.handleEvents)
	mux.HandleFunc("POST /offgrid/control", s.handleControlHTTP)
	mux.HandleFunc("POST /offgrid/push", s.handlePushHTTP)
	mux.HandleFunc("POST /offgrid/notification-click", s.handleClickHTTP)
	mux.HandleFunc("POST /offgrid/sync", s.handleSyncHTTP)
	return mux
}

// handleEvents is the client's end of the broadcast channel: an SSE stream
// of control acknowledgements, claims, and window directives.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	c := s.hub.Register(r.URL.Query().Get("url"))
	defer s.hub.Unregister(c.ID)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stopCh:
			return
		case b, open := <-c.Events():
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}

func (s *Service) handleControlHTTP(w http.ResponseWriter, r *http.Request) {
	var msg ControlMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad control message", http.StatusBadRequest)
		return
	}
	s.handleControl(msg)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handlePushHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	s.push.OnPush(raw)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleClickHTTP(w http.ResponseWriter, r *http.Request) {
	var click struct {
		Action string   `json:"action"`
		Data   PushData `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&click); err != nil {
		http.Error(w, "bad click event", http.StatusBadRequest)
		return
	}
	s.push.OnNotificationClick(click.Action, click.Data)
	w.WriteHeader(http.StatusAccepted)
}

// handleSyncHTTP is the host scheduler firing a tag. A non-2xx answer tells
// it to retry the tag later.
func (s *Service) handleSyncHTTP(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		http.Error(w, "missing tag", http.StatusBadRequest)
		return
	}
	if err := s.ReplaySync(r.Context(), tag); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- periodic reporting ----

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStatsOnce()
		}
	}
}

func (s *Service) logStatsOnce() {
	gen := s.store.CurrentName()
	var size int64
	var count int
	if gen != "" {
		entries, err := s.store.Enumerate(gen)
		if err != nil {
			log.Printf("stats: %v", err)
		}
		for _, e := range entries {
			size += int64(len(e.Entry.Body))
			count++
		}
	}
	if s.cfg.Cache.maxBytes > 0 && size > s.cfg.Cache.maxBytes {
		s.capLog.Printf("cache %s over soft cap: %s > %s", gen, formatBytes(size), formatBytes(s.cfg.Cache.maxBytes))
	}
	ss := s.stats.Snapshot()
	log.Printf(
		"gen=%s entries=%d size=%s network=%d cache=%d offline=%d bypass=%d refreshes=%d resp min/avg/max %s/%s/%s",
		gen, count, formatBytes(size),
		ss.Network, ss.Cache, ss.Offline, ss.Bypass, ss.Refreshes,
		formatBytes(int64(ss.MinRespBytes)), formatBytes(int64(ss.AvgRespBytes)), formatBytes(int64(ss.MaxRespBytes)),
	)
}
