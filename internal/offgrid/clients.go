package offgrid

import (
	"encoding/json"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// connectedClient is one open application window/tab attached to the event
// stream. Events is drained by the SSE handler; sends never block the hub.
type connectedClient struct {
	ID  uuid.UUID
	URL string // page path the client reported at registration

	events chan []byte
	closed bool
}

func (c *connectedClient) Events() <-chan []byte {
	return c.events
}

// clientHub is the registry of connected clients. Broadcasting is an
// explicit fan-out over registered handles, nothing implicit.
type clientHub struct {
	mu      sync.Mutex
	clients map[uuid.UUID]*connectedClient
	dropLog *rateLimitedLogger
}

func newClientHub() *clientHub {
	return &clientHub{
		clients: map[uuid.UUID]*connectedClient{},
		dropLog: newRateLimitedLogger(30 * time.Second),
	}
}

func (h *clientHub) Register(pageURL string) *connectedClient {
	c := &connectedClient{
		ID:     uuid.New(),
		URL:    normalizeClientURL(pageURL),
		events: make(chan []byte, 16),
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	return c
}

func (h *clientHub) Unregister(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	c.closed = true
	close(c.events)
}

func (h *clientHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast fans an event out to every client. Slow clients lose events
// rather than blocking the sender.
func (h *clientHub) Broadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("hub: marshal broadcast: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		h.sendLocked(c, b)
	}
}

func (h *clientHub) sendLocked(c *connectedClient, b []byte) {
	if c.closed {
		return
	}
	select {
	case c.events <- b:
	default:
		h.dropLog.Printf("hub: client %s event buffer full, dropping", c.ID)
	}
}

func (h *clientHub) sendTo(id uuid.UUID, v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("hub: marshal event: %v", err)
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return false
	}
	h.sendLocked(c, b)
	return true
}

// FindByURL returns a client whose page URL equals target, if any.
func (h *clientHub) FindByURL(target string) (uuid.UUID, bool) {
	target = normalizeClientURL(target)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		if c.URL == target {
			return c.ID, true
		}
	}
	return uuid.UUID{}, false
}

type focusEvent struct {
	Type string `json:"type"`
}

type openWindowEvent struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type claimedEvent struct {
	Type       string `json:"type"`
	Generation string `json:"generation"`
}

// Focus asks an already-open window to bring itself to the front.
func (h *clientHub) Focus(id uuid.UUID) bool {
	return h.sendTo(id, focusEvent{Type: "FOCUS"})
}

// OpenWindow asks one connected client to open a new window at url. With no
// clients connected there is nobody to open it; that is only logged.
func (h *clientHub) OpenWindow(target string) {
	h.mu.Lock()
	var first *connectedClient
	for _, c := range h.clients {
		first = c
		break
	}
	h.mu.Unlock()
	if first == nil {
		log.Printf("hub: no connected client to open window at %s", target)
		return
	}
	h.sendTo(first.ID, openWindowEvent{Type: "OPEN_WINDOW", URL: target})
}

// ClaimAll tells every open client it is now controlled by this generation.
func (h *clientHub) ClaimAll(generation string) {
	h.Broadcast(claimedEvent{Type: "CLAIMED", Generation: generation})
}

// normalizeClientURL reduces a page URL to its path so "/tasks" matches
// "https://host/tasks".
func normalizeClientURL(s string) string {
	if s == "" {
		return "/"
	}
	if u, err := url.Parse(s); err == nil && u.Path != "" {
		s = u.Path
	}
	if s == "" || s[0] != '/' {
		s = "/" + s
	}
	return s
}
