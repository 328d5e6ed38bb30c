package offgrid

import "log"

// Inbound control message types.
const (
	msgSkipWaiting  = "SKIP_WAITING"
	msgClearCache   = "CLEAR_CACHE"
	msgGetCacheSize = "GET_CACHE_SIZE"
)

// Outbound broadcast types.
const (
	msgCacheCleared = "CACHE_CLEARED"
	msgCacheSize    = "CACHE_SIZE"
)

type ControlMessage struct {
	Type string `json:"type"`
}

type cacheClearedEvent struct {
	Type string `json:"type"`
}

type cacheSizeEvent struct {
	Type  string `json:"type"`
	Size  int64  `json:"size"`
	Count int    `json:"count"`
}

// handleControl applies one inbound command. Handlers are idempotent and
// never fail upward: storage errors are logged and the acknowledgement is
// still broadcast with whatever (possibly zero) state is known.
func (s *Service) handleControl(msg ControlMessage) {
	switch msg.Type {
	case msgSkipWaiting:
		s.lifecycle.SkipWaiting()

	case msgClearCache:
		if gen := s.store.CurrentName(); gen != "" {
			if _, err := s.store.Delete(gen); err != nil {
				log.Printf("control: clear cache: %v", err)
			}
		}
		s.hub.Broadcast(cacheClearedEvent{Type: msgCacheCleared})

	case msgGetCacheSize:
		var size int64
		var count int
		if gen := s.store.CurrentName(); gen != "" {
			entries, err := s.store.Enumerate(gen)
			if err != nil {
				log.Printf("control: cache size: %v", err)
			}
			for _, e := range entries {
				size += int64(len(e.Entry.Body))
				count++
			}
		}
		s.hub.Broadcast(cacheSizeEvent{Type: msgCacheSize, Size: size, Count: count})

	default:
		log.Printf("control: unknown message type %q", msg.Type)
	}
}
