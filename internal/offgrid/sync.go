package offgrid

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"
)

// syncTasksTag is the one tag the replay handler knows about.
const syncTasksTag = "sync-tasks"

// deferMutation journals a failed API mutation so replay carries the real
// payload. Journal errors are logged; the caller already got its 503.
func (s *Service) deferMutation(key RequestKey, body []byte) {
	task := SyncTask{Tag: syncTasksTag, Payload: body, QueuedAt: time.Now().Unix()}
	if err := s.store.EnqueueTask(task); err != nil {
		log.Printf("sync: journal %s %s: %v", key.Method, key.URL, err)
		return
	}
	log.Printf("sync: deferred %s %s for replay", key.Method, key.URL)
}

// ReplaySync is invoked when the host scheduler fires a tag. A returned
// error means at least one task did not go through and the scheduler should
// fire the same tag again later (at-least-once; the endpoint is expected to
// be idempotent).
func (s *Service) ReplaySync(ctx context.Context, tag string) error {
	if tag != syncTasksTag {
		return fmt.Errorf("sync: unknown tag %q", tag)
	}
	pending, err := s.store.PendingTasks(tag)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		// Nothing journaled: still fire one empty replay so the endpoint
		// can pick up server-side pending work.
		if err := s.replayOnce(ctx, nil); err != nil {
			return fmt.Errorf("sync: replay %s: %w", tag, err)
		}
		log.Printf("sync: tag %s replayed (empty)", tag)
		return nil
	}

	failed := 0
	for _, p := range pending {
		if err := s.replayOnce(ctx, p.Task.Payload); err != nil {
			log.Printf("sync: replay %s: %v", tag, err)
			failed++
			continue
		}
		if err := s.store.CompleteTask(p.key); err != nil {
			log.Printf("sync: complete task: %v", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("sync: %d of %d tasks failed for tag %s", failed, len(pending), tag)
	}
	log.Printf("sync: tag %s replayed %d tasks", tag, len(pending))
	return nil
}

func (s *Service) replayOnce(ctx context.Context, payload []byte) error {
	hdr := make(http.Header)
	hdr.Set("Content-Type", "application/json")
	ent, err := s.fetchOrigin(ctx, http.MethodPost, s.cfg.Sync.TasksEndpoint, hdr, payload)
	if err != nil {
		return err
	}
	if !is2xx(ent.Status) {
		return fmt.Errorf("endpoint returned %d", ent.Status)
	}
	return nil
}

// syncRetryLoop periodically re-fires tags that still have pending tasks,
// standing in for the platform's backoff scheduler between external
// triggers.
func (s *Service) syncRetryLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			pending, err := s.store.PendingTasks(syncTasksTag)
			if err != nil {
				log.Printf("sync: %v", err)
				continue
			}
			if len(pending) == 0 {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), originFetchTimeout)
			if err := s.ReplaySync(ctx, syncTasksTag); err != nil {
				log.Printf("sync: %v", err)
			}
			cancel()
		}
	}
}
