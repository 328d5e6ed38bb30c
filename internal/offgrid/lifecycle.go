package offgrid

import (
	"context"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type lifecycleState int32

const (
	stateInstalling lifecycleState = iota + 1
	stateWaiting
	stateActivating
	stateActive
)

func (st lifecycleState) String() string {
	switch st {
	case stateInstalling:
		return "installing"
	case stateWaiting:
		return "waiting"
	case stateActivating:
		return "activating"
	case stateActive:
		return "active"
	default:
		return "unknown"
	}
}

// lifecycleController drives Installing -> Waiting -> Activating -> Active
// for one generation. It is the only writer of the store's current pointer.
type lifecycleController struct {
	store *generationStore
	hub   *clientHub

	genName    string
	fetchAsset func(ctx context.Context, path string) (CacheEntry, error)

	state atomic.Int32

	skipCh   chan struct{}
	skipOnce sync.Once
}

func newLifecycleController(store *generationStore, hub *clientHub, genName string,
	fetchAsset func(ctx context.Context, path string) (CacheEntry, error)) *lifecycleController {
	lc := &lifecycleController{
		store:      store,
		hub:        hub,
		genName:    genName,
		fetchAsset: fetchAsset,
		skipCh:     make(chan struct{}),
	}
	lc.state.Store(int32(stateInstalling))
	return lc
}

func (lc *lifecycleController) State() lifecycleState {
	return lifecycleState(lc.state.Load())
}

// Install opens the new generation and populates boot assets. Each asset
// failure is tolerated on its own; install as a whole only fails if the
// generation cannot be opened at all.
func (lc *lifecycleController) Install(ctx context.Context, bootAssets []string) error {
	lc.state.Store(int32(stateInstalling))
	if err := lc.store.Open(lc.genName); err != nil {
		return err
	}
	cached := 0
	for _, path := range bootAssets {
		ent, err := lc.fetchAsset(ctx, path)
		if err != nil {
			log.Printf("install %s: boot asset %s: %v", lc.genName, path, err)
			continue
		}
		if !is2xx(ent.Status) {
			log.Printf("install %s: boot asset %s: status %d", lc.genName, path, ent.Status)
			continue
		}
		if err := lc.store.Put(lc.genName, RequestKey{Method: http.MethodGet, URL: path}, ent); err != nil {
			log.Printf("install %s: boot asset %s: %v", lc.genName, path, err)
			continue
		}
		cached++
	}
	log.Printf("install %s: %d/%d boot assets cached", lc.genName, cached, len(bootAssets))
	lc.state.Store(int32(stateWaiting))
	return nil
}

// SkipWaiting forces the waiting gate open. Safe to call any number of
// times, before or after the gate is reached.
func (lc *lifecycleController) SkipWaiting() {
	lc.skipOnce.Do(func() { close(lc.skipCh) })
}

// WaitForActivation blocks until activation may proceed: there is no prior
// generation serving, no clients are connected, or SkipWaiting fired.
func (lc *lifecycleController) WaitForActivation(done <-chan struct{}) bool {
	cur := lc.store.CurrentName()
	if cur == "" || cur == lc.genName {
		return true
	}
	if lc.hub.Count() == 0 {
		return true
	}
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-done:
			return false
		case <-lc.skipCh:
			return true
		case <-t.C:
			if lc.hub.Count() == 0 {
				return true
			}
		}
	}
}

// Activate deletes every generation but this one, publishes the current
// pointer, and claims open clients. Old generations are removed only here,
// strictly after Install populated the new one.
func (lc *lifecycleController) Activate() error {
	lc.state.Store(int32(stateActivating))
	for _, name := range lc.store.ListNames() {
		if name == lc.genName {
			continue
		}
		if _, err := lc.store.Delete(name); err != nil {
			log.Printf("activate %s: delete stale generation %s: %v", lc.genName, name, err)
		}
	}
	if err := lc.store.setCurrent(lc.genName); err != nil {
		return err
	}
	lc.hub.ClaimAll(lc.genName)
	lc.state.Store(int32(stateActive))
	log.Printf("generation %s active", lc.genName)
	return nil
}
