package offgrid

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// generationStore keeps every durable thing in one LevelDB: versioned cache
// generations, the current-generation pointer, and the sync-task journal.
//
// Key layout:
//
//	g:<name>                     generation registration (gob genMeta)
//	e:<name>:<method> <uri>      cached entry (gob CacheEntry)
//	cur                          current generation name (raw)
//	t:<tag>:<seq>:<id>           deferred sync task (gob SyncTask)
//
// Entry writes for the same key are last-writer-wins; the request cycle
// already serializes them per key, so no token is needed.
type generationStore struct {
	db *leveldb.DB

	mu      sync.Mutex
	names   map[string]struct{}
	current string
}

type genMeta struct {
	CreatedAt int64
}

const currentKey = "cur"

func openGenerationStore(path string) (*generationStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	s := &generationStore{db: db, names: map[string]struct{}{}}
	if err := s.loadNames(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if b, err := db.Get([]byte(currentKey), nil); err == nil {
		s.current = string(b)
	}
	return s, nil
}

func (s *generationStore) close() {
	_ = s.db.Close()
}

func (s *generationStore) loadNames() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte("g:")), nil)
	defer it.Release()
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte("g:")))
		s.names[name] = struct{}{}
	}
	return it.Error()
}

// Open registers a generation. Registering an existing name is a no-op.
func (s *generationStore) Open(name string) error {
	if name == "" {
		return fmt.Errorf("empty generation name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked(name)
}

func (s *generationStore) registerLocked(name string) error {
	if _, ok := s.names[name]; ok {
		return nil
	}
	b, err := encodeGob(genMeta{CreatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte("g:"+name), b, nil); err != nil {
		return err
	}
	s.names[name] = struct{}{}
	return nil
}

func entryKey(gen string, key RequestKey) []byte {
	return []byte("e:" + gen + ":" + key.Method + " " + key.URL)
}

// Put stores an entry, overwriting any previous one for the same key. The
// generation is lazily re-registered so a cleared cache refills in place.
func (s *generationStore) Put(gen string, key RequestKey, ent CacheEntry) error {
	if key.Method != http.MethodGet {
		return fmt.Errorf("only GET entries are cacheable, got %s", key.Method)
	}
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.registerLocked(gen); err != nil {
		return err
	}
	return s.db.Put(entryKey(gen, key), b, nil)
}

// Match returns the entry for key, or ok=false. A miss is not an error.
func (s *generationStore) Match(gen string, key RequestKey) (CacheEntry, bool) {
	if gen == "" || key.Method != http.MethodGet {
		return CacheEntry{}, false
	}
	b, err := s.db.Get(entryKey(gen, key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		log.Printf("store: corrupt entry %s %s: %v", key.Method, key.URL, err)
		return CacheEntry{}, false
	}
	return ent, true
}

// Delete removes a generation and all of its entries. Reports whether
// anything existed under that name.
func (s *generationStore) Delete(name string) (bool, error) {
	batch := new(leveldb.Batch)
	n := 0
	it := s.db.NewIterator(util.BytesPrefix([]byte("e:"+name+":")), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
		n++
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return false, err
	}
	batch.Delete([]byte("g:" + name))

	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}

	// Unindex only after the write landed, so a failed delete never hides
	// a generation the disk still has.
	s.mu.Lock()
	_, existed := s.names[name]
	delete(s.names, name)
	s.mu.Unlock()
	return existed || n > 0, nil
}

func (s *generationStore) ListNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

type storedEntry struct {
	Key   RequestKey
	Entry CacheEntry
}

// Enumerate returns every entry of a generation, for size accounting.
func (s *generationStore) Enumerate(gen string) ([]storedEntry, error) {
	prefix := "e:" + gen + ":"
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()

	var out []storedEntry
	for it.Next() {
		rest := strings.TrimPrefix(string(it.Key()), prefix)
		method, uri, ok := strings.Cut(rest, " ")
		if !ok {
			continue
		}
		var ent CacheEntry
		if err := decodeGob(it.Value(), &ent); err != nil {
			log.Printf("store: corrupt entry %s: %v", rest, err)
			continue
		}
		out = append(out, storedEntry{Key: RequestKey{Method: method, URL: uri}, Entry: ent})
	}
	return out, it.Error()
}

// CurrentName is the serving generation, or "" before first activation.
// Written only by the lifecycle controller's activate transition.
func (s *generationStore) CurrentName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *generationStore) setCurrent(name string) error {
	if err := s.db.Put([]byte(currentKey), []byte(name), nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = name
	s.mu.Unlock()
	return nil
}

// ---- sync-task journal ----

type pendingTask struct {
	key  []byte
	Task SyncTask
}

func (s *generationStore) EnqueueTask(task SyncTask) error {
	if task.Tag == "" {
		return fmt.Errorf("empty sync tag")
	}
	b, err := encodeGob(task)
	if err != nil {
		return err
	}
	// seq-prefixed so PendingTasks replays in enqueue order
	k := fmt.Sprintf("t:%s:%020d:%s", task.Tag, time.Now().UnixNano(), uuid.NewString())
	return s.db.Put([]byte(k), b, nil)
}

func (s *generationStore) PendingTasks(tag string) ([]pendingTask, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("t:"+tag+":")), nil)
	defer it.Release()

	var out []pendingTask
	for it.Next() {
		var task SyncTask
		if err := decodeGob(it.Value(), &task); err != nil {
			log.Printf("store: corrupt sync task %s: %v", it.Key(), err)
			continue
		}
		out = append(out, pendingTask{
			key:  append([]byte(nil), it.Key()...),
			Task: task,
		})
	}
	return out, it.Error()
}

func (s *generationStore) CompleteTask(key []byte) error {
	return s.db.Delete(key, nil)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
