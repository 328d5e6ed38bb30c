package offgrid

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*generationStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := openGenerationStore(dir)
	require.NoError(t, err)
	t.Cleanup(s.close)
	return s, dir
}

func entry(body string) CacheEntry {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return CacheEntry{Status: http.StatusOK, Header: h, Body: []byte(body), StoredAt: time.Now().Unix()}
}

func TestStorePutMatchRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Open("gen-v1"))

	key := RequestKey{http.MethodGet, "/api/tasks?page=1"}
	require.NoError(t, s.Put("gen-v1", key, entry("hello")))

	got, ok := s.Match("gen-v1", key)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, got.Status)
	assert.Equal(t, "hello", string(got.Body))
	assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))
}

func TestStorePutOverwritesWholesale(t *testing.T) {
	s, _ := newTestStore(t)
	key := RequestKey{http.MethodGet, "/a"}
	require.NoError(t, s.Put("g", key, entry("one")))
	require.NoError(t, s.Put("g", key, entry("two")))

	got, ok := s.Match("g", key)
	require.True(t, ok)
	assert.Equal(t, "two", string(got.Body))
}

func TestStoreMatchMissIsNotAnError(t *testing.T) {
	s, _ := newTestStore(t)
	_, ok := s.Match("g", RequestKey{http.MethodGet, "/nope"})
	assert.False(t, ok)
	_, ok = s.Match("", RequestKey{http.MethodGet, "/nope"})
	assert.False(t, ok)
}

func TestStoreRejectsNonGET(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Put("g", RequestKey{http.MethodPost, "/a"}, entry("x"))
	assert.Error(t, err)

	_, ok := s.Match("g", RequestKey{http.MethodPost, "/a"})
	assert.False(t, ok)
}

func TestStoreDeleteRemovesGeneration(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Open("old"))
	require.NoError(t, s.Open("new"))
	require.NoError(t, s.Put("old", RequestKey{http.MethodGet, "/a"}, entry("a")))
	require.NoError(t, s.Put("new", RequestKey{http.MethodGet, "/a"}, entry("b")))

	existed, err := s.Delete("old")
	require.NoError(t, err)
	assert.True(t, existed)

	assert.Equal(t, []string{"new"}, s.ListNames())
	_, ok := s.Match("old", RequestKey{http.MethodGet, "/a"})
	assert.False(t, ok)
	got, ok := s.Match("new", RequestKey{http.MethodGet, "/a"})
	require.True(t, ok)
	assert.Equal(t, "b", string(got.Body))

	existed, err = s.Delete("never-was")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestStoreDeleteFailureKeepsIndex(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Open("gen-v1"))
	s.close() // every db access fails from here on

	_, err := s.Delete("gen-v1")
	require.Error(t, err)
	assert.Equal(t, []string{"gen-v1"}, s.ListNames(),
		"a failed delete must not unindex a generation the disk still has")
}

func TestStoreEnumerate(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Put("g", RequestKey{http.MethodGet, "/a"}, entry("aa")))
	require.NoError(t, s.Put("g", RequestKey{http.MethodGet, "/b?x=1"}, entry("bbbb")))

	entries, err := s.Enumerate("g")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var total int
	urls := map[string]bool{}
	for _, e := range entries {
		assert.Equal(t, http.MethodGet, e.Key.Method)
		urls[e.Key.URL] = true
		total += len(e.Entry.Body)
	}
	assert.True(t, urls["/a"])
	assert.True(t, urls["/b?x=1"])
	assert.Equal(t, 6, total)
}

func TestStoreLazyReregisterAfterDelete(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Put("g", RequestKey{http.MethodGet, "/a"}, entry("x")))
	_, err := s.Delete("g")
	require.NoError(t, err)
	assert.Empty(t, s.ListNames())

	// a write-through after CLEAR_CACHE refills the same generation
	require.NoError(t, s.Put("g", RequestKey{http.MethodGet, "/a"}, entry("y")))
	assert.Equal(t, []string{"g"}, s.ListNames())
}

func TestStoreStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := openGenerationStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put("gen-v3", RequestKey{http.MethodGet, "/a"}, entry("persisted")))
	require.NoError(t, s.setCurrent("gen-v3"))
	s.close()

	s2, err := openGenerationStore(dir)
	require.NoError(t, err)
	defer s2.close()

	assert.Equal(t, "gen-v3", s2.CurrentName())
	assert.Equal(t, []string{"gen-v3"}, s2.ListNames())
	got, ok := s2.Match("gen-v3", RequestKey{http.MethodGet, "/a"})
	require.True(t, ok)
	assert.Equal(t, "persisted", string(got.Body))
}

func TestStoreTaskJournalOrderAndCompletion(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.EnqueueTask(SyncTask{Tag: "sync-tasks", Payload: []byte("first")}))
	require.NoError(t, s.EnqueueTask(SyncTask{Tag: "sync-tasks", Payload: []byte("second")}))
	require.NoError(t, s.EnqueueTask(SyncTask{Tag: "other", Payload: []byte("elsewhere")}))

	pending, err := s.PendingTasks("sync-tasks")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "first", string(pending[0].Task.Payload))
	assert.Equal(t, "second", string(pending[1].Task.Payload))

	require.NoError(t, s.CompleteTask(pending[0].key))
	pending, err = s.PendingTasks("sync-tasks")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "second", string(pending[0].Task.Payload))
}
