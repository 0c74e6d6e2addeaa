package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RichardCYang/NTEOK-sub001/internal/crdt"
	"github.com/RichardCYang/NTEOK-sub001/internal/models"
	"github.com/RichardCYang/NTEOK-sub001/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePages struct {
	mu    sync.Mutex
	calls int
	pages map[string]*models.Page
}

func (f *fakePages) GetByID(_ context.Context, id string) (*models.Page, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if p, ok := f.pages[id]; ok {
		return p, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakePages) loadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestStore(pages map[string]*models.Page) (*Store, *fakePages) {
	fp := &fakePages{pages: pages}
	return New(fp, time.Hour, time.Hour), fp
}

// makeDelta produces a valid incremental update carrying one metadata write.
func makeDelta(t *testing.T, title string) []byte {
	t.Helper()
	d := crdt.New()
	require.NoError(t, d.SetMeta(crdt.MetaTitle, title))
	delta, err := d.SaveUpdate()
	require.NoError(t, err)
	return delta
}

func TestAcquireLoadsOnce(t *testing.T) {
	st, fp := newTestStore(map[string]*models.Page{
		"p1": {ID: "p1", SpaceID: "s1", OwnerID: "u1", Content: "<p>hi</p>"},
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.Acquire(context.Background(), "p1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fp.loadCalls())
}

func TestAcquireUnknownPage(t *testing.T) {
	st, _ := newTestStore(nil)

	_, err := st.Acquire(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// A failed load must not leave a poisoned slot behind.
	_, ok := st.Peek("missing")
	assert.False(t, ok)
}

func TestAcquireSeedsFromHTML(t *testing.T) {
	st, _ := newTestStore(map[string]*models.Page{
		"p1": {ID: "p1", SpaceID: "s1", Title: "Notes", Content: "<p>legacy body</p>"},
	})

	e, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)

	state := e.SaveState()
	require.NotEmpty(t, state)

	doc, err := crdt.LoadState(state)
	require.NoError(t, err)
	assert.True(t, doc.Seeded())
	assert.Equal(t, "Notes", doc.Meta(crdt.MetaTitle))

	html, err := doc.RenderHTML()
	require.NoError(t, err)
	assert.Contains(t, html, "legacy body")
}

func TestAcquirePrefersPersistedState(t *testing.T) {
	src := crdt.New()
	require.NoError(t, src.SetMeta(crdt.MetaTitle, "from state"))

	st, _ := newTestStore(map[string]*models.Page{
		"p1": {ID: "p1", Title: "from row", YjsState: src.SaveState(), Content: "<p>stale</p>"},
	})

	e, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)

	doc, err := crdt.LoadState(e.SaveState())
	require.NoError(t, err)
	assert.Equal(t, "from state", doc.Meta(crdt.MetaTitle))
}

func TestAcquireEncryptedPage(t *testing.T) {
	cipher := []byte("ciphertext blob")
	st, _ := newTestStore(map[string]*models.Page{
		"p1": {ID: "p1", Encrypted: true, YjsState: cipher},
	})

	e, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, e.Encrypted)
	assert.Equal(t, cipher, e.SaveState())
	assert.Equal(t, int64(len(cipher)), e.ApproxSize())
}

func TestEntryApplyMarksDirty(t *testing.T) {
	st, _ := newTestStore(map[string]*models.Page{
		"p1": {ID: "p1", Content: ""},
	})

	e, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)

	snap := e.Snapshot(false)
	assert.False(t, snap.WasDirty)

	require.NoError(t, e.ApplyUpdate(makeDelta(t, "edited")))
	snap = e.Snapshot(false)
	assert.True(t, snap.WasDirty)
	assert.Equal(t, "edited", snap.Title)

	// Snapshot clears the flag optimistically.
	snap = e.Snapshot(false)
	assert.False(t, snap.WasDirty)

	// A failed persist re-marks it for the retry cycle.
	e.MarkDirty()
	snap = e.Snapshot(false)
	assert.True(t, snap.WasDirty)
}

func TestSnapshotSkipState(t *testing.T) {
	st, _ := newTestStore(map[string]*models.Page{
		"p1": {ID: "p1", Content: "<p>body</p>"},
	})

	e, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	require.NoError(t, e.ApplyUpdate(makeDelta(t, "t")))

	snap := e.Snapshot(true)
	assert.Nil(t, snap.State)
	assert.Contains(t, snap.HTML, "body")
}

func TestEvictFlushesFirst(t *testing.T) {
	st, _ := newTestStore(map[string]*models.Page{
		"p1": {ID: "p1", Content: ""},
	})

	var flushed []string
	st.SetFlushFunc(func(_ context.Context, pageID string) error {
		flushed = append(flushed, pageID)
		return nil
	})

	_, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)

	st.Evict(context.Background(), "p1")
	assert.Equal(t, []string{"p1"}, flushed)

	_, ok := st.Peek("p1")
	assert.False(t, ok)
}

func TestEvictKeepsEntryWhenFlushFails(t *testing.T) {
	st, _ := newTestStore(map[string]*models.Page{
		"p1": {ID: "p1", Content: ""},
	})

	var mu sync.Mutex
	failing := true
	st.SetFlushFunc(func(_ context.Context, _ string) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return errors.New("db unavailable")
		}
		return nil
	})

	_, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)

	// A failed flush must not drop the only copy of the pending write.
	st.Evict(context.Background(), "p1")
	_, ok := st.Peek("p1")
	assert.True(t, ok)

	mu.Lock()
	failing = false
	mu.Unlock()

	st.Evict(context.Background(), "p1")
	_, ok = st.Peek("p1")
	assert.False(t, ok)
}

func TestIdleSweepEvicts(t *testing.T) {
	fp := &fakePages{pages: map[string]*models.Page{"p1": {ID: "p1", Content: ""}}}
	st := New(fp, 10*time.Millisecond, 10*time.Millisecond)

	var mu sync.Mutex
	var flushed []string
	st.SetFlushFunc(func(_ context.Context, pageID string) error {
		mu.Lock()
		flushed = append(flushed, pageID)
		mu.Unlock()
		return nil
	})

	_, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)

	st.Start()
	defer st.Shutdown(context.Background())

	assert.Eventually(t, func() bool {
		_, ok := st.Peek("p1")
		return !ok
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, flushed, "p1")
}

func TestIdleSweepSkipsDocsInUse(t *testing.T) {
	fp := &fakePages{pages: map[string]*models.Page{"p1": {ID: "p1", Content: ""}}}
	st := New(fp, 10*time.Millisecond, 10*time.Millisecond)

	var mu sync.Mutex
	subscribed := true
	st.SetInUseFunc(func(string) bool {
		mu.Lock()
		defer mu.Unlock()
		return subscribed
	})

	_, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)

	st.Start()
	defer st.Shutdown(context.Background())

	// Idle far past the timeout but still subscribed: the document stays.
	time.Sleep(60 * time.Millisecond)
	_, ok := st.Peek("p1")
	assert.True(t, ok)

	mu.Lock()
	subscribed = false
	mu.Unlock()

	assert.Eventually(t, func() bool {
		_, ok := st.Peek("p1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestShutdownFlushesAll(t *testing.T) {
	st, _ := newTestStore(map[string]*models.Page{
		"p1": {ID: "p1", Content: ""},
		"p2": {ID: "p2", Content: ""},
	})

	var mu sync.Mutex
	flushed := make(map[string]bool)
	st.SetFlushFunc(func(_ context.Context, pageID string) error {
		mu.Lock()
		flushed[pageID] = true
		mu.Unlock()
		return nil
	})

	_, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	_, err = st.Acquire(context.Background(), "p2")
	require.NoError(t, err)

	st.Shutdown(context.Background())

	assert.True(t, flushed["p1"])
	assert.True(t, flushed["p2"])
}
