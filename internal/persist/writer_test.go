package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RichardCYang/NTEOK-sub001/internal/crdt"
	"github.com/RichardCYang/NTEOK-sub001/internal/models"
	"github.com/RichardCYang/NTEOK-sub001/internal/repository"
	"github.com/RichardCYang/NTEOK-sub001/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePages struct {
	mu    sync.Mutex
	pages map[string]*models.Page

	persists      []*models.PagePersist
	statePersists [][]byte
	failNext      bool
}

func (f *fakePages) GetByID(_ context.Context, id string) (*models.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pages[id]; ok {
		return p, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakePages) Persist(_ context.Context, _ string, p *models.PagePersist) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("db unavailable")
	}
	f.persists = append(f.persists, p)
	return nil
}

func (f *fakePages) PersistState(_ context.Context, _ string, state []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statePersists = append(f.statePersists, state)
	return nil
}

func (f *fakePages) persistCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.persists)
}

func (f *fakePages) lastPersist() *models.PagePersist {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.persists) == 0 {
		return nil
	}
	return f.persists[len(f.persists)-1]
}

type fakeCleaner struct {
	mu    sync.Mutex
	calls []map[string]bool
}

func (f *fakeCleaner) DeleteUnreferenced(_ context.Context, _, _ string, referenced map[string]bool) error {
	f.mu.Lock()
	f.calls = append(f.calls, referenced)
	f.mu.Unlock()
	return nil
}

func setup(t *testing.T, page *models.Page, debounce time.Duration, stateCap int64) (*Writer, *store.Store, *fakePages, *fakeCleaner) {
	t.Helper()
	fp := &fakePages{pages: map[string]*models.Page{page.ID: page}}
	fc := &fakeCleaner{}

	st := store.New(fp, time.Hour, time.Hour)
	w := New(st, fp, fc, crdt.SanitizeHTML, debounce, stateCap)
	st.SetFlushFunc(w.Flush)
	return w, st, fp, fc
}

func makeDelta(t *testing.T, title string) []byte {
	t.Helper()
	d := crdt.New()
	require.NoError(t, d.SetMeta(crdt.MetaTitle, title))
	delta, err := d.SaveUpdate()
	require.NoError(t, err)
	return delta
}

func TestDebounceCoalescesBurst(t *testing.T) {
	w, st, fp, _ := setup(t, &models.Page{ID: "p1", OwnerID: "u1", Content: ""}, 30*time.Millisecond, 1<<20)
	defer w.Close(context.Background())

	e, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)

	// Three deltas inside one debounce window produce exactly one write
	// carrying the cumulative result.
	require.NoError(t, e.ApplyUpdate(makeDelta(t, "a")))
	w.Schedule("p1")
	require.NoError(t, e.ApplyUpdate(makeDelta(t, "ab")))
	w.Schedule("p1")
	require.NoError(t, e.ApplyUpdate(makeDelta(t, "abc")))
	w.Schedule("p1")

	assert.Eventually(t, func() bool { return fp.persistCount() == 1 }, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, fp.persistCount())
	assert.NotEmpty(t, fp.lastPersist().State)
}

func TestFlushWritesImmediately(t *testing.T) {
	w, st, fp, _ := setup(t, &models.Page{ID: "p1", Content: ""}, time.Hour, 1<<20)

	e, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	require.NoError(t, e.ApplyUpdate(makeDelta(t, "now")))
	w.Schedule("p1")

	require.NoError(t, w.Flush(context.Background(), "p1"))
	assert.Equal(t, 1, fp.persistCount())
	assert.Equal(t, "now", fp.lastPersist().Title)

	// The pending timer was cancelled; nothing fires later.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fp.persistCount())
}

func TestCleanFlushSkipsWrite(t *testing.T) {
	w, st, fp, _ := setup(t, &models.Page{ID: "p1", Content: ""}, time.Hour, 1<<20)

	_, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)

	require.NoError(t, w.Flush(context.Background(), "p1"))
	assert.Equal(t, 0, fp.persistCount())
}

func TestFailedPersistRetries(t *testing.T) {
	w, st, fp, _ := setup(t, &models.Page{ID: "p1", Content: ""}, 20*time.Millisecond, 1<<20)
	defer w.Close(context.Background())

	e, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	require.NoError(t, e.ApplyUpdate(makeDelta(t, "retry me")))

	fp.mu.Lock()
	fp.failNext = true
	fp.mu.Unlock()
	w.Schedule("p1")

	// The first attempt fails, the dirty flag is restored, and the rescheduled
	// cycle writes the same content.
	assert.Eventually(t, func() bool { return fp.persistCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "retry me", fp.lastPersist().Title)
}

func TestFailedFlushKeepsPendingWrite(t *testing.T) {
	w, st, fp, _ := setup(t, &models.Page{ID: "p1", Content: ""}, time.Hour, 1<<20)

	e, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	require.NoError(t, e.ApplyUpdate(makeDelta(t, "survives")))

	fp.mu.Lock()
	fp.failNext = true
	fp.mu.Unlock()

	require.Error(t, w.Flush(context.Background(), "p1"))
	assert.Equal(t, 0, fp.persistCount())

	// The dirty flag survived the failure; the next flush writes the content.
	require.NoError(t, w.Flush(context.Background(), "p1"))
	assert.Equal(t, 1, fp.persistCount())
	assert.Equal(t, "survives", fp.lastPersist().Title)
}

func TestOversizedStateDegradesToHTMLOnly(t *testing.T) {
	w, st, fp, _ := setup(t, &models.Page{ID: "p1", Content: "<p>big</p>"}, time.Hour, 1)

	e, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	require.NoError(t, e.ApplyUpdate(makeDelta(t, "huge")))

	require.NoError(t, w.Flush(context.Background(), "p1"))
	p := fp.lastPersist()
	require.NotNil(t, p)
	assert.Nil(t, p.State)
	assert.Contains(t, p.Content, "big")
}

func TestEncryptedPagePersistsCiphertextOnly(t *testing.T) {
	w, st, fp, fc := setup(t, &models.Page{ID: "p1", Encrypted: true, YjsState: []byte("v1")}, time.Hour, 1<<20)

	e, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	require.NoError(t, e.SetCipherState([]byte("v2 ciphertext")))

	require.NoError(t, w.Flush(context.Background(), "p1"))

	fp.mu.Lock()
	defer fp.mu.Unlock()
	assert.Empty(t, fp.persists)
	require.Len(t, fp.statePersists, 1)
	assert.Equal(t, []byte("v2 ciphertext"), fp.statePersists[0])
	assert.Empty(t, fc.calls)
}

func TestAttachmentCleanupGetsReferencedFiles(t *testing.T) {
	w, st, _, fc := setup(t, &models.Page{
		ID:      "p1",
		OwnerID: "u1",
		Content: `<p>doc</p><img src="/files/u1/keep.png">`,
	}, time.Hour, 1<<20)

	e, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	require.NoError(t, e.ApplyUpdate(makeDelta(t, "dirty")))

	require.NoError(t, w.Flush(context.Background(), "p1"))

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.calls, 1)
	assert.True(t, fc.calls[0]["keep.png"])
}

func TestCloseFlushesPending(t *testing.T) {
	w, st, fp, _ := setup(t, &models.Page{ID: "p1", Content: ""}, time.Hour, 1<<20)

	e, err := st.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	require.NoError(t, e.ApplyUpdate(makeDelta(t, "last words")))
	w.Schedule("p1")

	w.Close(context.Background())
	assert.Equal(t, 1, fp.persistCount())
	assert.Equal(t, "last words", fp.lastPersist().Title)

	// Schedule after close is a no-op.
	w.Schedule("p1")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, fp.persistCount())
}
