package store

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/RichardCYang/NTEOK-sub001/internal/crdt"
	"github.com/RichardCYang/NTEOK-sub001/internal/models"
)

// PageSource is what the store needs from page persistence.
type PageSource interface {
	GetByID(ctx context.Context, id string) (*models.Page, error)
}

// FlushFunc persists a page synchronously. Installed by the wiring layer so
// eviction can flush without the store depending on the writer.
type FlushFunc func(ctx context.Context, pageID string) error

// InUseFunc reports whether a page still has live subscribers. Installed by
// the hub so the idle sweep never evicts a document someone is editing.
type InUseFunc func(pageID string) bool

// Entry is one live document. All apply/snapshot operations for a page
// serialize through its mutex; operations on different pages run in parallel.
type Entry struct {
	PageID    string
	SpaceID   string
	OwnerID   string
	Encrypted bool

	mu  sync.Mutex
	doc *crdt.Document

	lastAccess time.Time
	dirty      bool

	once    sync.Once
	loadErr error
}

// Snapshot is the point-in-time view handed to the persistence writer.
type Snapshot struct {
	PageID      string
	SpaceID     string
	OwnerID     string
	Encrypted   bool
	State       []byte // full CRDT save; ciphertext blob for encrypted pages
	HTML        string // derived snapshot; empty for encrypted pages
	Title       string
	Icon        string
	SortOrder   int
	ParentID    string
	ApproxSize  int64
	WasDirty    bool
}

// Store is the in-memory cache of live documents keyed by page id. A page is
// never loaded twice concurrently: the index insert is atomic and the load
// itself runs under the entry's sync.Once.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry

	pages PageSource
	flush FlushFunc
	inUse InUseFunc

	idleTimeout   time.Duration
	sweepInterval time.Duration

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a document store. Call Start to run the eviction sweep and
// SetFlushFunc before Start so evictions can flush.
func New(pages PageSource, idleTimeout, sweepInterval time.Duration) *Store {
	return &Store{
		entries:       make(map[string]*Entry),
		pages:         pages,
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		done:          make(chan struct{}),
	}
}

// SetFlushFunc installs the synchronous persistence hook used before eviction.
func (s *Store) SetFlushFunc(f FlushFunc) {
	s.flush = f
}

// SetInUseFunc installs the subscriber check consulted by the idle sweep.
// Call before Start.
func (s *Store) SetInUseFunc(f InUseFunc) {
	s.inUse = f
}

// Acquire returns the live document for a page, loading it on first use. The
// initial state comes from the persisted CRDT blob when present; otherwise
// the node tree is seeded from the legacy HTML snapshot exactly once.
func (s *Store) Acquire(ctx context.Context, pageID string) (*Entry, error) {
	s.mu.Lock()
	e, ok := s.entries[pageID]
	if !ok {
		e = &Entry{PageID: pageID, lastAccess: time.Now()}
		s.entries[pageID] = e
	}
	s.mu.Unlock()

	e.once.Do(func() {
		e.loadErr = s.load(ctx, e)
	})
	if e.loadErr != nil {
		// A failed load must not poison the slot forever.
		s.mu.Lock()
		if s.entries[pageID] == e {
			delete(s.entries, pageID)
		}
		s.mu.Unlock()
		return nil, e.loadErr
	}

	e.Touch()
	return e, nil
}

func (s *Store) load(ctx context.Context, e *Entry) error {
	page, err := s.pages.GetByID(ctx, e.PageID)
	if err != nil {
		return err
	}

	e.SpaceID = page.SpaceID
	e.OwnerID = page.OwnerID
	e.Encrypted = page.Encrypted

	if page.Encrypted {
		e.doc = crdt.NewEncrypted(page.YjsState)
		e.doc.SetApproxSize(int64(len(page.YjsState)))
		return nil
	}

	var doc *crdt.Document
	if len(page.YjsState) > 0 {
		doc, err = crdt.LoadState(page.YjsState)
		if err != nil {
			return err
		}
	} else {
		doc = crdt.New()
		if err := doc.SeedFromHTML(page.Content); err != nil {
			return err
		}
	}

	// Row metadata becomes document metadata so it replicates to every
	// editor. Only fill fields the document does not carry yet.
	if doc.Meta(crdt.MetaTitle) == "" && page.Title != "" {
		if err := doc.SetMeta(crdt.MetaTitle, page.Title); err != nil {
			return err
		}
	}
	if doc.Meta(crdt.MetaIcon) == "" && page.Icon != "" {
		if err := doc.SetMeta(crdt.MetaIcon, page.Icon); err != nil {
			return err
		}
	}
	if doc.MetaInt(crdt.MetaSortOrder) == 0 && page.SortOrder != 0 {
		if err := doc.SetMetaInt(crdt.MetaSortOrder, int64(page.SortOrder)); err != nil {
			return err
		}
	}
	if doc.Meta(crdt.MetaParentID) == "" && page.ParentID != "" {
		if err := doc.SetMeta(crdt.MetaParentID, page.ParentID); err != nil {
			return err
		}
	}

	doc.SetApproxSize(int64(len(page.YjsState)) + int64(len(page.Content)))
	e.doc = doc
	return nil
}

// Peek returns the entry if the page is live, without loading.
func (s *Store) Peek(pageID string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[pageID]
	if !ok || e.loadErr != nil {
		return nil, false
	}
	return e, true
}

// Remove drops a page from the cache without flushing. Used by the
// collab-reset path after its own best-effort flush.
func (s *Store) Remove(pageID string) {
	s.mu.Lock()
	delete(s.entries, pageID)
	s.mu.Unlock()
}

// Evict flushes a page and drops it from the cache. When the flush fails the
// entry stays so the pending write is not lost; the next sweep or flush
// retries it.
func (s *Store) Evict(ctx context.Context, pageID string) {
	if s.flush != nil {
		if err := s.flush(ctx, pageID); err != nil {
			log.Printf("⚠️  Flush before eviction failed for page %s: %v", pageID, err)
			return
		}
	}
	s.Remove(pageID)
}

// Start runs the periodic eviction sweep.
func (s *Store) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *Store) sweep() {
	cutoff := time.Now().Add(-s.idleTimeout)

	s.mu.Lock()
	stale := make([]string, 0)
	for id, e := range s.entries {
		if !e.LastAccess().Before(cutoff) {
			continue
		}
		if s.inUse != nil && s.inUse(id) {
			continue
		}
		stale = append(stale, id)
	}
	s.mu.Unlock()

	for _, id := range stale {
		log.Printf("  Evicting idle document %s", id)
		s.Evict(context.Background(), id)
	}
}

// Shutdown stops the sweep and flushes every live document.
func (s *Store) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Evict(ctx, id)
	}
}

// Entry methods. Each takes the entry lock so deltas for one page are applied
// strictly in arrival order.

// Touch marks the entry as recently used.
func (e *Entry) Touch() {
	e.mu.Lock()
	e.lastAccess = time.Now()
	e.mu.Unlock()
}

// LastAccess returns the last-use timestamp.
func (e *Entry) LastAccess() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAccess
}

// ApplyUpdate merges a delta into the live document.
func (e *Entry) ApplyUpdate(delta []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.doc.ApplyUpdate(delta); err != nil {
		return err
	}
	e.lastAccess = time.Now()
	e.dirty = true
	return nil
}

// ApplyState merges a full remote state into the live document.
func (e *Entry) ApplyState(full []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.doc.ApplyState(full); err != nil {
		return err
	}
	e.lastAccess = time.Now()
	e.dirty = true
	return nil
}

// ApplyCipherUpdate accounts for a relayed E2EE delta the server cannot read.
func (e *Entry) ApplyCipherUpdate(size int64) {
	e.mu.Lock()
	e.doc.AddApproxSize(size)
	e.lastAccess = time.Now()
	e.mu.Unlock()
}

// SetCipherState replaces the ciphertext blob of an E2EE page.
func (e *Entry) SetCipherState(cipher []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.doc.SetCipherState(cipher); err != nil {
		return err
	}
	e.lastAccess = time.Now()
	e.dirty = true
	return nil
}

// SaveState encodes the current full state for init/resync messages.
func (e *Entry) SaveState() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.SaveState()
}

// ApproxSize is the running size estimate used by the DoS guard.
func (e *Entry) ApproxSize() int64 {
	return e.doc.ApproxSize()
}

// MarkDirty re-flags unsaved changes after a failed persistence attempt so
// the retry actually writes.
func (e *Entry) MarkDirty() {
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
}

// Snapshot produces the persistence view. skipState omits the expensive CRDT
// encode (the HTML-only degradation for oversized documents). The dirty flag
// is cleared optimistically; the writer re-marks it on failure via Schedule.
func (e *Entry) Snapshot(skipState bool) *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := &Snapshot{
		PageID:     e.PageID,
		SpaceID:    e.SpaceID,
		OwnerID:    e.OwnerID,
		Encrypted:  e.Encrypted,
		ApproxSize: e.doc.ApproxSize(),
		WasDirty:   e.dirty,
	}
	e.dirty = false

	if e.Encrypted {
		snap.State = e.doc.SaveState()
		return snap
	}

	snap.Title = e.doc.Meta(crdt.MetaTitle)
	snap.Icon = e.doc.Meta(crdt.MetaIcon)
	snap.SortOrder = int(e.doc.MetaInt(crdt.MetaSortOrder))
	snap.ParentID = e.doc.Meta(crdt.MetaParentID)

	if html, err := e.doc.RenderHTML(); err == nil {
		snap.HTML = html
	} else {
		log.Printf("⚠️  Failed to render snapshot for page %s: %v", e.PageID, err)
	}

	if !skipState {
		snap.State = e.doc.SaveState()
	}

	return snap
}
