package persist

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/RichardCYang/NTEOK-sub001/internal/crdt"
	"github.com/RichardCYang/NTEOK-sub001/internal/middleware"
	"github.com/RichardCYang/NTEOK-sub001/internal/models"
	"github.com/RichardCYang/NTEOK-sub001/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

// PageMutator is what the writer needs from page persistence.
type PageMutator interface {
	Persist(ctx context.Context, id string, p *models.PagePersist) error
	PersistState(ctx context.Context, id string, state []byte) error
}

// AttachmentCleaner garbage-collects attachment files no longer referenced by
// a page's snapshot, scoped to the page owner's namespace.
type AttachmentCleaner interface {
	DeleteUnreferenced(ctx context.Context, pageID, ownerID string, referenced map[string]bool) error
}

// SanitizeFunc cleans a derived HTML snapshot before it is persisted. The
// policy itself is owned by the HTML pipeline; the writer just invokes it.
type SanitizeFunc func(string) string

// Writer is the debounced, best-effort persistence writer. Each page carries
// its own debounce timer which is reset, never stacked, by Schedule. Write
// errors are logged and retried on the next cycle; they never block the
// in-memory apply/broadcast path.
type Writer struct {
	store       *store.Store
	pages       PageMutator
	attachments AttachmentCleaner
	sanitize    SanitizeFunc

	debounce    time.Duration
	stateCap    int64
	filesPrefix string

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New creates a persistence writer.
func New(st *store.Store, pages PageMutator, attachments AttachmentCleaner, sanitize SanitizeFunc, debounce time.Duration, stateCap int64) *Writer {
	if sanitize == nil {
		sanitize = func(s string) string { return s }
	}
	return &Writer{
		store:       st,
		pages:       pages,
		attachments: attachments,
		sanitize:    sanitize,
		debounce:    debounce,
		stateCap:    stateCap,
		filesPrefix: "/files/",
		timers:      make(map[string]*time.Timer),
	}
}

// Schedule (re)starts the page's debounce timer. A burst of deltas inside one
// window produces exactly one write containing their cumulative result.
func (w *Writer) Schedule(pageID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if t, ok := w.timers[pageID]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[pageID] = time.AfterFunc(w.debounce, func() {
		w.fire(pageID)
	})
}

func (w *Writer) fire(pageID string) {
	w.mu.Lock()
	delete(w.timers, pageID)
	w.mu.Unlock()

	if err := w.persist(context.Background(), pageID, false); err != nil {
		log.Printf("⚠️  Persist failed for page %s: %v (will retry)", pageID, err)
		w.Schedule(pageID)
	}
}

// Flush persists a page synchronously, cancelling any pending timer. Used
// when the last subscriber leaves, on force-save, and during shutdown.
func (w *Writer) Flush(ctx context.Context, pageID string) error {
	w.mu.Lock()
	if t, ok := w.timers[pageID]; ok {
		t.Stop()
		delete(w.timers, pageID)
	}
	w.mu.Unlock()

	return w.persist(ctx, pageID, false)
}

// FlushHTMLOnly persists just the derived snapshot, skipping the CRDT encode.
// This is the degradation path when a document blows past the size cap.
func (w *Writer) FlushHTMLOnly(ctx context.Context, pageID string) error {
	w.mu.Lock()
	if t, ok := w.timers[pageID]; ok {
		t.Stop()
		delete(w.timers, pageID)
	}
	w.mu.Unlock()

	return w.persist(ctx, pageID, true)
}

func (w *Writer) persist(ctx context.Context, pageID string, htmlOnly bool) error {
	entry, ok := w.store.Peek(pageID)
	if !ok {
		return nil
	}

	ctx, span := middleware.StartSpan(ctx, "Persist.Write",
		attribute.String("page.id", pageID),
		attribute.Bool("persist.html_only", htmlOnly),
	)
	defer span.End()

	if entry.Encrypted {
		// Ciphertext flows through verbatim. No HTML derivation, no
		// plaintext, ever.
		snap := entry.Snapshot(false)
		if !snap.WasDirty {
			return nil
		}
		if err := w.pages.PersistState(ctx, pageID, snap.State); err != nil {
			middleware.AddSpanError(ctx, err)
			entry.MarkDirty()
			return err
		}
		return nil
	}

	skipState := htmlOnly || entry.ApproxSize() > w.stateCap
	snap := entry.Snapshot(skipState)
	if !snap.WasDirty {
		return nil
	}

	html := w.sanitize(snap.HTML)
	p := &models.PagePersist{
		Title:     snap.Title,
		Content:   html,
		State:     snap.State,
		Icon:      snap.Icon,
		SortOrder: snap.SortOrder,
		ParentID:  snap.ParentID,
	}
	if err := w.pages.Persist(ctx, pageID, p); err != nil {
		middleware.AddSpanError(ctx, err)
		// Snapshot cleared the dirty flag optimistically; put it back so the
		// pending write survives for the next flush or debounce cycle.
		entry.MarkDirty()
		return err
	}

	if w.attachments != nil {
		refs := crdt.ExtractFileRefs(html, w.filesPrefix)
		if err := w.attachments.DeleteUnreferenced(ctx, pageID, snap.OwnerID, refs); err != nil {
			// Cleanup failure leaves orphans for the next write; the page
			// itself persisted fine.
			log.Printf("⚠️  Attachment cleanup failed for page %s: %v", pageID, err)
		}
	}

	return nil
}

// Close stops all timers and flushes everything still pending.
func (w *Writer) Close(ctx context.Context) {
	w.mu.Lock()
	w.closed = true
	pending := make([]string, 0, len(w.timers))
	for id, t := range w.timers {
		t.Stop()
		pending = append(pending, id)
	}
	w.timers = make(map[string]*time.Timer)
	w.mu.Unlock()

	for _, id := range pending {
		if err := w.persist(ctx, id, false); err != nil {
			log.Printf("⚠️  Final persist failed for page %s: %v", id, err)
		}
	}
}
