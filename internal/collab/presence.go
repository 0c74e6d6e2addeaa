package collab

import (
	"sync"
	"time"

	"github.com/RichardCYang/NTEOK-sub001/internal/models"
)

// presenceEntry is the merged ephemeral state of one user on one page. Each
// field merges last-writer-wins on (timestamp, seq); seq is a per-connection
// monotonic counter breaking wall-clock ties between clients.
type presenceEntry struct {
	sessionID string
	color     string

	cursor    *models.CursorRange
	cursorTS  int64
	cursorSeq uint64

	mode    string
	modeTS  int64
	modeSeq uint64

	updatedAt int64
	seq       uint64
}

// Relay merges and fans out presence (awareness) state. Nothing here is ever
// persisted. Updates coalesce into at most one broadcast per throttle window
// per page; removals broadcast immediately so stale cursors never linger.
type Relay struct {
	mu       sync.Mutex
	pages    map[string]map[string]*presenceEntry // pageID -> userID -> state
	pending  map[string]bool
	throttle time.Duration

	broadcast func(pageID string, states []models.PresenceState)
}

// NewRelay creates a presence relay with the given coalescing interval.
func NewRelay(throttle time.Duration) *Relay {
	return &Relay{
		pages:    make(map[string]map[string]*presenceEntry),
		pending:  make(map[string]bool),
		throttle: throttle,
	}
}

// SetBroadcast installs the fan-out callback. Must be set before use.
func (r *Relay) SetBroadcast(f func(pageID string, states []models.PresenceState)) {
	r.mu.Lock()
	r.broadcast = f
	r.mu.Unlock()
}

func newerThan(ts int64, seq uint64, oldTS int64, oldSeq uint64) bool {
	if ts != oldTS {
		return ts > oldTS
	}
	return seq >= oldSeq
}

// Merge applies the changed fields of an awareness update. When the same
// user is present from two connections, only the most recently updated one
// survives; the older connection's entry is taken over rather than merged.
func (r *Relay) Merge(pageID, userID, sessionID, color string, upd *models.AwarenessPayload) {
	r.mu.Lock()

	users := r.pages[pageID]
	if users == nil {
		users = make(map[string]*presenceEntry)
		r.pages[pageID] = users
	}

	e := users[userID]
	if e == nil {
		e = &presenceEntry{sessionID: sessionID, color: color}
		users[userID] = e
	}

	if e.sessionID != sessionID {
		// Duplicate session for the same user. Keep whichever updated last.
		if !newerThan(upd.Timestamp, upd.Seq, e.updatedAt, e.seq) {
			r.mu.Unlock()
			return
		}
		e.sessionID = sessionID
		e.color = color
	}

	if upd.Cursor != nil && newerThan(upd.Timestamp, upd.Seq, e.cursorTS, e.cursorSeq) {
		e.cursor = upd.Cursor
		e.cursorTS = upd.Timestamp
		e.cursorSeq = upd.Seq
	}
	if upd.Mode != "" && newerThan(upd.Timestamp, upd.Seq, e.modeTS, e.modeSeq) {
		e.mode = upd.Mode
		e.modeTS = upd.Timestamp
		e.modeSeq = upd.Seq
	}
	if newerThan(upd.Timestamp, upd.Seq, e.updatedAt, e.seq) {
		e.updatedAt = upd.Timestamp
		e.seq = upd.Seq
	}

	r.scheduleLocked(pageID)
	r.mu.Unlock()
}

// Remove clears a user's presence on a page and broadcasts immediately.
// Explicit removal, not merge: loss of focus, read-only switch, and
// disconnect all end here.
func (r *Relay) Remove(pageID, userID string) {
	r.mu.Lock()
	users, ok := r.pages[pageID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := users[userID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(r.pages, pageID)
	}
	states := r.statesLocked(pageID)
	f := r.broadcast
	r.mu.Unlock()

	if f != nil {
		f(pageID, states)
	}
}

// RemoveSession clears a user's presence only if it is owned by the given
// connection, so an old tab's disconnect cannot wipe the new tab's cursor.
func (r *Relay) RemoveSession(pageID, userID, sessionID string) {
	r.mu.Lock()
	users, ok := r.pages[pageID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e, ok := users[userID]
	if !ok || e.sessionID != sessionID {
		r.mu.Unlock()
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(r.pages, pageID)
	}
	states := r.statesLocked(pageID)
	f := r.broadcast
	r.mu.Unlock()

	if f != nil {
		f(pageID, states)
	}
}

// States snapshots the merged presence of a page.
func (r *Relay) States(pageID string) []models.PresenceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statesLocked(pageID)
}

func (r *Relay) statesLocked(pageID string) []models.PresenceState {
	users := r.pages[pageID]
	out := make([]models.PresenceState, 0, len(users))
	for userID, e := range users {
		out = append(out, models.PresenceState{
			UserID:    userID,
			Color:     e.color,
			Cursor:    e.cursor,
			Mode:      e.mode,
			UpdatedAt: e.updatedAt,
		})
	}
	return out
}

// ClearPage drops all presence for a page (collab reset, eviction).
func (r *Relay) ClearPage(pageID string) {
	r.mu.Lock()
	delete(r.pages, pageID)
	delete(r.pending, pageID)
	r.mu.Unlock()
}

func (r *Relay) scheduleLocked(pageID string) {
	if r.pending[pageID] || r.broadcast == nil {
		return
	}
	r.pending[pageID] = true
	time.AfterFunc(r.throttle, func() {
		r.mu.Lock()
		delete(r.pending, pageID)
		states := r.statesLocked(pageID)
		f := r.broadcast
		r.mu.Unlock()

		if f != nil {
			f(pageID, states)
		}
	})
}
