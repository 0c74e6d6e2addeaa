package client

import "sync"

// ResyncController tracks which pages need a full-state exchange instead of
// incremental deltas. A page is flagged when a delta fails to apply, fails to
// send, exceeds the size cap, or after a reconnect; the flag clears only once
// a full state has actually been delivered.
type ResyncController struct {
	mu     sync.Mutex
	needed map[string]bool
}

// NewResyncController creates an empty controller.
func NewResyncController() *ResyncController {
	return &ResyncController{needed: make(map[string]bool)}
}

// MarkNeeded flags a page for full-state resync.
func (r *ResyncController) MarkNeeded(pageID string) {
	r.mu.Lock()
	r.needed[pageID] = true
	r.mu.Unlock()
}

// Clear drops the flag after a successful full-state send.
func (r *ResyncController) Clear(pageID string) {
	r.mu.Lock()
	delete(r.needed, pageID)
	r.mu.Unlock()
}

// Needed reports whether a page is flagged.
func (r *ResyncController) Needed(pageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.needed[pageID]
}

// Pages snapshots the flagged page ids.
func (r *ResyncController) Pages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.needed))
	for id := range r.needed {
		out = append(out, id)
	}
	return out
}
