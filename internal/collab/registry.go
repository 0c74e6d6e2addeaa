package collab

import (
	"errors"
	"sync"
	"time"

	"github.com/RichardCYang/NTEOK-sub001/internal/models"
)

// ErrConnectionLimit is returned at accept time when a source IP or auth
// session already holds its maximum number of connections.
var ErrConnectionLimit = errors.New("connection limit exceeded")

// Record is one (page, connection) subscription: the socket plus the identity
// and permission resolved at subscribe time. The registry hands out copies;
// mutation happens only under the registry lock.
type Record struct {
	Session   *Session
	UserID    string
	Color     string
	Role      models.Role
	SpaceID   string
	CheckedAt time.Time
}

// Registry tracks live connections indexed by page, by space, and by user,
// and enforces the per-IP / per-session connection caps. It is the only
// mutable structure shared across documents, so every access is under the
// mutex.
type Registry struct {
	mu sync.Mutex

	byPage  map[string]map[*Session]*Record
	bySpace map[string]map[*Session]bool
	byUser  map[string]map[*Session]bool

	byIP  map[string]int
	bySID map[string]int

	maxPerIP  int
	maxPerSID int
}

// NewRegistry creates a connection registry with the given accept-time caps.
func NewRegistry(maxPerIP, maxPerSID int) *Registry {
	return &Registry{
		byPage:    make(map[string]map[*Session]*Record),
		bySpace:   make(map[string]map[*Session]bool),
		byUser:    make(map[string]map[*Session]bool),
		byIP:      make(map[string]int),
		bySID:     make(map[string]int),
		maxPerIP:  maxPerIP,
		maxPerSID: maxPerSID,
	}
}

// AcceptConn reserves a connection slot for the given source IP and auth
// session, or refuses when either cap is hit.
func (r *Registry) AcceptConn(ip, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxPerIP > 0 && r.byIP[ip] >= r.maxPerIP {
		return ErrConnectionLimit
	}
	if r.maxPerSID > 0 && r.bySID[sessionID] >= r.maxPerSID {
		return ErrConnectionLimit
	}

	r.byIP[ip]++
	r.bySID[sessionID]++
	return nil
}

// ReleaseConn frees the accept-time slot. The session's close-once teardown
// guarantees it runs exactly once per accepted connection.
func (r *Registry) ReleaseConn(ip, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byIP[ip] > 0 {
		if r.byIP[ip]--; r.byIP[ip] == 0 {
			delete(r.byIP, ip)
		}
	}
	if r.bySID[sessionID] > 0 {
		if r.bySID[sessionID]--; r.bySID[sessionID] == 0 {
			delete(r.bySID, sessionID)
		}
	}
}

// SubscribePage registers a page subscription. If the same user already holds
// a subscription to this page from another connection, that older session is
// returned so the caller can close it: two tabs must not diverge
// independently.
func (r *Registry) SubscribePage(pageID string, rec Record) (evict *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.byPage[pageID]
	if subs == nil {
		subs = make(map[*Session]*Record)
		r.byPage[pageID] = subs
	}

	for sess, existing := range subs {
		if existing.UserID == rec.UserID && sess != rec.Session {
			delete(subs, sess)
			sess.forgetPage(pageID)
			evict = sess
			break
		}
	}

	stored := rec
	subs[rec.Session] = &stored
	rec.Session.rememberPage(pageID)
	return evict
}

// UnsubscribePage removes a page subscription. Idempotent: a second call for
// the same pair reports ok=false.
func (r *Registry) UnsubscribePage(pageID string, s *Session) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribePageLocked(pageID, s)
}

func (r *Registry) unsubscribePageLocked(pageID string, s *Session) (Record, bool) {
	subs, ok := r.byPage[pageID]
	if !ok {
		return Record{}, false
	}
	rec, ok := subs[s]
	if !ok {
		return Record{}, false
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(r.byPage, pageID)
	}
	s.forgetPage(pageID)
	return *rec, true
}

// RecordFor returns a copy of the subscription record for a (page, session)
// pair.
func (r *Registry) RecordFor(pageID string, s *Session) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byPage[pageID][s]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// UpdateRole refreshes a record's cached permission after a re-validation.
func (r *Registry) UpdateRole(pageID string, s *Session, role models.Role, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byPage[pageID][s]; ok {
		rec.Role = role
		rec.CheckedAt = at
	}
}

// PageSubscribers snapshots the current subscribers of a page.
func (r *Registry) PageSubscribers(pageID string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.byPage[pageID]
	out := make([]Record, 0, len(subs))
	for _, rec := range subs {
		out = append(out, *rec)
	}
	return out
}

// PageCount returns how many connections are subscribed to a page.
func (r *Registry) PageCount(pageID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPage[pageID])
}

// SubscribeSpace registers a space-level subscription (page tree updates).
func (r *Registry) SubscribeSpace(spaceID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bySpace[spaceID] == nil {
		r.bySpace[spaceID] = make(map[*Session]bool)
	}
	r.bySpace[spaceID][s] = true
	s.rememberSpace(spaceID)
}

// UnsubscribeSpace removes a space-level subscription. Idempotent.
func (r *Registry) UnsubscribeSpace(spaceID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeSpaceLocked(spaceID, s)
}

func (r *Registry) unsubscribeSpaceLocked(spaceID string, s *Session) {
	if subs, ok := r.bySpace[spaceID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(r.bySpace, spaceID)
		}
	}
	s.forgetSpace(spaceID)
}

// SpaceSubscribers snapshots the space-level subscribers.
func (r *Registry) SpaceSubscribers(spaceID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.bySpace[spaceID]
	out := make([]*Session, 0, len(subs))
	for s := range subs {
		out = append(out, s)
	}
	return out
}

// SubscribeUser registers a user-channel subscription (account-level events).
func (r *Registry) SubscribeUser(userID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[*Session]bool)
	}
	r.byUser[userID][s] = true
}

// UserSessions snapshots the sessions subscribed to a user channel.
func (r *Registry) UserSessions(userID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.byUser[userID]
	out := make([]*Session, 0, len(subs))
	for s := range subs {
		out = append(out, s)
	}
	return out
}

// StaleRecords returns copies of the page subscriptions whose permission
// check is older than the TTL. The gate refresh loop re-validates these.
func (r *Registry) StaleRecords(ttl time.Duration) map[string][]Record {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	stale := make(map[string][]Record)
	for pageID, subs := range r.byPage {
		for _, rec := range subs {
			if rec.CheckedAt.Before(cutoff) {
				stale[pageID] = append(stale[pageID], *rec)
			}
		}
	}
	return stale
}

// DropSession removes a closing connection from every index exactly once and
// returns the page ids it was subscribed to. Idempotent teardown keeps the
// connection-cap accounting honest.
func (r *Registry) DropSession(s *Session) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	pages := s.subscribedPages()
	for _, pageID := range pages {
		r.unsubscribePageLocked(pageID, s)
	}
	for _, spaceID := range s.subscribedSpaces() {
		r.unsubscribeSpaceLocked(spaceID, s)
	}
	if subs, ok := r.byUser[s.UserID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	return pages
}
