package collab

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RichardCYang/NTEOK-sub001/internal/config"
	"github.com/RichardCYang/NTEOK-sub001/internal/models"
	"github.com/RichardCYang/NTEOK-sub001/internal/persist"
	"github.com/RichardCYang/NTEOK-sub001/internal/store"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
)

// SessionAuthenticator resolves an auth session token (from the handshake
// cookie) to a user id. Implemented by the space repository.
type SessionAuthenticator interface {
	UserForSession(ctx context.Context, token string) (string, error)
}

// closeGrace gives the write pump a beat to deliver a final event before the
// connection is torn down.
const closeGrace = 200 * time.Millisecond

// Presence colors assigned round-robin at subscribe time.
var colorPalette = []string{
	"#f94144", "#f3722c", "#f8961e", "#f9c74f",
	"#90be6d", "#43aa8b", "#577590", "#9b5de5",
	"#f15bb5", "#00bbf9", "#00f5d4", "#fee440",
}

// Hub owns every live WebSocket connection and routes protocol messages
// between the registry, the document store, the persistence writer, the
// access gate, and the presence relay.
type Hub struct {
	cfg      *config.Config
	store    *store.Store
	writer   *persist.Writer
	registry *Registry
	gate     *Gate
	presence *Relay
	pages    store.PageSource
	auth     SessionAuthenticator

	upgrader      websocket.Upgrader
	colorIdx      uint64
	maxFrameBytes int64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub wires the collaboration hub. Call Start to run the permission
// refresh loop and Close on shutdown.
func NewHub(cfg *config.Config, st *store.Store, wr *persist.Writer, pages store.PageSource, perms PermissionSource, auth SessionAuthenticator) *Hub {
	h := &Hub{
		cfg:      cfg,
		store:    st,
		writer:   wr,
		registry: NewRegistry(cfg.MaxConnsPerIP, cfg.MaxConnsPerSID),
		gate:     NewGate(perms, cfg.PermissionTTL),
		presence: NewRelay(cfg.PresenceThrottle),
		pages:    pages,
		auth:     auth,
		done:     make(chan struct{}),
	}

	// The largest legal frame is a base64-encoded DeltaSizeCap payload plus
	// the JSON envelope around it. Anything bigger is cut off at the socket
	// before it is buffered.
	h.maxFrameBytes = (cfg.DeltaSizeCap*4)/3 + 4096

	// The eviction sweep must not drop a document that still has live
	// subscribers; the apply path does not reload.
	st.SetInUseFunc(func(pageID string) bool {
		return h.registry.PageCount(pageID) > 0
	})

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	h.presence.SetBroadcast(func(pageID string, states []models.PresenceState) {
		h.broadcastToPage(pageID, nil, models.EvtAwareness, models.AwarenessData{
			PageID:   pageID,
			Presence: states,
		})
	})

	return h
}

// Registry exposes the connection registry for wiring and tests.
func (h *Hub) Registry() *Registry { return h.registry }

// Gate exposes the access control gate (cache invalidation from the REST API).
func (h *Hub) Gate() *Gate { return h.gate }

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		if h.cfg.AllowNoOrigin {
			// Non-browser client; the session cookie still gates access.
			return true
		}
		log.Printf("⚠️  Rejected WebSocket handshake without Origin header")
		return false
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	log.Printf("⚠️  Rejected WebSocket origin %s", origin)
	return false
}

// Start runs the background permission refresh loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.cfg.PermissionTTL)
		defer ticker.Stop()

		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				h.refreshPermissions(context.Background())
			}
		}
	}()
}

// Close stops the background loops. Connections drain through their own
// read-pump teardown.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.done) })
	h.wg.Wait()
}

// HandleWS is the /ws endpoint: authenticates the handshake, enforces the
// connection caps, upgrades, and starts the session pumps.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(h.cfg.SessionCookie)
	if err != nil || cookie.Value == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	userID, err := h.auth.UserForSession(r.Context(), cookie.Value)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	if err := h.registry.AcceptConn(ip, cookie.Value); err != nil {
		log.Printf("⚠️  Connection refused for %s: %v", ip, err)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.registry.ReleaseConn(ip, cookie.Value)
		log.Printf("⚠️  WebSocket upgrade failed: %v", err)
		return
	}

	s := &Session{
		ID:          ksuid.New().String(),
		UserID:      userID,
		AuthID:      cookie.Value,
		IP:          ip,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, h.cfg.SendBufferSize),
		closeFrame:  make(chan []byte, 1),
		hub:         h,
		budgets:     newBudgets(h.cfg.RateWindow.Seconds(), h.cfg.MsgBudget, h.cfg.DeltaBudget, h.cfg.PresenceBudget),
		pages:       make(map[string]bool),
		spaces:      make(map[string]bool),
		closed:      make(chan struct{}),
	}

	go s.WritePump()
	go s.ReadPump(context.Background())

	s.SendEvent(models.EvtConnected, map[string]string{"sessionId": s.ID})
	log.Printf("✓ WebSocket connected: user %s (session %s)", userID, s.ID)
}

// handleDisconnect runs exactly once per connection, from the read pump's
// deferred teardown.
func (h *Hub) handleDisconnect(s *Session) {
	pages := h.registry.DropSession(s)
	for _, pageID := range pages {
		h.presence.RemoveSession(pageID, s.UserID, s.ID)
		h.broadcastToPage(pageID, nil, models.EvtUserLeft, models.UserEventData{
			PageID: pageID,
			UserID: s.UserID,
		})
		h.releasePage(pageID)
	}

	h.registry.ReleaseConn(s.IP, s.AuthID)
	log.Printf("✓ WebSocket disconnected: user %s (session %s)", s.UserID, s.ID)
}

// releasePage flushes and evicts a document once its last subscriber is gone.
func (h *Hub) releasePage(pageID string) {
	if h.registry.PageCount(pageID) > 0 {
		return
	}
	if err := h.writer.Flush(context.Background(), pageID); err != nil {
		log.Printf("⚠️  Flush on release failed for page %s: %v", pageID, err)
		return // keep the entry so the retry cycle can still persist it
	}
	if h.registry.PageCount(pageID) == 0 {
		h.store.Remove(pageID)
	}
}

func (h *Hub) nextColor() string {
	n := atomic.AddUint64(&h.colorIdx, 1)
	return colorPalette[int(n-1)%len(colorPalette)]
}

func (h *Hub) broadcastToPage(pageID string, except *Session, event string, data interface{}) {
	for _, rec := range h.registry.PageSubscribers(pageID) {
		if rec.Session != except {
			rec.Session.SendEvent(event, data)
		}
	}
}

func (h *Hub) broadcastToSpace(spaceID string, except *Session, event string, data interface{}) {
	for _, sess := range h.registry.SpaceSubscribers(spaceID) {
		if sess != except {
			sess.SendEvent(event, data)
		}
	}
}

// refreshPermissions re-validates page subscriptions whose cached role went
// stale, so a revoked user is cut off within the TTL even while idle.
func (h *Hub) refreshPermissions(ctx context.Context) {
	stale := h.registry.StaleRecords(h.cfg.PermissionTTL)
	for pageID, recs := range stale {
		for _, rec := range recs {
			role, err := h.gate.Resolve(ctx, rec.UserID, rec.SpaceID)
			if err != nil {
				log.Printf("⚠️  Permission refresh failed for user %s: %v", rec.UserID, err)
				continue
			}
			if role.CanRead() {
				h.registry.UpdateRole(pageID, rec.Session, role, time.Now())
				continue
			}
			h.revoke(rec.Session, pageID)
		}
	}
}

// revoke tears down one user's subscription to one page and closes the
// connection after an access-revoked event.
func (h *Hub) revoke(s *Session, pageID string) {
	if _, ok := h.registry.UnsubscribePage(pageID, s); ok {
		h.presence.RemoveSession(pageID, s.UserID, s.ID)
		h.broadcastToPage(pageID, s, models.EvtUserLeft, models.UserEventData{
			PageID: pageID,
			UserID: s.UserID,
		})
	}

	s.SendEvent(models.EvtAccessRevoked, models.PagePayload{PageID: pageID})
	log.Printf("🛑 Access revoked: user %s on page %s", s.UserID, pageID)
	s.CloseWithCode(websocket.ClosePolicyViolation, "access revoked")

	h.releasePage(pageID)
}

// collabReset forcibly ends the collaborative session for a document that
// blew past the size cap: best-effort snapshot persist, notify and close
// every subscriber, drop the document from memory.
func (h *Hub) collabReset(ctx context.Context, pageID string) {
	log.Printf("🛑 Document %s exceeded size cap, resetting collaborative session", pageID)

	if err := h.writer.FlushHTMLOnly(ctx, pageID); err != nil {
		log.Printf("⚠️  Snapshot persist during reset failed for page %s: %v", pageID, err)
	}

	for _, rec := range h.registry.PageSubscribers(pageID) {
		h.registry.UnsubscribePage(pageID, rec.Session)
		rec.Session.SendEvent(models.EvtCollabReset, models.PagePayload{PageID: pageID})
		rec.Session.CloseWithCode(websocket.ClosePolicyViolation, "document size limit exceeded")
	}

	h.presence.ClearPage(pageID)
	h.store.Remove(pageID)
}
