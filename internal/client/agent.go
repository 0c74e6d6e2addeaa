package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/RichardCYang/NTEOK-sub001/internal/crdt"
	"github.com/RichardCYang/NTEOK-sub001/internal/models"

	"github.com/gorilla/websocket"
)

// EventHandler observes server events the agent does not consume itself
// (user-joined, page-saved, awareness fan-out and so on).
type EventHandler func(event string, data json.RawMessage)

// docState is the agent's replica of one page.
type docState struct {
	mu         sync.Mutex
	doc        *crdt.Document
	encrypted  bool
	ready      bool
	permission models.Role
}

// Agent is the client-side sync engine: it keeps local CRDT replicas, pushes
// incremental deltas for local edits, merges remote deltas, and falls back to
// full-state exchange whenever incremental sync cannot be trusted.
type Agent struct {
	url     string
	origin  string
	session *http.Cookie

	deltaCap int64
	cipher   *Cipher // nil outside E2EE spaces

	writeMu  sync.Mutex
	conn     *websocket.Conn
	connDone chan struct{}

	mu   sync.Mutex
	docs map[string]*docState

	resync  *ResyncController
	onEvent EventHandler
}

// New creates a sync agent for the given WebSocket endpoint. The session
// cookie authenticates the handshake; deltaCap mirrors the server's update
// size limit so oversized deltas degrade to full state before the server
// would reject them.
func New(wsURL, origin string, session *http.Cookie, deltaCap int64) *Agent {
	return &Agent{
		url:      wsURL,
		origin:   origin,
		session:  session,
		deltaCap: deltaCap,
		docs:     make(map[string]*docState),
		resync:   NewResyncController(),
	}
}

// SetCipher installs the E2EE payload cipher. Must be set before subscribing
// to pages in an encrypted space.
func (a *Agent) SetCipher(c *Cipher) {
	a.cipher = c
}

// SetEventHandler installs the observer for non-sync events.
func (a *Agent) SetEventHandler(f EventHandler) {
	a.onEvent = f
}

// Resync exposes the resync controller, mainly for tests.
func (a *Agent) Resync() *ResyncController {
	return a.resync
}

// Connect dials the server and resubscribes every known page. On a reconnect
// all replicas are flagged for full-state exchange: deltas may have been lost
// in either direction while the link was down.
func (a *Agent) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Origin", a.origin)
	header.Set("Cookie", a.session.String())

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, a.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect (%s): %w", resp.Status, err)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}

	done := make(chan struct{})
	a.writeMu.Lock()
	a.conn = conn
	a.connDone = done
	a.writeMu.Unlock()

	go func() {
		defer close(done)
		a.readLoop(conn)
	}()

	a.mu.Lock()
	known := make([]string, 0, len(a.docs))
	for id := range a.docs {
		known = append(known, id)
	}
	a.mu.Unlock()

	for _, pageID := range known {
		a.resync.MarkNeeded(pageID)
		if err := a.sendMsg(models.MsgSubscribePage, models.PagePayload{PageID: pageID}); err != nil {
			return err
		}
	}

	return nil
}

// Run keeps the agent connected until the context is cancelled, redialing
// with exponential backoff after a drop. Each reconnect resubscribes and
// exchanges full states, so nothing is lost while the link was down.
func (a *Agent) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		err := a.Connect(ctx)
		if err == nil {
			backoff = time.Second

			a.writeMu.Lock()
			done := a.connDone
			a.writeMu.Unlock()

			select {
			case <-ctx.Done():
				a.Close()
				return
			case <-done:
				log.Printf("⚠️  Disconnected, reconnecting in %s", backoff)
			}
		} else {
			log.Printf("⚠️  Connect failed: %v (retrying in %s)", err, backoff)
		}

		select {
		case <-ctx.Done():
			a.Close()
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Close shuts the connection down.
func (a *Agent) Close() {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

func (a *Agent) sendMsg(msgType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.conn == nil {
		return errors.New("not connected")
	}
	if err := a.conn.WriteJSON(models.Envelope{Type: msgType, Payload: raw}); err != nil {
		return fmt.Errorf("failed to send %s: %w", msgType, err)
	}
	return nil
}

// Subscribe opens a page. The replica becomes usable once the init event
// arrives and merges the server state.
func (a *Agent) Subscribe(pageID string) error {
	a.mu.Lock()
	if _, ok := a.docs[pageID]; !ok {
		a.docs[pageID] = &docState{}
	}
	a.mu.Unlock()

	return a.sendMsg(models.MsgSubscribePage, models.PagePayload{PageID: pageID})
}

// Unsubscribe closes a page and drops the local replica.
func (a *Agent) Unsubscribe(pageID string) error {
	a.mu.Lock()
	delete(a.docs, pageID)
	a.mu.Unlock()
	a.resync.Clear(pageID)

	return a.sendMsg(models.MsgUnsubscribePage, models.PagePayload{PageID: pageID})
}

// ForceSave asks the server to persist a page immediately.
func (a *Agent) ForceSave(pageID string) error {
	return a.sendMsg(models.MsgForceSave, models.PagePayload{PageID: pageID})
}

// SendAwareness publishes a presence update for a page.
func (a *Agent) SendAwareness(p *models.AwarenessPayload) error {
	return a.sendMsg(models.MsgAwarenessUpdate, p)
}

// Permission returns the role the server granted for a page at init time.
func (a *Agent) Permission(pageID string) models.Role {
	ds := a.lookup(pageID)
	if ds == nil {
		return models.RoleNone
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.permission
}

func (a *Agent) lookup(pageID string) *docState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.docs[pageID]
}

// Mutate applies a local edit to a page's replica and pushes the resulting
// delta. Oversized deltas and send failures degrade to full-state resync; the
// edit itself is never lost, it lives in the replica until a push succeeds.
func (a *Agent) Mutate(pageID string, fn func(*crdt.Document) error) error {
	ds := a.lookup(pageID)
	if ds == nil {
		return fmt.Errorf("page %s is not subscribed", pageID)
	}

	ds.mu.Lock()
	if !ds.ready {
		ds.mu.Unlock()
		return fmt.Errorf("page %s is not initialized yet", pageID)
	}
	if err := fn(ds.doc); err != nil {
		ds.mu.Unlock()
		return err
	}
	delta, err := ds.doc.SaveUpdate()
	ds.mu.Unlock()
	if err != nil {
		return err
	}
	if len(delta) == 0 {
		return nil
	}

	if a.deltaCap > 0 && int64(len(delta)) > a.deltaCap {
		a.resync.MarkNeeded(pageID)
		return a.PushFullState(pageID)
	}

	payload := delta
	msgType := models.MsgYjsUpdate
	if ds.encrypted {
		if a.cipher == nil {
			return errors.New("encrypted page without a cipher")
		}
		if payload, err = a.cipher.Seal(delta); err != nil {
			return err
		}
		msgType = models.MsgYjsUpdateE2EE
	}

	if err := a.sendMsg(msgType, models.UpdatePayload{
		PageID: pageID,
		Data:   crdt.EncodePayload(payload),
	}); err != nil {
		a.resync.MarkNeeded(pageID)
		return err
	}
	return nil
}

// PushFullState sends the replica's complete state. The flag clears only
// after the send succeeds; until then every reconnect retries the exchange.
func (a *Agent) PushFullState(pageID string) error {
	ds := a.lookup(pageID)
	if ds == nil {
		return fmt.Errorf("page %s is not subscribed", pageID)
	}

	ds.mu.Lock()
	if !ds.ready {
		ds.mu.Unlock()
		return fmt.Errorf("page %s is not initialized yet", pageID)
	}
	state := ds.doc.SaveState()
	encrypted := ds.encrypted
	ds.mu.Unlock()

	msgType := models.MsgYjsState
	if encrypted {
		if a.cipher == nil {
			return errors.New("encrypted page without a cipher")
		}
		var err error
		if state, err = a.cipher.Seal(state); err != nil {
			return err
		}
		msgType = models.MsgYjsStateE2EE
	}

	if err := a.sendMsg(msgType, models.UpdatePayload{
		PageID: pageID,
		Data:   crdt.EncodePayload(state),
	}); err != nil {
		a.resync.MarkNeeded(pageID)
		return err
	}

	a.resync.Clear(pageID)
	return nil
}

func (a *Agent) readLoop(conn *websocket.Conn) {
	for {
		var evt struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&evt); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("⚠️  Connection lost: %v", err)
			}
			return
		}

		switch evt.Event {
		case models.EvtInit:
			a.handleInit(evt.Data, false)
		case models.EvtInitE2EE:
			a.handleInit(evt.Data, true)
		case models.EvtYjsUpdate:
			a.handleRemote(evt.Data, false)
		case models.EvtYjsState:
			a.handleRemote(evt.Data, true)
		case models.EvtCollabReset, models.EvtAccessRevoked:
			var p models.PagePayload
			if json.Unmarshal(evt.Data, &p) == nil && p.PageID != "" {
				a.mu.Lock()
				delete(a.docs, p.PageID)
				a.mu.Unlock()
				a.resync.Clear(p.PageID)
			}
			a.forward(evt.Event, evt.Data)
		default:
			a.forward(evt.Event, evt.Data)
		}
	}
}

func (a *Agent) forward(event string, data json.RawMessage) {
	if a.onEvent != nil {
		a.onEvent(event, data)
	}
}

// handleInit merges the server's full state into the replica. Merging rather
// than replacing keeps local edits made while disconnected; the follow-up
// full-state push then carries them back to the server.
func (a *Agent) handleInit(data json.RawMessage, e2ee bool) {
	var d models.InitData
	if err := json.Unmarshal(data, &d); err != nil || d.PageID == "" {
		return
	}

	ds := a.lookup(d.PageID)
	if ds == nil {
		return
	}

	raw, err := crdt.DecodePayload(d.State, 0)
	if err != nil {
		log.Printf("⚠️  Invalid init state for page %s: %v", d.PageID, err)
		return
	}
	if e2ee {
		if a.cipher == nil {
			log.Printf("⚠️  Encrypted page %s without a cipher", d.PageID)
			return
		}
		if len(raw) > 0 {
			if raw, err = a.cipher.Open(raw); err != nil {
				log.Printf("⚠️  Failed to decrypt state for page %s: %v", d.PageID, err)
				return
			}
		}
	}

	ds.mu.Lock()
	ds.encrypted = e2ee
	ds.permission = d.Permission
	switch {
	case ds.doc == nil && len(raw) == 0:
		ds.doc = crdt.New()
	case ds.doc == nil:
		doc, lerr := crdt.LoadState(raw)
		if lerr != nil {
			ds.mu.Unlock()
			log.Printf("⚠️  Failed to load state for page %s: %v", d.PageID, lerr)
			return
		}
		ds.doc = doc
	case len(raw) > 0:
		if merr := ds.doc.ApplyState(raw); merr != nil {
			ds.mu.Unlock()
			log.Printf("⚠️  Failed to merge server state for page %s: %v", d.PageID, merr)
			return
		}
	}
	ds.ready = true
	ds.mu.Unlock()

	if a.resync.Needed(d.PageID) {
		if err := a.PushFullState(d.PageID); err != nil {
			log.Printf("⚠️  Full-state push failed for page %s: %v", d.PageID, err)
		}
	}

	a.forward(models.EvtInit, data)
}

// handleRemote merges a peer's delta or full state. A delta that fails to
// apply means the replica missed history: resubscribe and exchange full
// states instead of guessing.
func (a *Agent) handleRemote(data json.RawMessage, full bool) {
	var d models.UpdateData
	if err := json.Unmarshal(data, &d); err != nil || d.PageID == "" {
		return
	}

	ds := a.lookup(d.PageID)
	if ds == nil {
		return
	}

	raw, err := crdt.DecodePayload(d.Data, 0)
	if err != nil {
		return
	}

	ds.mu.Lock()
	encrypted := ds.encrypted
	ds.mu.Unlock()

	if encrypted {
		if a.cipher == nil {
			return
		}
		if raw, err = a.cipher.Open(raw); err != nil {
			log.Printf("⚠️  Failed to decrypt update for page %s: %v", d.PageID, err)
			return
		}
	}

	ds.mu.Lock()
	if !ds.ready {
		ds.mu.Unlock()
		return
	}
	if full {
		err = ds.doc.ApplyState(raw)
	} else {
		err = ds.doc.ApplyUpdate(raw)
	}
	ds.mu.Unlock()

	if err != nil {
		log.Printf("⚠️  Failed to apply remote update for page %s, resyncing: %v", d.PageID, err)
		a.resync.MarkNeeded(d.PageID)
		if serr := a.sendMsg(models.MsgSubscribePage, models.PagePayload{PageID: d.PageID}); serr != nil {
			log.Printf("⚠️  Resubscribe failed for page %s: %v", d.PageID, serr)
		}
		return
	}

	a.forward(models.EvtYjsUpdate, data)
}
