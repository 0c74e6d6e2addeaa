package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/RichardCYang/NTEOK-sub001/internal/models"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Session is one live WebSocket connection. A session may hold several page,
// space, and user subscriptions at once; the registry owns the cross-session
// indexes while the session remembers its own keys for idempotent teardown.
type Session struct {
	ID          string
	UserID      string
	AuthID      string // auth session token, for the per-session connection cap
	IP          string
	ConnectedAt time.Time

	conn       *websocket.Conn
	send       chan []byte
	closeFrame chan []byte
	hub        *Hub
	budgets    *budgets

	mu     sync.Mutex
	pages  map[string]bool
	spaces map[string]bool

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *Session) rememberPage(pageID string) {
	s.mu.Lock()
	s.pages[pageID] = true
	s.mu.Unlock()
}

func (s *Session) forgetPage(pageID string) {
	s.mu.Lock()
	delete(s.pages, pageID)
	s.mu.Unlock()
}

func (s *Session) subscribedPages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pages))
	for id := range s.pages {
		out = append(out, id)
	}
	return out
}

func (s *Session) rememberSpace(spaceID string) {
	s.mu.Lock()
	s.spaces[spaceID] = true
	s.mu.Unlock()
}

func (s *Session) forgetSpace(spaceID string) {
	s.mu.Lock()
	delete(s.spaces, spaceID)
	s.mu.Unlock()
}

func (s *Session) subscribedSpaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.spaces))
	for id := range s.spaces {
		out = append(out, id)
	}
	return out
}

// SendEvent marshals and queues an outbound event. A full buffer means the
// peer is slow or dead; the connection is closed rather than letting one
// receiver block delivery to everyone else.
func (s *Session) SendEvent(event string, data interface{}) {
	raw, err := json.Marshal(models.Event{Event: event, Data: data})
	if err != nil {
		log.Printf("⚠️  Failed to marshal %s event: %v", event, err)
		return
	}

	select {
	case s.send <- raw:
	default:
		log.Printf("⚠️  Session %s buffer full, closing connection", s.ID)
		s.Close()
	}
}

// Close tears the connection down exactly once. Registry cleanup happens in
// the read pump's deferred disconnect handler.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// CloseWithCode ends the connection with a close control frame. The frame
// goes through the write pump so events queued before it (access-revoked,
// collab-reset) are delivered first; the hard close follows after closeGrace
// whether or not the peer acknowledged.
func (s *Session) CloseWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	select {
	case s.closeFrame <- msg:
		time.AfterFunc(closeGrace, s.Close)
	default:
		// A close is already in flight.
	}
}

// drainUntilClosed keeps consuming inbound frames after a protocol violation.
// Hard-closing a socket with unread input pending turns into a TCP reset on
// the peer's side, which would destroy the close frame and any final event
// still in transit.
func (s *Session) drainUntilClosed() {
	_ = s.conn.SetReadDeadline(time.Now().Add(closeGrace + writeWait))
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ReadPump reads inbound frames on its own goroutine and dispatches them to
// the protocol handler. Raw binary frames violate the protocol and close the
// connection.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.hub.handleDisconnect(s)
		s.Close()
	}()

	// Oversized frames are cut off at the socket, before the payload is
	// buffered; gorilla answers them with a message-too-big close frame.
	s.conn.SetReadLimit(s.hub.maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, message, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				log.Printf("🛑 Session %s sent an overlong frame, closing", s.ID)
				// The close frame is already written; let the peer read it.
				time.Sleep(closeGrace)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error (session %s): %v", s.ID, err)
			}
			return
		}

		if mt != websocket.TextMessage {
			s.CloseWithCode(websocket.CloseUnsupportedData, "binary frames not accepted")
			s.drainUntilClosed()
			return
		}

		if !s.hub.handleMessage(ctx, s, message) {
			s.drainUntilClosed()
			return
		}
	}
}

// WritePump owns all writes to the socket: queued events, keepalive pings,
// and the final close frame. A separate writer goroutine keeps slow receives
// from blocking sends.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return

		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.Close()
				return
			}

			// Drain whatever queued up behind this frame.
			n := len(s.send)
			for i := 0; i < n; i++ {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					s.Close()
					return
				}
			}

		case frame := <-s.closeFrame:
			// Flush events queued ahead of the close so the peer sees the
			// final notification before the close frame. The hard close is
			// the grace timer's job.
			n := len(s.send)
			for i := 0; i < n; i++ {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					s.Close()
					return
				}
			}
			_ = s.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
			return

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}
