package models

import "encoding/json"

// Envelope is the inbound WebSocket frame. Payload stays raw until the
// handler knows which struct to decode it into. Binary payloads travel as
// base64 text inside the JSON; raw binary frames are rejected at the socket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event is the outbound WebSocket frame.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Inbound message types.
const (
	MsgSubscribePage      = "subscribe-page"
	MsgUnsubscribePage    = "unsubscribe-page"
	MsgSubscribeStorage   = "subscribe-storage"
	MsgUnsubscribeStorage = "unsubscribe-storage"
	MsgSubscribeUser      = "subscribe-user"
	MsgYjsUpdate          = "yjs-update"
	MsgYjsState           = "yjs-state"
	MsgYjsUpdateE2EE      = "yjs-update-e2ee"
	MsgYjsStateE2EE       = "yjs-state-e2ee"
	MsgAwarenessUpdate    = "awareness-update"
	MsgForceSave          = "force-save"
)

// Outbound event names.
const (
	EvtConnected     = "connected"
	EvtInit          = "init"
	EvtInitE2EE      = "init-e2ee"
	EvtYjsUpdate     = "yjs-update"
	EvtYjsState      = "yjs-state"
	EvtUserJoined    = "user-joined"
	EvtUserLeft      = "user-left"
	EvtAccessRevoked = "access-revoked"
	EvtPageSaved     = "page-saved"
	EvtCollabReset   = "collab-reset"
	EvtAwareness     = "awareness-update"
	EvtError         = "error"
)

// PagePayload addresses a page for subscribe/unsubscribe/force-save.
type PagePayload struct {
	PageID string `json:"pageId"`
}

// StoragePayload addresses a space for subscribe-storage/unsubscribe-storage.
type StoragePayload struct {
	SpaceID string `json:"storageId"`
}

// UserPayload addresses a user channel for subscribe-user.
type UserPayload struct {
	UserID string `json:"userId"`
}

// UpdatePayload carries a CRDT delta or full state, base64-encoded. For the
// -e2ee variants Data is ciphertext the server never parses.
type UpdatePayload struct {
	PageID string `json:"pageId"`
	Data   string `json:"data"`
}

// AwarenessPayload carries the changed presence fields for one user. Only
// fields present in the message are merged; absent fields keep their previous
// value. Timestamp/Seq drive last-writer-wins per field.
type AwarenessPayload struct {
	PageID    string       `json:"pageId"`
	Cursor    *CursorRange `json:"cursor,omitempty"`
	Mode      string       `json:"mode,omitempty"`
	Focused   *bool        `json:"focused,omitempty"`
	Timestamp int64        `json:"timestamp"`
	Seq       uint64       `json:"seq"`
}

// InitData is sent in the init / init-e2ee event after a page subscription.
type InitData struct {
	PageID     string          `json:"pageId"`
	State      string          `json:"state"` // base64 full state (ciphertext for e2ee)
	Color      string          `json:"color"`
	Permission Role            `json:"permission"`
	Presence   []PresenceState `json:"presence,omitempty"`
}

// UpdateData re-broadcasts a delta or full state to peers.
type UpdateData struct {
	PageID string `json:"pageId"`
	Data   string `json:"data"`
	Sender string `json:"sender,omitempty"` // presence color owner, not auth identity
}

// UserEventData announces joins/leaves.
type UserEventData struct {
	PageID string `json:"pageId"`
	UserID string `json:"userId"`
	Color  string `json:"color,omitempty"`
}

// AwarenessData fans the merged presence of a page out to its subscribers.
type AwarenessData struct {
	PageID   string          `json:"pageId"`
	Presence []PresenceState `json:"presence"`
}

// SavedData confirms a persistence flush.
type SavedData struct {
	PageID    string `json:"pageId"`
	UpdatedAt int64  `json:"updatedAt"`
}

// ErrorData is the generic error event. Unknown and unauthorized pages
// produce byte-identical responses so existence is never leaked.
type ErrorData struct {
	Message string `json:"message"`
}
