package models

// CursorRange is a selection inside the document, expressed in CRDT-address
// offsets supplied by the editor.
type CursorRange struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// PresenceState is the ephemeral per-user state fanned out to co-editors. It
// is never persisted. Each field merges last-writer-wins using the update's
// timestamp, with a per-connection sequence number breaking wall-clock ties.
type PresenceState struct {
	UserID    string       `json:"userId"`
	Color     string       `json:"color"`
	Cursor    *CursorRange `json:"cursor,omitempty"`
	Mode      string       `json:"mode,omitempty"`
	UpdatedAt int64        `json:"updatedAt"`
}
