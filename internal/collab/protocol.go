package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/RichardCYang/NTEOK-sub001/internal/crdt"
	"github.com/RichardCYang/NTEOK-sub001/internal/middleware"
	"github.com/RichardCYang/NTEOK-sub001/internal/models"
	"github.com/RichardCYang/NTEOK-sub001/internal/repository"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

// handleMessage dispatches one inbound frame. Returning false stops the read
// pump; the connection is already closed (or closing) at that point.
func (h *Hub) handleMessage(ctx context.Context, s *Session, raw []byte) bool {
	if !s.budgets.allowTotal() {
		log.Printf("⚠️  Session %s exceeded message budget, closing", s.ID)
		s.CloseWithCode(websocket.ClosePolicyViolation, "message rate exceeded")
		return false
	}

	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.SendEvent(models.EvtError, models.ErrorData{Message: "malformed message"})
		return true
	}

	switch env.Type {
	case models.MsgSubscribePage:
		return h.onSubscribePage(ctx, s, env.Payload)
	case models.MsgUnsubscribePage:
		return h.onUnsubscribePage(s, env.Payload)
	case models.MsgSubscribeStorage:
		return h.onSubscribeStorage(ctx, s, env.Payload)
	case models.MsgUnsubscribeStorage:
		return h.onUnsubscribeStorage(s, env.Payload)
	case models.MsgSubscribeUser:
		return h.onSubscribeUser(s, env.Payload)
	case models.MsgYjsUpdate:
		return h.onUpdate(ctx, s, env.Payload, false, false)
	case models.MsgYjsState:
		return h.onUpdate(ctx, s, env.Payload, true, false)
	case models.MsgYjsUpdateE2EE:
		return h.onUpdate(ctx, s, env.Payload, false, true)
	case models.MsgYjsStateE2EE:
		return h.onUpdate(ctx, s, env.Payload, true, true)
	case models.MsgAwarenessUpdate:
		return h.onAwareness(s, env.Payload)
	case models.MsgForceSave:
		return h.onForceSave(ctx, s, env.Payload)
	default:
		s.SendEvent(models.EvtError, models.ErrorData{Message: "unknown message type"})
		return true
	}
}

// sendPageDenied answers both missing and unauthorized pages. The two cases
// must be indistinguishable so page ids cannot be probed.
func (h *Hub) sendPageDenied(s *Session, pageID string) {
	_ = pageID
	s.SendEvent(models.EvtError, models.ErrorData{Message: "page not found"})
}

func (h *Hub) onSubscribePage(ctx context.Context, s *Session, payload json.RawMessage) bool {
	var p models.PagePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.PageID == "" {
		s.SendEvent(models.EvtError, models.ErrorData{Message: "invalid subscribe payload"})
		return true
	}

	ctx, span := middleware.StartSpan(ctx, "Collab.SubscribePage",
		attribute.String("page.id", p.PageID),
		attribute.String("user.id", s.UserID),
	)
	defer span.End()

	page, err := h.pages.GetByID(ctx, p.PageID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			middleware.AddSpanError(ctx, err)
			log.Printf("⚠️  Page lookup failed for %s: %v", p.PageID, err)
		}
		h.sendPageDenied(s, p.PageID)
		return true
	}

	role, err := h.gate.Resolve(ctx, s.UserID, page.SpaceID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		s.SendEvent(models.EvtError, models.ErrorData{Message: "internal error"})
		return true
	}
	if !role.CanRead() {
		h.sendPageDenied(s, p.PageID)
		return true
	}

	entry, err := h.store.Acquire(ctx, p.PageID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		log.Printf("⚠️  Failed to load document %s: %v", p.PageID, err)
		s.SendEvent(models.EvtError, models.ErrorData{Message: "internal error"})
		return true
	}

	color := h.nextColor()
	evicted := h.registry.SubscribePage(p.PageID, Record{
		Session:   s,
		UserID:    s.UserID,
		Color:     color,
		Role:      role,
		SpaceID:   page.SpaceID,
		CheckedAt: time.Now(),
	})
	if evicted != nil && evicted != s {
		// Same user from another connection. The newer one wins.
		evicted.SendEvent(models.EvtError, models.ErrorData{Message: "superseded by a newer connection"})
		evicted.CloseWithCode(websocket.CloseNormalClosure, "superseded")
	}

	init := models.InitData{
		PageID:     p.PageID,
		State:      crdt.EncodePayload(entry.SaveState()),
		Color:      color,
		Permission: role,
		Presence:   h.presence.States(p.PageID),
	}
	evt := models.EvtInit
	if entry.Encrypted {
		evt = models.EvtInitE2EE
	}
	s.SendEvent(evt, init)

	h.broadcastToPage(p.PageID, s, models.EvtUserJoined, models.UserEventData{
		PageID: p.PageID,
		UserID: s.UserID,
		Color:  color,
	})

	log.Printf("✓ User %s subscribed to page %s", s.UserID, p.PageID)
	return true
}

func (h *Hub) onUnsubscribePage(s *Session, payload json.RawMessage) bool {
	var p models.PagePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.PageID == "" {
		return true
	}

	if _, ok := h.registry.UnsubscribePage(p.PageID, s); !ok {
		return true
	}

	h.presence.RemoveSession(p.PageID, s.UserID, s.ID)
	h.broadcastToPage(p.PageID, nil, models.EvtUserLeft, models.UserEventData{
		PageID: p.PageID,
		UserID: s.UserID,
	})
	h.releasePage(p.PageID)
	return true
}

// onUpdate is the shared apply path for deltas and full states, plaintext and
// E2EE. full selects state replacement over incremental merge.
func (h *Hub) onUpdate(ctx context.Context, s *Session, payload json.RawMessage, full, e2ee bool) bool {
	if !s.budgets.allowDelta() {
		log.Printf("⚠️  Session %s exceeded update budget, closing", s.ID)
		s.CloseWithCode(websocket.ClosePolicyViolation, "update rate exceeded")
		return false
	}

	var p models.UpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.PageID == "" {
		s.SendEvent(models.EvtError, models.ErrorData{Message: "invalid update payload"})
		return true
	}

	rec, ok := h.registry.RecordFor(p.PageID, s)
	if !ok {
		s.SendEvent(models.EvtError, models.ErrorData{Message: "not subscribed"})
		return true
	}

	// Long-lived connections re-validate against the source once the cached
	// check goes stale.
	if time.Since(rec.CheckedAt) >= h.cfg.PermissionTTL {
		role, err := h.gate.Resolve(ctx, rec.UserID, rec.SpaceID)
		switch {
		case err != nil:
			log.Printf("⚠️  Permission recheck failed for user %s: %v", rec.UserID, err)
		case !role.CanRead():
			h.revoke(s, p.PageID)
			return false
		default:
			h.registry.UpdateRole(p.PageID, s, role, time.Now())
			rec.Role = role
		}
	}

	if !rec.Role.CanWrite() {
		s.SendEvent(models.EvtError, models.ErrorData{Message: "read-only access"})
		return true
	}

	data, err := crdt.DecodePayload(p.Data, h.cfg.DeltaSizeCap)
	if err != nil {
		if errors.Is(err, crdt.ErrPayloadTooLarge) {
			log.Printf("🛑 Oversized update from session %s on page %s", s.ID, p.PageID)
			s.CloseWithCode(websocket.ClosePolicyViolation, "update too large")
			return false
		}
		s.SendEvent(models.EvtError, models.ErrorData{Message: "malformed update payload"})
		return true
	}

	// Ciphertext is opaque; the scheme scan only means something for
	// plaintext updates.
	if !e2ee && containsDisallowedScheme(data) {
		log.Printf("🛑 Disallowed content in update from session %s on page %s", s.ID, p.PageID)
		s.CloseWithCode(websocket.ClosePolicyViolation, "disallowed content")
		return false
	}

	entry, ok := h.store.Peek(p.PageID)
	if !ok {
		s.SendEvent(models.EvtError, models.ErrorData{Message: "not subscribed"})
		return true
	}

	if e2ee != entry.Encrypted {
		s.SendEvent(models.EvtError, models.ErrorData{Message: "wrong channel for this page"})
		return true
	}

	if entry.ApproxSize()+int64(len(data)) > h.cfg.DocSizeCap {
		h.collabReset(ctx, p.PageID)
		return false
	}

	if e2ee {
		if full {
			if err := entry.SetCipherState(data); err != nil {
				s.SendEvent(models.EvtError, models.ErrorData{Message: "failed to apply update"})
				return true
			}
		} else {
			entry.ApplyCipherUpdate(int64(len(data)))
		}
	} else {
		if full {
			err = entry.ApplyState(data)
		} else {
			err = entry.ApplyUpdate(data)
		}
		if err != nil {
			log.Printf("⚠️  Failed to apply update to page %s: %v", p.PageID, err)
			s.SendEvent(models.EvtError, models.ErrorData{Message: "failed to apply update"})
			return true
		}
	}

	evt := models.EvtYjsUpdate
	if full {
		evt = models.EvtYjsState
	}
	h.broadcastToPage(p.PageID, s, evt, models.UpdateData{
		PageID: p.PageID,
		Data:   p.Data,
		Sender: rec.Color,
	})

	h.writer.Schedule(p.PageID)
	return true
}

func (h *Hub) onAwareness(s *Session, payload json.RawMessage) bool {
	if !s.budgets.allowPresence() {
		log.Printf("⚠️  Session %s exceeded presence budget, closing", s.ID)
		s.CloseWithCode(websocket.ClosePolicyViolation, "presence rate exceeded")
		return false
	}

	var p models.AwarenessPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.PageID == "" {
		return true
	}

	rec, ok := h.registry.RecordFor(p.PageID, s)
	if !ok {
		return true
	}

	// Losing focus or dropping to read mode removes presence immediately
	// instead of merging.
	if (p.Focused != nil && !*p.Focused) || p.Mode == "read" {
		h.presence.RemoveSession(p.PageID, s.UserID, s.ID)
		return true
	}

	h.presence.Merge(p.PageID, s.UserID, s.ID, rec.Color, &p)
	return true
}

func (h *Hub) onForceSave(ctx context.Context, s *Session, payload json.RawMessage) bool {
	var p models.PagePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.PageID == "" {
		s.SendEvent(models.EvtError, models.ErrorData{Message: "invalid save payload"})
		return true
	}

	rec, ok := h.registry.RecordFor(p.PageID, s)
	if !ok {
		s.SendEvent(models.EvtError, models.ErrorData{Message: "not subscribed"})
		return true
	}

	ctx, span := middleware.StartSpan(ctx, "Collab.ForceSave",
		attribute.String("page.id", p.PageID),
	)
	defer span.End()

	if err := h.writer.Flush(ctx, p.PageID); err != nil {
		middleware.AddSpanError(ctx, err)
		log.Printf("⚠️  Force save failed for page %s: %v", p.PageID, err)
		s.SendEvent(models.EvtError, models.ErrorData{Message: "save failed"})
		return true
	}

	saved := models.SavedData{PageID: p.PageID, UpdatedAt: time.Now().UnixMilli()}
	h.broadcastToPage(p.PageID, nil, models.EvtPageSaved, saved)
	h.broadcastToSpace(rec.SpaceID, nil, models.EvtPageSaved, saved)
	return true
}

func (h *Hub) onSubscribeStorage(ctx context.Context, s *Session, payload json.RawMessage) bool {
	var p models.StoragePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SpaceID == "" {
		s.SendEvent(models.EvtError, models.ErrorData{Message: "invalid subscribe payload"})
		return true
	}

	role, err := h.gate.Resolve(ctx, s.UserID, p.SpaceID)
	if err != nil {
		s.SendEvent(models.EvtError, models.ErrorData{Message: "internal error"})
		return true
	}
	if !role.CanRead() {
		// Same response whether the space is missing or off-limits.
		s.SendEvent(models.EvtError, models.ErrorData{Message: "storage not found"})
		return true
	}

	h.registry.SubscribeSpace(p.SpaceID, s)
	return true
}

func (h *Hub) onUnsubscribeStorage(s *Session, payload json.RawMessage) bool {
	var p models.StoragePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SpaceID == "" {
		return true
	}
	h.registry.UnsubscribeSpace(p.SpaceID, s)
	return true
}

func (h *Hub) onSubscribeUser(s *Session, payload json.RawMessage) bool {
	var p models.UserPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
		s.SendEvent(models.EvtError, models.ErrorData{Message: "invalid subscribe payload"})
		return true
	}

	// A connection may only listen on its own user channel.
	if p.UserID != s.UserID {
		s.SendEvent(models.EvtError, models.ErrorData{Message: "forbidden"})
		return true
	}

	h.registry.SubscribeUser(p.UserID, s)
	return true
}
