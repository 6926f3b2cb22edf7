package brokertest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/putto11262002/chatsync/models"
)

func withUser(ctx context.Context, user models.UserSummary) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func userFrom(ctx context.Context) models.UserSummary {
	user, _ := ctx.Value(userKey).(models.UserSummary)
	return user
}

func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	user, ok := b.verify(r.URL.Query().Get("token"))
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	b.mu.Lock()
	rm, ok := b.rooms[chi.URLParam(r, "roomID")]
	b.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, user: user}

	b.mu.Lock()
	rm.conns[c] = struct{}{}
	b.mu.Unlock()
	b.broadcast(rm, map[string]any{"type": "user_joined", "user": user})

	defer func() {
		b.mu.Lock()
		delete(rm.conns, c)
		b.mu.Unlock()
		b.broadcast(rm, map[string]any{"type": "user_left", "user": user})
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		b.handleFrame(rm, c, data)
	}
}

func (b *Broker) handleFrame(rm *room, c *client, data []byte) {
	var frame struct {
		Type       string  `json:"type"`
		ID         int64   `json:"id"`
		Content    string  `json:"content"`
		Parent     *int64  `json:"parent"`
		Channel    *int64  `json:"channel"`
		Typing     bool    `json:"typing"`
		MessageIDs []int64 `json:"message_ids"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	switch frame.Type {
	case "message":
		content := strings.TrimSpace(frame.Content)
		if content == "" {
			return
		}
		b.mu.Lock()
		b.nextMsgID++
		// A reply to a message that no longer exists loses its parent,
		// matching the real broker's save path.
		parent := frame.Parent
		if parent != nil && !b.hasMessageLocked(rm, *parent) {
			parent = nil
		}
		msg := models.Message{
			ID:        b.nextMsgID,
			Sender:    c.user,
			Content:   content,
			CreatedAt: time.Now().UTC(),
			Parent:    parent,
			Channel:   frame.Channel,
			ReadBy:    []int64{},
		}
		rm.msgs = append(rm.msgs, msg)
		b.mu.Unlock()
		b.broadcast(rm, map[string]any{"type": "message", "message": msg})

	case "edit":
		content := strings.TrimSpace(frame.Content)
		if frame.ID == 0 || content == "" {
			return
		}
		b.mu.Lock()
		var updated *models.Message
		for i := range rm.msgs {
			if rm.msgs[i].ID == frame.ID && rm.msgs[i].Sender.ID == c.user.ID {
				now := time.Now().UTC()
				rm.msgs[i].Content = content
				rm.msgs[i].EditedAt = &now
				m := rm.msgs[i]
				updated = &m
			}
		}
		b.mu.Unlock()
		if updated != nil {
			b.broadcast(rm, map[string]any{"type": b.EditEventType, "message": updated})
		}

	case "delete":
		if frame.ID == 0 {
			return
		}
		b.mu.Lock()
		deleted := false
		for i := range rm.msgs {
			if rm.msgs[i].ID == frame.ID && rm.msgs[i].Sender.ID == c.user.ID {
				rm.msgs = append(rm.msgs[:i], rm.msgs[i+1:]...)
				deleted = true
				break
			}
		}
		b.mu.Unlock()
		if !deleted {
			return
		}
		notice := map[string]any{"type": "message_deleted"}
		switch b.DeleteField {
		case "id":
			notice["id"] = frame.ID
		case "message":
			notice["message"] = map[string]any{"id": frame.ID}
		default:
			notice["message_id"] = frame.ID
		}
		b.broadcast(rm, notice)

	case "typing":
		// Typing goes to everyone except the sender.
		b.broadcastExcept(rm, c, map[string]any{
			"type": "typing", "user": c.user, "typing": frame.Typing,
		})

	case "message_read":
		b.mu.Lock()
		marked := b.markLocked(rm, frame.MessageIDs, c.user)
		b.mu.Unlock()
		if len(marked) > 0 {
			b.broadcast(rm, map[string]any{
				"type": "message_read", "message_ids": marked, "user": c.user,
			})
		}
	}
}

func (b *Broker) hasMessageLocked(rm *room, id int64) bool {
	for i := range rm.msgs {
		if rm.msgs[i].ID == id {
			return true
		}
	}
	return false
}

func (b *Broker) broadcast(rm *room, payload map[string]any) {
	b.broadcastExcept(rm, nil, payload)
}

func (b *Broker) broadcastExcept(rm *room, except *client, payload map[string]any) {
	b.mu.Lock()
	conns := make([]*client, 0, len(rm.conns))
	for c := range rm.conns {
		if c != except {
			conns = append(conns, c)
		}
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.wmu.Lock()
		c.conn.WriteJSON(payload)
		c.wmu.Unlock()
	}
}

// Kick severs every socket in a room without warning, simulating a broker
// restart or network partition.
func (b *Broker) Kick(roomID string) {
	b.mu.Lock()
	rm, ok := b.rooms[roomID]
	if !ok {
		b.mu.Unlock()
		return
	}
	conns := make([]*client, 0, len(rm.conns))
	for c := range rm.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

// Inject writes a raw frame to every connection in a room, letting tests
// exercise malformed and unknown frames.
func (b *Broker) Inject(roomID string, raw []byte) {
	b.mu.Lock()
	rm, ok := b.rooms[roomID]
	if !ok {
		b.mu.Unlock()
		return
	}
	conns := make([]*client, 0, len(rm.conns))
	for c := range rm.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.wmu.Lock()
		c.conn.WriteMessage(websocket.TextMessage, raw)
		c.wmu.Unlock()
	}
}
