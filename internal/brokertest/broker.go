// Package brokertest is an in-process stand-in for the chat broker, in the
// spirit of httptest: just enough of the wire protocol and REST surface for
// integration tests to run real sockets end to end. It is not a server
// implementation and takes no care about scale or persistence.
package brokertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/putto11262002/chatsync/models"
)

type Broker struct {
	mu        sync.Mutex
	secret    []byte
	rooms     map[string]*room
	nextMsgID int64

	// DeleteField picks the spelling of the deletion notice id, covering
	// the broker revisions a client must tolerate: "message_id" (current),
	// "id" or "message" (nested object).
	DeleteField string
	// EditEventType is "message_updated" or the legacy "message_edited".
	EditEventType string

	upgrader websocket.Upgrader
}

type room struct {
	model models.Room
	msgs  []models.Message
	conns map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	user models.UserSummary
	// Writes are serialized by wmu; gorilla allows one concurrent writer.
	wmu sync.Mutex
}

func New() *Broker {
	return &Broker{
		secret:        []byte("brokertest-secret"),
		rooms:         make(map[string]*room),
		DeleteField:   "message_id",
		EditEventType: "message_updated",
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
			return true
		}},
	}
}

// Token mints a bearer token for user, signed the way the real broker's
// issuer signs them.
func (b *Broker) Token(user models.UserSummary) string {
	claims := jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"exp":      jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(b.secret)
	if err != nil {
		panic(fmt.Sprintf("brokertest: sign token: %v", err))
	}
	return signed
}

func (b *Broker) verify(tokenString string) (models.UserSummary, bool) {
	var claims jwt.MapClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return b.secret, nil
	})
	if err != nil || !token.Valid {
		return models.UserSummary{}, false
	}
	id, ok := claims["user_id"].(float64)
	if !ok {
		return models.UserSummary{}, false
	}
	username, _ := claims["username"].(string)
	return models.UserSummary{ID: int64(id), Username: username}, true
}

// CreateRoom registers a group room and returns its model.
func (b *Broker) CreateRoom(name string) models.Room {
	b.mu.Lock()
	defer b.mu.Unlock()
	model := models.Room{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	b.rooms[model.ID] = &room{model: model, conns: make(map[*client]struct{})}
	return model
}

// Seed appends messages to a room's history, assigning ids and timestamps.
func (b *Broker) Seed(roomID string, sender models.UserSummary, contents ...string) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	rm := b.rooms[roomID]
	var out []models.Message
	for _, content := range contents {
		b.nextMsgID++
		msg := models.Message{
			ID:        b.nextMsgID,
			Sender:    sender,
			Content:   content,
			CreatedAt: time.Now().UTC(),
			ReadBy:    []int64{},
		}
		rm.msgs = append(rm.msgs, msg)
		out = append(out, msg)
	}
	return out
}

// Messages returns a copy of a room's stored history.
func (b *Broker) Messages(roomID string) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	rm := b.rooms[roomID]
	out := make([]models.Message, len(rm.msgs))
	copy(out, rm.msgs)
	return out
}

// Handler returns the broker's full HTTP surface: the room socket plus the
// REST collaborators the client consumes.
func (b *Broker) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/ws/chat/{roomID}/", b.serveWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(b.authenticate)
		r.Get("/rooms/{roomID}/", b.getRoom)
		r.Post("/rooms/dm/", b.resolveDM)
		r.Get("/messages/", b.listMessages)
		r.Post("/messages/{messageID}/react/", b.react)
		r.Post("/messages/mark-read/", b.markRead)
	})

	return r
}

type ctxKey int

const userKey ctxKey = 0

func (b *Broker) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		user, ok := b.verify(raw)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
	})
}

func (b *Broker) getRoom(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	rm, ok := b.rooms[chi.URLParam(r, "roomID")]
	b.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, rm.model)
}

func (b *Broker) resolveDM(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	local := userFrom(r.Context())

	b.mu.Lock()
	defer b.mu.Unlock()
	name := fmt.Sprintf("dm:%d:%d", min(local.ID, body.UserID), max(local.ID, body.UserID))
	for _, rm := range b.rooms {
		if rm.model.IsDirect && rm.model.Name == name {
			writeJSON(w, rm.model)
			return
		}
	}
	model := models.Room{
		ID:        uuid.NewString(),
		Name:      name,
		IsDirect:  true,
		CreatedAt: time.Now().UTC(),
		Peer:      &models.UserSummary{ID: body.UserID},
	}
	b.rooms[model.ID] = &room{model: model, conns: make(map[*client]struct{})}
	writeJSON(w, model)
}

func (b *Broker) listMessages(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	rm, ok := b.rooms[r.URL.Query().Get("room")]
	if !ok {
		b.mu.Unlock()
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	msgs := make([]models.Message, len(rm.msgs))
	copy(msgs, rm.msgs)
	b.mu.Unlock()

	if ch := r.URL.Query().Get("channel"); ch != "" {
		id, _ := strconv.ParseInt(ch, 10, 64)
		var filtered []models.Message
		for _, m := range msgs {
			if m.Channel != nil && *m.Channel == id {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, msgs)
}

func (b *Broker) react(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var body struct {
		Emoji string `json:"emoji"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Emoji == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	local := userFrom(r.Context())

	b.mu.Lock()
	var updated *models.Message
	var rm *room
	for _, candidate := range b.rooms {
		for i := range candidate.msgs {
			if candidate.msgs[i].ID != id {
				continue
			}
			msg := &candidate.msgs[i]
			if msg.Reactions == nil {
				msg.Reactions = make(map[string][]int64)
			}
			ids := msg.Reactions[body.Emoji]
			if at := indexOf(ids, local.ID); at >= 0 {
				ids = append(ids[:at], ids[at+1:]...)
			} else {
				ids = append(ids, local.ID)
			}
			if len(ids) == 0 {
				delete(msg.Reactions, body.Emoji)
			} else {
				msg.Reactions[body.Emoji] = ids
			}
			m := *msg
			updated = &m
			rm = candidate
		}
	}
	b.mu.Unlock()

	if updated == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	// The real broker also echoes reactions as message_updated events.
	b.broadcast(rm, map[string]any{"type": "message_updated", "message": updated})
	writeJSON(w, updated)
}

func (b *Broker) markRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RoomID     string  `json:"room_id"`
		MessageIDs []int64 `json:"message_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	local := userFrom(r.Context())

	b.mu.Lock()
	rm, ok := b.rooms[body.RoomID]
	if !ok {
		b.mu.Unlock()
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	marked := b.markLocked(rm, body.MessageIDs, local)
	b.mu.Unlock()

	if len(marked) > 0 {
		b.broadcast(rm, map[string]any{
			"type": "message_read", "message_ids": marked,
			"user": models.UserSummary{ID: local.ID, Username: local.Username},
		})
	}
	writeJSON(w, map[string]any{"marked": marked})
}

func (b *Broker) markLocked(rm *room, ids []int64, local models.UserSummary) []int64 {
	var marked []int64
	for _, id := range ids {
		for i := range rm.msgs {
			msg := &rm.msgs[i]
			if msg.ID != id || msg.Sender.ID == local.ID || msg.IsReadBy(local.ID) {
				continue
			}
			msg.MarkReadBy(local.ID)
			marked = append(marked, id)
		}
	}
	return marked
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func indexOf(ids []int64, id int64) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
