// Package chat reconciles a conversation's local state: a REST-seeded
// message timeline kept consistent under a stream of socket events, with
// read-receipt batching, outbound composition and ephemeral presence.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/putto11262002/chatsync/api"
	"github.com/putto11262002/chatsync/models"
	"github.com/putto11262002/chatsync/store"
	"github.com/putto11262002/chatsync/ws"
)

// Reconnect backoff bounds. The delay doubles per failed dial, with jitter,
// and resets once a dial succeeds.
const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
)

var ErrClosed = errors.New("session closed")

// Identity is the local user as extracted from the bearer token. It is
// display-level trust only; the broker re-authenticates the token itself.
type Identity struct {
	ID       int64
	Username string
}

// SessionConfig wires a Session's collaborators.
type SessionConfig struct {
	API   *api.Client
	Local Identity
	// BaseURL and Token parameterize the socket dial.
	BaseURL string
	Token   string
	// Cache, when set, warm-starts the view before the snapshot lands and
	// is written behind as events are reconciled.
	Cache *store.Cache
	// Channel optionally scopes the conversation to a room channel.
	Channel *int64
	// Reconnect enables automatic redial with exponential backoff when the
	// socket drops. The bare transport never reconnects on its own.
	Reconnect bool
	Logger    *slog.Logger
	// OnChange fires after any state change a renderer would care about.
	// OnIncoming fires for each newly-inserted message from another user;
	// the host decides about notifications and scrolling.
	OnChange   func()
	OnIncoming func(models.Message)
}

// Session owns one conversation: its socket, timeline, presence, receipt
// batcher and composer. All state is guarded by one mutex since events,
// timers and host calls arrive on different goroutines. Switching rooms
// bumps a generation counter; events from a superseded socket that are
// still in flight when it is torn down check the generation and are
// discarded rather than applied.
type Session struct {
	mu  sync.Mutex
	cfg SessionConfig

	logger   *slog.Logger
	dial     func(ctx context.Context, roomID string) (*ws.Conn, error)
	room     *models.Room
	conn     *ws.Conn
	timeline *Timeline
	presence *Presence
	receipts *Receipts
	composer *Composer
	gen      int
	closed   bool
}

func NewSession(cfg SessionConfig) *Session {
	s := &Session{cfg: cfg}
	s.logger = cfg.Logger
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.dial = func(ctx context.Context, roomID string) (*ws.Conn, error) {
		return ws.Dial(ctx, cfg.BaseURL, roomID, cfg.Token, ws.WithLogger(s.logger))
	}
	s.timeline = NewTimeline()
	s.presence = NewPresence(cfg.Local.ID)
	s.receipts = NewReceipts(s.flushReceipts)
	s.composer = NewComposer(s.sendFrame)
	s.composer.SetChannel(cfg.Channel)
	return s
}

// Open attaches the session to a room: metadata, cache seed, snapshot,
// then the socket. Metadata and snapshot failures are fatal to the view
// and returned; a failed dial only leaves the session disconnected.
// Opening while attached switches rooms, tearing the old one down first.
func (s *Session) Open(ctx context.Context, roomID string) error {
	room, err := s.cfg.API.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("room metadata: %w", err)
	}
	return s.open(ctx, room)
}

// OpenDirect resolves the direct conversation with userID and opens it.
func (s *Session) OpenDirect(ctx context.Context, userID int64) error {
	room, err := s.cfg.API.ResolveDM(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve dm: %w", err)
	}
	return s.open(ctx, room)
}

func (s *Session) open(ctx context.Context, room *models.Room) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.teardownLocked()
	s.gen++
	gen := s.gen
	s.room = room
	s.timeline = NewTimeline()
	s.presence = NewPresence(s.cfg.Local.ID)
	// Receipt state is per-conversation; ids from the previous room must
	// not shadow the new one's.
	s.receipts = NewReceipts(s.flushReceipts)
	s.mu.Unlock()

	// Cache seed: stale but instant. Failures only cost the warm start.
	if s.cfg.Cache != nil {
		if cached, err := s.cfg.Cache.Load(ctx, room.ID); err != nil {
			s.logger.Error(fmt.Sprintf("cache load: %v", err))
		} else if len(cached) > 0 {
			s.mu.Lock()
			if gen == s.gen && !s.closed {
				s.timeline.Reset(cached)
			}
			s.mu.Unlock()
			s.emitChange()
		}
	}

	msgs, err := s.cfg.API.ListMessages(ctx, room.ID, s.cfg.Channel)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.timeline.Reset(msgs)
	s.receipts.Observe(s.timeline.Unread(s.cfg.Local.ID))
	s.mu.Unlock()
	s.emitChange()

	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.Replace(ctx, room.ID, msgs); err != nil {
			s.logger.Error(fmt.Sprintf("cache replace: %v", err))
		}
	}

	s.attach(ctx, gen)
	return nil
}

// attach dials the socket for the current generation and starts the event
// pump. Dial failure leaves the session disconnected; the reconnect loop
// takes over when enabled.
func (s *Session) attach(ctx context.Context, gen int) {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	roomID := s.room.ID
	s.mu.Unlock()

	conn, err := s.dial(ctx, roomID)
	if err != nil {
		s.logger.Error(fmt.Sprintf("dial: %v", err))
		if s.cfg.Reconnect {
			go s.reconnectLoop(gen, roomID)
		}
		return
	}

	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	s.emitChange()

	go s.pump(gen, conn)
}

// pump drains one connection's event stream. When the stream ends the
// presence state is dropped (the broker replays membership on rejoin) and,
// when enabled and still current, the reconnect loop starts.
func (s *Session) pump(gen int, conn *ws.Conn) {
	for event := range conn.Events() {
		s.apply(gen, event)
	}

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.presence.Clear()
	roomID := s.room.ID
	s.mu.Unlock()
	s.emitChange()

	if s.cfg.Reconnect {
		go s.reconnectLoop(gen, roomID)
	}
}

func (s *Session) reconnectLoop(gen int, roomID string) {
	delay := reconnectBase
	for {
		// Full jitter on the upper half keeps concurrent clients from
		// thundering in step.
		sleep := delay/2 + rand.N(delay/2)
		time.Sleep(sleep)

		s.mu.Lock()
		if s.closed || gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		conn, err := s.dial(context.Background(), roomID)
		if err != nil {
			s.logger.Debug(fmt.Sprintf("redial: %v", err))
			delay *= 2
			if delay > reconnectCap {
				delay = reconnectCap
			}
			continue
		}

		s.mu.Lock()
		if s.closed || gen != s.gen {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()
		s.emitChange()

		go s.pump(gen, conn)
		return
	}
}

// apply reconciles one inbound event into local state. Events from a
// superseded generation are discarded: the old socket's close is not
// instantaneous and frames may still drain after a room switch.
func (s *Session) apply(gen int, event ws.Inbound) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}

	var incoming *models.Message
	changed := true

	switch ev := event.(type) {
	case ws.MessageEvent:
		inserted := s.timeline.ApplyMessage(ev.Message)
		s.cachePut(ev.Message)
		if inserted && ev.Message.Sender.ID != s.cfg.Local.ID {
			incoming = &ev.Message
		}
		s.receipts.Observe(s.timeline.Unread(s.cfg.Local.ID))

	case ws.MessageUpdatedEvent:
		if s.timeline.ApplyUpdate(ev.Message) {
			s.cachePut(ev.Message)
		} else {
			changed = false
		}

	case ws.MessageDeletedEvent:
		if s.timeline.ApplyDelete(ev.ID) {
			s.cacheDelete(ev.ID)
		} else {
			changed = false
		}

	case ws.MessageReadEvent:
		updated := s.timeline.ApplyRead(ev.MessageIDs, ev.User.ID)
		if ev.User.ID == s.cfg.Local.ID {
			s.receipts.Confirm(ev.MessageIDs)
		}
		for _, id := range updated {
			if m, ok := s.timeline.Get(id); ok {
				s.cachePut(m)
			}
		}
		changed = len(updated) > 0

	case ws.TypingEvent:
		s.presence.ApplyTyping(ev)

	case ws.UserJoinedEvent:
		s.presence.ApplyJoin(ev)

	case ws.UserLeftEvent:
		s.presence.ApplyLeave(ev)
	}

	s.mu.Unlock()

	if incoming != nil && s.cfg.OnIncoming != nil {
		s.cfg.OnIncoming(*incoming)
	}
	if changed {
		s.emitChange()
	}
}

// React toggles the local user's reaction through REST and reconciles the
// returned message. Failures are logged, never surfaced: there was no
// optimistic change to roll back.
func (s *Session) React(ctx context.Context, messageID int64, emoji string) {
	msg, err := s.cfg.API.React(ctx, messageID, emoji)
	if err != nil {
		s.logger.Error(fmt.Sprintf("react: %v", err))
		return
	}

	s.mu.Lock()
	applied := s.timeline.ApplyUpdate(*msg)
	if applied {
		s.cachePut(*msg)
	}
	s.mu.Unlock()
	if applied {
		s.emitChange()
	}
}

// flushReceipts delivers one coalesced mark-read batch, preferring the
// live socket and falling back to REST when disconnected. Fallback errors
// are swallowed: read receipts are best-effort.
func (s *Session) flushReceipts(ids []int64) {
	s.mu.Lock()
	conn := s.conn
	var roomID string
	if s.room != nil {
		roomID = s.room.ID
	}
	s.mu.Unlock()

	if conn != nil && conn.Connected() {
		conn.Send(ws.NewMessageRead(ids))
		return
	}
	if roomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cfg.API.MarkRead(ctx, roomID, ids); err != nil {
		s.logger.Debug(fmt.Sprintf("mark read fallback: %v", err))
	}
}

// sendFrame is the composer's outlet. Frames sent while detached or
// disconnected are dropped by the transport contract.
func (s *Session) sendFrame(out *ws.Outbound) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Send(out)
	}
}

func (s *Session) emitChange() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange()
	}
}

func (s *Session) cachePut(msg models.Message) {
	if s.cfg.Cache == nil || s.room == nil {
		return
	}
	if err := s.cfg.Cache.Put(context.Background(), s.room.ID, msg); err != nil {
		s.logger.Debug(fmt.Sprintf("cache put: %v", err))
	}
}

func (s *Session) cacheDelete(id int64) {
	if s.cfg.Cache == nil || s.room == nil {
		return
	}
	if err := s.cfg.Cache.Delete(context.Background(), s.room.ID, id); err != nil {
		s.logger.Debug(fmt.Sprintf("cache delete: %v", err))
	}
}

// Composer returns the session's outbound composer.
func (s *Session) Composer() *Composer {
	return s.composer
}

// Room returns the attached room, nil before the first Open.
func (s *Session) Room() *models.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Connected reports whether the live socket is up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	return conn != nil && conn.Connected()
}

// Messages returns a copy of the current timeline in ascending creation
// order.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline.Messages()
}

// Lines returns the display plan for the current timeline.
func (s *Session) Lines(loc *time.Location) []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RenderPlan(s.timeline.Messages(), loc)
}

// Fresh reports whether a message is still inside its highlight window.
func (s *Session) Fresh(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline.Fresh(id)
}

// Typing returns the usernames currently typing, excluding the local user.
func (s *Session) Typing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.Typing()
}

// Roster returns the users joined to the conversation's live channel.
func (s *Session) Roster() []models.UserSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.Roster()
}

// Close detaches the session: the socket closes, pending debounce timers
// are cancelled, and any in-flight events are discarded. The session is
// not reusable after Close.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.gen++
	s.teardownLocked()
}

func (s *Session) teardownLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.receipts.Cancel()
	s.composer.Cancel()
	s.presence.Clear()
}
