package chat

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/putto11262002/chatsync/api"
	"github.com/putto11262002/chatsync/internal/brokertest"
	"github.com/putto11262002/chatsync/models"
	"github.com/putto11262002/chatsync/store"
	"github.com/putto11262002/chatsync/ws"
)

var baseTimeout = 3 * time.Second

var (
	alice = models.UserSummary{ID: 7, Username: "alice"}
	bob   = models.UserSummary{ID: 8, Username: "bob"}
)

type sessionFixture struct {
	t      *testing.T
	broker *brokertest.Broker
	srv    *httptest.Server
	room   models.Room

	mu       sync.Mutex
	incoming []models.Message
}

func setUpSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	f := &sessionFixture{t: t, broker: brokertest.New()}
	f.srv = httptest.NewServer(f.broker.Handler())
	t.Cleanup(f.srv.Close)
	f.room = f.broker.CreateRoom("general")
	return f
}

func (f *sessionFixture) newSession(mod func(*SessionConfig)) *Session {
	f.t.Helper()
	token := f.broker.Token(alice)
	cfg := SessionConfig{
		API:     api.New(f.srv.URL, token),
		Local:   Identity{ID: alice.ID, Username: alice.Username},
		BaseURL: f.srv.URL,
		Token:   token,
		OnIncoming: func(m models.Message) {
			f.mu.Lock()
			f.incoming = append(f.incoming, m)
			f.mu.Unlock()
		},
	}
	if mod != nil {
		mod(&cfg)
	}
	s := NewSession(cfg)
	f.t.Cleanup(s.Close)
	return s
}

func (f *sessionFixture) incomingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.incoming)
}

// peer connects a second participant's raw socket to the room.
func (f *sessionFixture) peer(user models.UserSummary) *ws.Conn {
	f.t.Helper()
	conn, err := ws.Dial(context.Background(), f.srv.URL, f.room.ID, f.broker.Token(user))
	require.NoError(f.t, err)
	f.t.Cleanup(conn.Close)
	// The event stream must be drained or the connection wedges.
	go func() {
		for range conn.Events() {
		}
	}()
	return conn
}

func waitForMessages(t *testing.T, s *Session, n int) []models.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.Messages()) == n },
		baseTimeout, baseTimeout/50, "timeout waiting for %d messages, have %d", n, len(s.Messages()))
	return s.Messages()
}

func TestSessionSnapshotSeedsTimeline(t *testing.T) {
	f := setUpSessionFixture(t)
	f.broker.Seed(f.room.ID, bob, "first", "second")

	s := f.newSession(nil)
	require.NoError(t, s.Open(context.Background(), f.room.ID))

	msgs := waitForMessages(t, s, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	require.NotNil(t, s.Room())
	assert.Equal(t, "general", s.Room().Name)
	require.Eventually(t, s.Connected, baseTimeout, baseTimeout/50)
}

func TestSessionOpenUnknownRoomFails(t *testing.T) {
	f := setUpSessionFixture(t)
	s := f.newSession(nil)

	err := s.Open(context.Background(), "no-such-room")
	require.Error(t, err)
	var statusErr *api.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 404, statusErr.Code)
}

func TestSessionReceivesPeerMessage(t *testing.T) {
	f := setUpSessionFixture(t)
	s := f.newSession(nil)
	require.NoError(t, s.Open(context.Background(), f.room.ID))
	require.Eventually(t, s.Connected, baseTimeout, baseTimeout/50)

	peer := f.peer(bob)
	peer.Send(ws.NewMessage("hi from bob", nil, nil))

	msgs := waitForMessages(t, s, 1)
	assert.Equal(t, "hi from bob", msgs[0].Content)
	assert.Equal(t, bob.ID, msgs[0].Sender.ID)
	assert.True(t, s.Fresh(msgs[0].ID), "a live message is highlighted")

	require.Eventually(t, func() bool { return f.incomingCount() == 1 },
		baseTimeout, baseTimeout/50, "OnIncoming should fire for a peer message")
}

func TestSessionOwnEchoAppearsOnce(t *testing.T) {
	f := setUpSessionFixture(t)
	s := f.newSession(nil)
	require.NoError(t, s.Open(context.Background(), f.room.ID))
	require.Eventually(t, s.Connected, baseTimeout, baseTimeout/50)

	// No optimistic insert: the only copy arrives as the broker's echo.
	s.Composer().Send("mine")

	msgs := waitForMessages(t, s, 1)
	assert.Equal(t, alice.ID, msgs[0].Sender.ID)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, s.Messages(), 1, "echo must not duplicate")
	assert.Zero(t, f.incomingCount(), "own messages are not incoming notifications")
}

func TestSessionEditPropagates(t *testing.T) {
	f := setUpSessionFixture(t)
	s := f.newSession(nil)
	require.NoError(t, s.Open(context.Background(), f.room.ID))
	require.Eventually(t, s.Connected, baseTimeout, baseTimeout/50)

	peer := f.peer(bob)
	peer.Send(ws.NewMessage("draft", nil, nil))
	msgs := waitForMessages(t, s, 1)

	peer.Send(ws.NewEdit(msgs[0].ID, "final"))
	require.Eventually(t, func() bool {
		current := s.Messages()
		return len(current) == 1 && current[0].Content == "final" && current[0].Edited()
	}, baseTimeout, baseTimeout/50)
}

func TestSessionDeleteSpellings(t *testing.T) {
	for _, field := range []string{"message_id", "id", "message"} {
		t.Run(field, func(t *testing.T) {
			f := setUpSessionFixture(t)
			f.broker.DeleteField = field

			s := f.newSession(nil)
			require.NoError(t, s.Open(context.Background(), f.room.ID))
			require.Eventually(t, s.Connected, baseTimeout, baseTimeout/50)

			peer := f.peer(bob)
			peer.Send(ws.NewMessage("going away", nil, nil))
			msgs := waitForMessages(t, s, 1)

			peer.Send(ws.NewDelete(msgs[0].ID))
			require.Eventually(t, func() bool { return len(s.Messages()) == 0 },
				baseTimeout, baseTimeout/50)
		})
	}
}

func TestSessionLegacyEditEventType(t *testing.T) {
	f := setUpSessionFixture(t)
	f.broker.EditEventType = "message_edited"

	s := f.newSession(nil)
	require.NoError(t, s.Open(context.Background(), f.room.ID))
	require.Eventually(t, s.Connected, baseTimeout, baseTimeout/50)

	peer := f.peer(bob)
	peer.Send(ws.NewMessage("draft", nil, nil))
	msgs := waitForMessages(t, s, 1)

	peer.Send(ws.NewEdit(msgs[0].ID, "final"))
	require.Eventually(t, func() bool {
		current := s.Messages()
		return len(current) == 1 && current[0].Content == "final"
	}, baseTimeout, baseTimeout/50)
}

func TestSessionTypingIndicator(t *testing.T) {
	f := setUpSessionFixture(t)
	s := f.newSession(nil)
	require.NoError(t, s.Open(context.Background(), f.room.ID))
	require.Eventually(t, s.Connected, baseTimeout, baseTimeout/50)

	peer := f.peer(bob)
	peer.Send(ws.NewTyping(true))
	require.Eventually(t, func() bool {
		names := s.Typing()
		return len(names) == 1 && names[0] == "bob"
	}, baseTimeout, baseTimeout/50)

	peer.Send(ws.NewTyping(false))
	require.Eventually(t, func() bool { return len(s.Typing()) == 0 },
		baseTimeout, baseTimeout/50)
}

func TestSessionRoster(t *testing.T) {
	f := setUpSessionFixture(t)
	s := f.newSession(nil)
	require.NoError(t, s.Open(context.Background(), f.room.ID))
	require.Eventually(t, s.Connected, baseTimeout, baseTimeout/50)

	peer := f.peer(bob)
	require.Eventually(t, func() bool {
		for _, u := range s.Roster() {
			if u.ID == bob.ID {
				return true
			}
		}
		return false
	}, baseTimeout, baseTimeout/50, "bob should appear in the roster after joining")

	peer.Close()
	require.Eventually(t, func() bool {
		for _, u := range s.Roster() {
			if u.ID == bob.ID {
				return false
			}
		}
		return true
	}, baseTimeout, baseTimeout/50, "bob should leave the roster on disconnect")
}

func TestSessionReadReceiptsOverSocket(t *testing.T) {
	f := setUpSessionFixture(t)
	seeded := f.broker.Seed(f.room.ID, bob, "unread one", "unread two")

	s := f.newSession(nil)
	require.NoError(t, s.Open(context.Background(), f.room.ID))
	require.Eventually(t, s.Connected, baseTimeout, baseTimeout/50)

	// The snapshot scan batches both ids into one flush; the broker's
	// broadcast then lands the receipts back in the local timeline.
	require.Eventually(t, func() bool {
		for _, m := range f.broker.Messages(f.room.ID) {
			if !m.IsReadBy(alice.ID) {
				return false
			}
		}
		return true
	}, baseTimeout, baseTimeout/50, "broker should record alice's receipts")

	require.Eventually(t, func() bool {
		for _, id := range []int64{seeded[0].ID, seeded[1].ID} {
			found := false
			for _, m := range s.Messages() {
				if m.ID == id && m.IsReadBy(alice.ID) {
					found = true
				}
			}
			if !found {
				return false
			}
		}
		return true
	}, baseTimeout, baseTimeout/50, "receipt broadcast should reconcile locally")
}

func TestSessionReadReceiptsRESTFallback(t *testing.T) {
	f := setUpSessionFixture(t)
	f.broker.Seed(f.room.ID, bob, "unread")

	s := f.newSession(nil)
	// Force the socket down so the flush has to take the REST path.
	s.dial = func(ctx context.Context, roomID string) (*ws.Conn, error) {
		return nil, errors.New("transport down")
	}
	require.NoError(t, s.Open(context.Background(), f.room.ID))
	require.False(t, s.Connected())

	require.Eventually(t, func() bool {
		msgs := f.broker.Messages(f.room.ID)
		return len(msgs) == 1 && msgs[0].IsReadBy(alice.ID)
	}, baseTimeout, baseTimeout/50, "receipts should fall back to REST while disconnected")
}

func TestSessionReact(t *testing.T) {
	f := setUpSessionFixture(t)
	seeded := f.broker.Seed(f.room.ID, bob, "react to me")

	s := f.newSession(nil)
	require.NoError(t, s.Open(context.Background(), f.room.ID))
	waitForMessages(t, s, 1)

	s.React(context.Background(), seeded[0].ID, "🔥")
	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && len(msgs[0].Reactions["🔥"]) == 1
	}, baseTimeout, baseTimeout/50)

	// Toggling again removes the reaction.
	s.React(context.Background(), seeded[0].ID, "🔥")
	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && len(msgs[0].Reactions["🔥"]) == 0
	}, baseTimeout, baseTimeout/50)
}

func TestSessionCacheWarmStartThenSnapshotReplace(t *testing.T) {
	f := setUpSessionFixture(t)
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cache := store.NewCache(db)

	// A previous run left a stale message in the cache; the broker's
	// current history differs.
	stale := models.Message{
		ID: 999, Sender: bob, Content: "stale cached line",
		CreatedAt: time.Now().Add(-time.Hour).UTC(),
	}
	require.NoError(t, cache.Put(context.Background(), f.room.ID, stale))
	f.broker.Seed(f.room.ID, bob, "live history")

	s := f.newSession(func(cfg *SessionConfig) { cfg.Cache = cache })
	require.NoError(t, s.Open(context.Background(), f.room.ID))

	// The snapshot wins: the stale line is gone from both the view and
	// the rewritten cache.
	msgs := waitForMessages(t, s, 1)
	assert.Equal(t, "live history", msgs[0].Content)

	cached, err := cache.Load(context.Background(), f.room.ID)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "live history", cached[0].Content)
}

func TestSessionSwitchRoomDiscardsOldState(t *testing.T) {
	f := setUpSessionFixture(t)
	f.broker.Seed(f.room.ID, bob, "room one history")
	other := f.broker.CreateRoom("other")

	s := f.newSession(nil)
	require.NoError(t, s.Open(context.Background(), f.room.ID))
	waitForMessages(t, s, 1)

	require.NoError(t, s.Open(context.Background(), other.ID))
	assert.Empty(t, s.Messages(), "new room starts from its own (empty) snapshot")
	assert.Equal(t, "other", s.Room().Name)
}

func TestSessionStaleGenerationEventDiscarded(t *testing.T) {
	f := setUpSessionFixture(t)
	s := f.newSession(nil)
	require.NoError(t, s.Open(context.Background(), f.room.ID))

	// An event from a superseded socket may still be in flight after a
	// switch; its stale generation tag must stop it from applying.
	s.mu.Lock()
	stale := s.gen - 1
	s.mu.Unlock()
	s.apply(stale, ws.MessageEvent{Message: models.Message{
		ID: 99, Sender: bob, Content: "ghost", CreatedAt: time.Now(),
	}})
	assert.Empty(t, s.Messages())
}

func TestSessionReconnects(t *testing.T) {
	f := setUpSessionFixture(t)
	s := f.newSession(func(cfg *SessionConfig) {
		cfg.Reconnect = true
	})
	require.NoError(t, s.Open(context.Background(), f.room.ID))
	require.Eventually(t, s.Connected, baseTimeout, baseTimeout/50)

	f.broker.Kick(f.room.ID)
	require.Eventually(t, func() bool { return !s.Connected() },
		baseTimeout, baseTimeout/50, "kick should be observed")

	require.Eventually(t, s.Connected, 10*time.Second, 50*time.Millisecond,
		"session should redial after the drop")

	// The rebuilt connection is live end to end.
	peer := f.peer(bob)
	peer.Send(ws.NewMessage("after the storm", nil, nil))
	waitForMessages(t, s, 1)
}

func TestSessionCloseStopsApplying(t *testing.T) {
	f := setUpSessionFixture(t)
	s := f.newSession(nil)
	require.NoError(t, s.Open(context.Background(), f.room.ID))
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	s.Close()
	s.apply(gen, ws.MessageEvent{Message: models.Message{
		ID: 1, Sender: bob, Content: "late", CreatedAt: time.Now(),
	}})
	assert.Empty(t, s.Messages())
	assert.False(t, s.Connected())
}
