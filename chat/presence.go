package chat

import (
	"slices"
	"strings"

	"github.com/putto11262002/chatsync/models"
	"github.com/putto11262002/chatsync/ws"
)

// Presence is the ephemeral per-conversation view state: who is typing and
// who is joined to the live channel. It is rebuilt entirely from socket
// events, carries nothing across reconnects, and never touches the message
// list. Not safe for concurrent use; the owning Session serializes access.
type Presence struct {
	localUser int64
	typing    map[string]struct{}
	roster    map[int64]models.UserSummary
}

func NewPresence(localUser int64) *Presence {
	return &Presence{
		localUser: localUser,
		typing:    make(map[string]struct{}),
		roster:    make(map[int64]models.UserSummary),
	}
}

// ApplyTyping toggles a user in the typing set. Events for the local user
// are ignored: typing indicators describe other participants only.
func (p *Presence) ApplyTyping(ev ws.TypingEvent) {
	if ev.User.ID == p.localUser {
		return
	}
	if ev.Typing {
		p.typing[ev.User.Username] = struct{}{}
	} else {
		delete(p.typing, ev.User.Username)
	}
}

func (p *Presence) ApplyJoin(ev ws.UserJoinedEvent) {
	p.roster[ev.User.ID] = ev.User
}

func (p *Presence) ApplyLeave(ev ws.UserLeftEvent) {
	delete(p.roster, ev.User.ID)
	delete(p.typing, ev.User.Username)
}

// Typing returns the usernames currently typing, sorted for stable display.
func (p *Presence) Typing() []string {
	names := make([]string, 0, len(p.typing))
	for name := range p.typing {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Roster returns the users joined to the conversation's live channel,
// sorted by username.
func (p *Presence) Roster() []models.UserSummary {
	users := make([]models.UserSummary, 0, len(p.roster))
	for _, u := range p.roster {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b models.UserSummary) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users
}

// Clear drops all ephemeral state. Called when the socket disconnects or
// the conversation changes; the server replays membership on rejoin.
func (p *Presence) Clear() {
	clear(p.typing)
	clear(p.roster)
}
