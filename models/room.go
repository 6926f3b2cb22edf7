package models

import "time"

// Room represents a conversation: either a named group room or a resolved
// direct-message pairing. The ID is opaque and stable for the lifetime of
// the socket subscription.
type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsDirect    bool      `json:"is_direct"`
	CreatedAt   time.Time `json:"created_at"`
	MemberCount int       `json:"member_count,omitempty"`
	// Peer is set only on direct rooms resolved from a user id.
	Peer *UserSummary `json:"peer,omitempty"`
}
