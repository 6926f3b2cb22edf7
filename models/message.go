package models

import (
	"slices"
	"time"
)

// Message represents a chat message as it appears on the wire. The field
// names mirror the broker's JSON exactly and must not be renamed.
type Message struct {
	ID      int64       `json:"id"`
	Sender  UserSummary `json:"sender"`
	Content string      `json:"content"`
	// CreatedAt is assigned by the broker and never changes, even across
	// edits. It determines the message's position in the conversation.
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	// Parent references another message in the same conversation when this
	// message is a reply. The reference is not rewritten when the parent is
	// deleted, so it may dangle.
	Parent  *int64 `json:"parent"`
	Channel *int64 `json:"channel,omitempty"`
	// Reactions maps an emoji to the ids of users who reacted with it.
	Reactions map[string][]int64 `json:"reactions,omitempty"`
	// ReadBy lists users who have seen the message. It only ever grows and
	// never includes the sender.
	ReadBy []int64 `json:"read_by"`
}

// ReadBy reports whether userID has seen the message.
func (m *Message) IsReadBy(userID int64) bool {
	return slices.Contains(m.ReadBy, userID)
}

// MarkReadBy records that userID has seen the message. Adding a user that
// is already present is a no-op, so replayed read receipts are harmless.
func (m *Message) MarkReadBy(userID int64) {
	if m.IsReadBy(userID) {
		return
	}
	m.ReadBy = append(m.ReadBy, userID)
}

// Edited reports whether the message content has been changed since it was
// first sent.
func (m *Message) Edited() bool {
	return m.EditedAt != nil
}
