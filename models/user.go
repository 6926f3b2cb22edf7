package models

// UserSummary is the denormalized sender/actor record carried on messages
// and membership events. It is immutable once attached to a message.
type UserSummary struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Title    string `json:"title,omitempty"`
}
