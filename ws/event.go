package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/putto11262002/chatsync/models"
)

// Event type names used on the wire. The broker distinguishes inbound and
// outbound vocabularies: "message", "typing" and "message_read" appear in
// both directions, the rest are one-directional.
const (
	TypeMessage     = "message"
	TypeEdit        = "edit"
	TypeDelete      = "delete"
	TypeTyping      = "typing"
	TypeMessageRead = "message_read"

	TypeMessageUpdated = "message_updated"
	TypeMessageEdited  = "message_edited"
	TypeMessageDeleted = "message_deleted"
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
)

// ErrUnknownType is returned by DecodeInbound for frames whose "type" field
// is not part of the inbound vocabulary. Callers drop such frames.
var ErrUnknownType = errors.New("unknown event type")

// Outbound is a client-to-broker frame. Only the fields relevant to the
// frame's Type are populated; the rest are omitted from the JSON.
type Outbound struct {
	Type       string  `json:"type"`
	ID         int64   `json:"id,omitempty"`
	Content    string  `json:"content,omitempty"`
	Parent     *int64  `json:"parent,omitempty"`
	Channel    *int64  `json:"channel,omitempty"`
	Typing     *bool   `json:"typing,omitempty"`
	MessageIDs []int64 `json:"message_ids,omitempty"`
}

// NewMessage builds a send-message frame. Parent marks the frame as a reply
// and channel scopes it to a room channel; either may be nil.
func NewMessage(content string, parent, channel *int64) *Outbound {
	return &Outbound{Type: TypeMessage, Content: content, Parent: parent, Channel: channel}
}

func NewEdit(id int64, content string) *Outbound {
	return &Outbound{Type: TypeEdit, ID: id, Content: content}
}

func NewDelete(id int64) *Outbound {
	return &Outbound{Type: TypeDelete, ID: id}
}

func NewTyping(typing bool) *Outbound {
	return &Outbound{Type: TypeTyping, Typing: &typing}
}

func NewMessageRead(ids []int64) *Outbound {
	return &Outbound{Type: TypeMessageRead, MessageIDs: ids}
}

// Inbound is a broker-to-client event. It is a closed union over the event
// kinds the broker emits; consumers switch exhaustively over the concrete
// types and DecodeInbound is the only constructor.
type Inbound interface {
	inboundEvent()
}

// MessageEvent carries a new message, or the broker's echo of one the local
// user sent.
type MessageEvent struct {
	Message models.Message
}

// MessageUpdatedEvent carries the full replacement object for an edited
// or reacted-to message.
type MessageUpdatedEvent struct {
	Message models.Message
}

type MessageDeletedEvent struct {
	ID int64
}

type TypingEvent struct {
	User   models.UserSummary
	Typing bool
}

type UserJoinedEvent struct {
	User models.UserSummary
}

type UserLeftEvent struct {
	User models.UserSummary
}

type MessageReadEvent struct {
	MessageIDs []int64
	User       models.UserSummary
}

func (MessageEvent) inboundEvent()        {}
func (MessageUpdatedEvent) inboundEvent() {}
func (MessageDeletedEvent) inboundEvent() {}
func (TypingEvent) inboundEvent()         {}
func (UserJoinedEvent) inboundEvent()     {}
func (UserLeftEvent) inboundEvent()       {}
func (MessageReadEvent) inboundEvent()    {}

// inboundFrame is the superset of fields across all inbound event kinds.
// The frame is decoded once and narrowed by type.
type inboundFrame struct {
	Type       string              `json:"type"`
	Message    *models.Message     `json:"message"`
	MessageID  *int64              `json:"message_id"`
	ID         *int64              `json:"id"`
	Typing     bool                `json:"typing"`
	User       *models.UserSummary `json:"user"`
	MessageIDs []int64             `json:"message_ids"`
}

// DecodeInbound reads one JSON frame and narrows it to a concrete Inbound
// event. A frame with an unrecognized type yields ErrUnknownType; a frame
// that fails to parse yields the decode error. Both are non-fatal to the
// connection.
func DecodeInbound(r io.Reader) (Inbound, error) {
	var frame inboundFrame
	if err := json.NewDecoder(r).Decode(&frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch frame.Type {
	case TypeMessage:
		if frame.Message == nil {
			return nil, fmt.Errorf("%s frame without message", frame.Type)
		}
		return MessageEvent{Message: *frame.Message}, nil

	case TypeMessageUpdated, TypeMessageEdited:
		// Older broker revisions emit "message_edited" for edits; both carry
		// the same payload and are reconciled identically.
		if frame.Message == nil {
			return nil, fmt.Errorf("%s frame without message", frame.Type)
		}
		return MessageUpdatedEvent{Message: *frame.Message}, nil

	case TypeMessageDeleted:
		// "message_id" is canonical. "id" and "message.id" are legacy
		// spellings from earlier broker revisions.
		switch {
		case frame.MessageID != nil:
			return MessageDeletedEvent{ID: *frame.MessageID}, nil
		case frame.ID != nil:
			return MessageDeletedEvent{ID: *frame.ID}, nil
		case frame.Message != nil:
			return MessageDeletedEvent{ID: frame.Message.ID}, nil
		}
		return nil, fmt.Errorf("%s frame without an id", frame.Type)

	case TypeTyping:
		if frame.User == nil {
			return nil, fmt.Errorf("%s frame without user", frame.Type)
		}
		return TypingEvent{User: *frame.User, Typing: frame.Typing}, nil

	case TypeUserJoined:
		if frame.User == nil {
			return nil, fmt.Errorf("%s frame without user", frame.Type)
		}
		return UserJoinedEvent{User: *frame.User}, nil

	case TypeUserLeft:
		if frame.User == nil {
			return nil, fmt.Errorf("%s frame without user", frame.Type)
		}
		return UserLeftEvent{User: *frame.User}, nil

	case TypeMessageRead:
		if frame.User == nil {
			return nil, fmt.Errorf("%s frame without user", frame.Type)
		}
		return MessageReadEvent{MessageIDs: frame.MessageIDs, User: *frame.User}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, frame.Type)
	}
}

// EncodeOutbound writes one outbound frame as JSON.
func EncodeOutbound(w io.Writer, out *Outbound) error {
	if err := json.NewEncoder(w).Encode(out); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return nil
}
