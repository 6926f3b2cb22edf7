package chat

import (
	"strings"
	"sync"
	"time"

	"github.com/putto11262002/chatsync/ws"
)

// TypingIdle is how long after the last keystroke the typing indicator is
// withdrawn.
const TypingIdle = 2 * time.Second

// Composer translates local composition actions into outbound frames. It
// tracks at most one active target: a message being edited or a message
// being replied to, never both. It performs no optimistic insertion; the
// authoritative copy of anything sent arrives back through the event
// stream, over the same transport the frame went out on.
type Composer struct {
	mu          sync.Mutex
	send        func(*ws.Outbound)
	replyTo     *int64
	editing     *int64
	channel     *int64
	idle        time.Duration
	typingTimer *time.Timer
}

// NewComposer builds a composer that emits frames through send. The send
// function is expected to drop frames when the transport is down.
func NewComposer(send func(*ws.Outbound)) *Composer {
	return &Composer{send: send, idle: TypingIdle}
}

// Send emits the composed text as one outbound frame: an edit when edit
// mode is active, otherwise a message carrying the reply target and channel
// when set. Blank text is a no-op. Sending clears the active target and
// withdraws the typing indicator immediately.
func (c *Composer) Send(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	c.mu.Lock()
	var out *ws.Outbound
	if c.editing != nil {
		out = ws.NewEdit(*c.editing, text)
	} else {
		out = ws.NewMessage(text, c.replyTo, c.channel)
	}
	c.replyTo = nil
	c.editing = nil
	c.stopTypingTimer()
	c.mu.Unlock()

	c.send(out)
	c.send(ws.NewTyping(false))
}

// Delete requests deletion of a message. Local state is untouched; the
// broker's deletion broadcast, echoed back to the sender too, drives the
// removal.
func (c *Composer) Delete(id int64) {
	c.send(ws.NewDelete(id))
}

// Reply arms reply mode for the next Send, cancelling any edit in progress.
func (c *Composer) Reply(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replyTo = &id
	c.editing = nil
}

// BeginEdit arms edit mode for the next Send, cancelling any reply target.
func (c *Composer) BeginEdit(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.editing = &id
	c.replyTo = nil
}

// ClearTarget drops any active reply or edit target.
func (c *Composer) ClearTarget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replyTo = nil
	c.editing = nil
}

// Target returns the active edit and reply targets, at most one non-nil.
func (c *Composer) Target() (editing, replyTo *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editing, c.replyTo
}

// SetChannel scopes subsequent sends to a room channel; nil clears it.
func (c *Composer) SetChannel(id *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel = id
}

// Typing signals a keystroke. It emits typing:true and arms a single-shot
// timer that emits typing:false after the idle window; each keystroke
// restarts the timer.
func (c *Composer) Typing() {
	c.mu.Lock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.idle, func() {
		c.send(ws.NewTyping(false))
	})
	c.mu.Unlock()

	c.send(ws.NewTyping(true))
}

// Cancel stops the typing timer without emitting anything. Called on
// conversation teardown, where the socket is going away regardless.
func (c *Composer) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTypingTimer()
}

func (c *Composer) stopTypingTimer() {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
}
