package chat

import (
	"slices"
	"time"

	"github.com/putto11262002/chatsync/models"
)

// FreshWindow is how long a newly-arrived message keeps its highlight.
const FreshWindow = 5 * time.Second

// Timeline is the ordered message list for one conversation. Messages are
// kept ascending by creation time, and every mutation goes through an Apply
// method so that replayed, reordered or duplicated events converge on the
// same state. Timeline is not safe for concurrent use; the owning Session
// serializes access.
type Timeline struct {
	msgs  []models.Message
	fresh map[int64]time.Time
	now   func() time.Time
}

func NewTimeline() *Timeline {
	return &Timeline{
		fresh: make(map[int64]time.Time),
		now:   time.Now,
	}
}

// Reset replaces the whole list with a snapshot, dropping freshness state.
// The snapshot is sorted defensively; the broker already orders ascending.
func (t *Timeline) Reset(msgs []models.Message) {
	t.msgs = slices.Clone(msgs)
	slices.SortStableFunc(t.msgs, func(a, b models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	clear(t.fresh)
}

// Messages returns a copy of the list in ascending creation order.
func (t *Timeline) Messages() []models.Message {
	return slices.Clone(t.msgs)
}

func (t *Timeline) Len() int {
	return len(t.msgs)
}

func (t *Timeline) Get(id int64) (models.Message, bool) {
	if i := t.index(id); i >= 0 {
		return t.msgs[i], true
	}
	return models.Message{}, false
}

func (t *Timeline) index(id int64) int {
	return slices.IndexFunc(t.msgs, func(m models.Message) bool { return m.ID == id })
}

// ApplyMessage upserts a message by id. A colliding id replaces the
// existing message in place, keeping its position; this is what makes the
// broker's echo of a locally-sent message and a duplicated delivery
// converge to a single copy. New messages are inserted at their creation
// order position and marked fresh. Reports whether the message was new.
func (t *Timeline) ApplyMessage(msg models.Message) bool {
	if i := t.index(msg.ID); i >= 0 {
		t.msgs[i] = msg
		return false
	}
	at, _ := slices.BinarySearchFunc(t.msgs, msg, func(a, b models.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		// Same-instant messages order by id so insertion is deterministic.
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	t.msgs = slices.Insert(t.msgs, at, msg)
	t.fresh[msg.ID] = t.now()
	return true
}

// ApplyUpdate replaces a message in place by id. An update for an id that
// is not present is dropped: the message may have been deleted locally in a
// race, and re-inserting it would resurrect it.
func (t *Timeline) ApplyUpdate(msg models.Message) bool {
	i := t.index(msg.ID)
	if i < 0 {
		return false
	}
	t.msgs[i] = msg
	return true
}

// ApplyDelete removes a message by id. Deleting an absent id is a no-op,
// so replayed deletion notices are harmless. Replies pointing at the
// deleted id keep their dangling parent reference; rendering shows a
// placeholder for it.
func (t *Timeline) ApplyDelete(id int64) bool {
	i := t.index(id)
	if i < 0 {
		return false
	}
	t.msgs = slices.Delete(t.msgs, i, i+1)
	delete(t.fresh, id)
	return true
}

// ApplyRead unions userID into the read set of each listed message. Ids
// not present locally are skipped, never inserted. Returns the ids whose
// read set actually changed.
func (t *Timeline) ApplyRead(ids []int64, userID int64) []int64 {
	var changed []int64
	for _, id := range ids {
		i := t.index(id)
		if i < 0 {
			continue
		}
		if t.msgs[i].IsReadBy(userID) {
			continue
		}
		t.msgs[i].MarkReadBy(userID)
		changed = append(changed, id)
	}
	return changed
}

// Fresh reports whether the message arrived within the highlight window.
// Expired entries are pruned as a side effect.
func (t *Timeline) Fresh(id int64) bool {
	at, ok := t.fresh[id]
	if !ok {
		return false
	}
	if t.now().Sub(at) >= FreshWindow {
		delete(t.fresh, id)
		return false
	}
	return true
}

// Unread returns the ids of messages authored by someone other than
// localUser that localUser has not read yet, in list order. This feeds the
// read-receipt batcher after every list change.
func (t *Timeline) Unread(localUser int64) []int64 {
	var ids []int64
	for i := range t.msgs {
		m := &t.msgs[i]
		if m.Sender.ID == localUser || m.IsReadBy(localUser) {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids
}
