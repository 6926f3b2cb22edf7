package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/putto11262002/chatsync/models"
)

func at(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

func msg(t *testing.T, id, sender int64, created, content string) models.Message {
	t.Helper()
	return models.Message{
		ID:        id,
		Sender:    models.UserSummary{ID: sender, Username: "u"},
		Content:   content,
		CreatedAt: at(t, created),
	}
}

func ids(msgs []models.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestApplyMessageAppendsInOrder(t *testing.T) {
	tl := NewTimeline()
	tl.Reset([]models.Message{msg(t, 1, 2, "2025-06-01T10:00:00Z", "a")})

	inserted := tl.ApplyMessage(msg(t, 2, 2, "2025-06-01T10:01:00Z", "b"))
	assert.True(t, inserted)
	assert.Equal(t, []int64{1, 2}, ids(tl.Messages()))
}

func TestApplyMessageInsertsOutOfOrderArrival(t *testing.T) {
	tl := NewTimeline()
	tl.Reset([]models.Message{msg(t, 5, 2, "2025-06-01T10:05:00Z", "later")})

	tl.ApplyMessage(msg(t, 3, 2, "2025-06-01T10:01:00Z", "earlier"))
	assert.Equal(t, []int64{3, 5}, ids(tl.Messages()))
}

func TestApplyMessageIdempotentUpsert(t *testing.T) {
	tl := NewTimeline()

	first := msg(t, 1, 2, "2025-06-01T10:00:00Z", "v1")
	require.True(t, tl.ApplyMessage(first))

	// The same message arriving again (echo plus duplicate delivery)
	// replaces in place: one copy, latest content, position kept.
	second := first
	second.Content = "v2"
	assert.False(t, tl.ApplyMessage(second))

	msgs := tl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "v2", msgs[0].Content)
}

func TestApplyUpdateInPlace(t *testing.T) {
	tl := NewTimeline()
	tl.Reset([]models.Message{
		msg(t, 1, 2, "2025-06-01T10:00:00Z", "a"),
		msg(t, 2, 2, "2025-06-01T10:01:00Z", "b"),
	})

	edited := msg(t, 2, 2, "2025-06-01T10:01:00Z", "edited")
	now := at(t, "2025-06-01T10:02:00Z")
	edited.EditedAt = &now

	assert.True(t, tl.ApplyUpdate(edited))
	msgs := tl.Messages()
	assert.Equal(t, "edited", msgs[1].Content)
	assert.True(t, msgs[1].Edited())
	assert.Equal(t, "a", msgs[0].Content, "other messages must be untouched")
}

func TestApplyUpdateForAbsentIDDoesNotResurrect(t *testing.T) {
	tl := NewTimeline()
	tl.Reset([]models.Message{msg(t, 1, 2, "2025-06-01T10:00:00Z", "a")})

	assert.False(t, tl.ApplyUpdate(msg(t, 9, 2, "2025-06-01T10:01:00Z", "ghost")))
	assert.Equal(t, []int64{1}, ids(tl.Messages()))
}

func TestApplyDeleteIdempotent(t *testing.T) {
	tl := NewTimeline()
	tl.Reset([]models.Message{
		msg(t, 1, 2, "2025-06-01T10:00:00Z", "a"),
		msg(t, 2, 2, "2025-06-01T10:01:00Z", "b"),
	})

	assert.True(t, tl.ApplyDelete(1))
	assert.Equal(t, []int64{2}, ids(tl.Messages()))

	assert.False(t, tl.ApplyDelete(1))
	assert.False(t, tl.ApplyDelete(42))
	assert.Equal(t, []int64{2}, ids(tl.Messages()))
}

func TestDanglingParentSurvivesDelete(t *testing.T) {
	tl := NewTimeline()
	parent := int64(1)
	reply := msg(t, 3, 2, "2025-06-01T10:02:00Z", "reply")
	reply.Parent = &parent
	tl.Reset([]models.Message{
		msg(t, 1, 2, "2025-06-01T10:00:00Z", "a"),
		reply,
	})

	tl.ApplyDelete(1)
	msgs := tl.Messages()
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Parent, "reply keeps its stale parent reference")
	assert.Equal(t, int64(1), *msgs[0].Parent)
}

func TestApplyReadMonotonic(t *testing.T) {
	tl := NewTimeline()
	tl.Reset([]models.Message{msg(t, 2, 2, "2025-06-01T10:00:00Z", "a")})

	changed := tl.ApplyRead([]int64{2}, 9)
	assert.Equal(t, []int64{2}, changed)

	// Replayed receipt: set does not grow a duplicate and nothing changes.
	changed = tl.ApplyRead([]int64{2}, 9)
	assert.Empty(t, changed)

	m, ok := tl.Get(2)
	require.True(t, ok)
	assert.Equal(t, []int64{9}, m.ReadBy)
}

func TestApplyReadSkipsUnknownIDs(t *testing.T) {
	tl := NewTimeline()
	tl.Reset([]models.Message{msg(t, 1, 2, "2025-06-01T10:00:00Z", "a")})

	changed := tl.ApplyRead([]int64{1, 404}, 9)
	assert.Equal(t, []int64{1}, changed)
	assert.Equal(t, []int64{1}, ids(tl.Messages()), "read receipts never insert messages")
}

func TestOrderPreservedAcrossOperations(t *testing.T) {
	tl := NewTimeline()
	tl.Reset([]models.Message{
		msg(t, 1, 2, "2025-06-01T10:00:00Z", "a"),
		msg(t, 2, 3, "2025-06-01T10:01:00Z", "b"),
		msg(t, 3, 2, "2025-06-01T10:02:00Z", "c"),
	})

	tl.ApplyUpdate(msg(t, 2, 3, "2025-06-01T10:01:00Z", "b2"))
	tl.ApplyDelete(1)
	tl.ApplyMessage(msg(t, 4, 3, "2025-06-01T10:03:00Z", "d"))
	tl.ApplyRead([]int64{3}, 9)

	msgs := tl.Messages()
	assert.Equal(t, []int64{2, 3, 4}, ids(msgs))
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt),
			"list must stay ascending by creation time")
	}
}

func TestFreshExpires(t *testing.T) {
	tl := NewTimeline()
	now := at(t, "2025-06-01T10:00:00Z")
	tl.now = func() time.Time { return now }

	tl.ApplyMessage(msg(t, 1, 2, "2025-06-01T09:59:00Z", "a"))
	assert.True(t, tl.Fresh(1))

	now = now.Add(FreshWindow - time.Millisecond)
	assert.True(t, tl.Fresh(1))

	now = now.Add(2 * time.Millisecond)
	assert.False(t, tl.Fresh(1))
	assert.False(t, tl.Fresh(1), "expiry is stable")
}

func TestSnapshotSeedNotFresh(t *testing.T) {
	tl := NewTimeline()
	tl.Reset([]models.Message{msg(t, 1, 2, "2025-06-01T10:00:00Z", "a")})
	assert.False(t, tl.Fresh(1), "snapshot messages are not highlighted")
}

func TestUnread(t *testing.T) {
	tl := NewTimeline()
	mine := msg(t, 1, 7, "2025-06-01T10:00:00Z", "mine")
	theirsRead := msg(t, 2, 2, "2025-06-01T10:01:00Z", "seen")
	theirsRead.ReadBy = []int64{7}
	theirsUnread := msg(t, 3, 2, "2025-06-01T10:02:00Z", "unseen")
	tl.Reset([]models.Message{mine, theirsRead, theirsUnread})

	assert.Equal(t, []int64{3}, tl.Unread(7))
}
