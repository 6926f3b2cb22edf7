package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/putto11262002/chatsync/models"
)

func TestRenderPlanGroupsSameSenderRuns(t *testing.T) {
	msgs := []models.Message{
		msg(t, 1, 2, "2025-06-01T10:00:00Z", "a"),
		msg(t, 2, 2, "2025-06-01T10:01:00Z", "b"),
		msg(t, 3, 5, "2025-06-01T10:02:00Z", "c"),
		msg(t, 4, 2, "2025-06-01T10:03:00Z", "d"),
	}

	lines := RenderPlan(msgs, time.UTC)
	require.Len(t, lines, 4)
	assert.True(t, lines[0].ShowHeader)
	assert.False(t, lines[1].ShowHeader, "second message of a run hides its header")
	assert.True(t, lines[2].ShowHeader, "sender change restarts the run")
	assert.True(t, lines[3].ShowHeader)
}

func TestRenderPlanDaySeparators(t *testing.T) {
	msgs := []models.Message{
		msg(t, 1, 2, "2025-06-01T23:50:00Z", "a"),
		msg(t, 2, 2, "2025-06-02T00:10:00Z", "b"),
	}

	lines := RenderPlan(msgs, time.UTC)
	require.Len(t, lines, 2)
	assert.True(t, lines[0].DayBreak, "first message always opens a day")
	assert.True(t, lines[1].DayBreak)
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), lines[1].Day)
	// A date boundary restarts grouping even for the same sender.
	assert.True(t, lines[1].ShowHeader)
}

func TestRenderPlanDayBoundaryIsLocal(t *testing.T) {
	// 23:50 and 00:10 UTC straddle midnight UTC but sit inside the same
	// calendar day at UTC-2.
	loc := time.FixedZone("UTC-2", -2*60*60)
	msgs := []models.Message{
		msg(t, 1, 2, "2025-06-01T23:50:00Z", "a"),
		msg(t, 2, 2, "2025-06-02T00:10:00Z", "b"),
	}

	lines := RenderPlan(msgs, loc)
	require.Len(t, lines, 2)
	assert.False(t, lines[1].DayBreak)
	assert.False(t, lines[1].ShowHeader, "same local day, same sender: grouped")
}

func TestRenderPlanEmpty(t *testing.T) {
	assert.Empty(t, RenderPlan(nil, time.UTC))
}
