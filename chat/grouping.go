package chat

import (
	"time"

	"github.com/putto11262002/chatsync/models"
)

// Line is one rendered row of a conversation: a message plus its display
// affordances. Grouping is purely derived from the ordered list and never
// mutates it.
type Line struct {
	Msg models.Message
	// ShowHeader is false when the message continues a run from the same
	// sender within the same calendar day, letting the renderer suppress
	// the avatar and name.
	ShowHeader bool
	// DayBreak is set when this message starts a new local calendar day;
	// Day is that day's midnight in loc.
	DayBreak bool
	Day      time.Time
}

// RenderPlan derives the display rows for an ordered message list. Day
// boundaries are computed against local wall-clock days in loc; a date
// separator always restarts sender grouping.
func RenderPlan(msgs []models.Message, loc *time.Location) []Line {
	lines := make([]Line, 0, len(msgs))
	for i, m := range msgs {
		line := Line{Msg: m, ShowHeader: true}

		day := localDay(m.CreatedAt, loc)
		if i == 0 || !day.Equal(localDay(msgs[i-1].CreatedAt, loc)) {
			line.DayBreak = true
			line.Day = day
		}
		if i > 0 && !line.DayBreak && msgs[i-1].Sender.ID == m.Sender.ID {
			line.ShowHeader = false
		}

		lines = append(lines, line)
	}
	return lines
}

func localDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}
