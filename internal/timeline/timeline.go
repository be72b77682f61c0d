// Package timeline turns an ordered message list into the render sequence,
// inserting a date divider at every calendar-day boundary.
package timeline

import (
	"time"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/inbox"
)

// ItemKind distinguishes the two timeline entries.
type ItemKind string

const (
	ItemKindDateDivider ItemKind = "date_divider"
	ItemKindMessage     ItemKind = "message"
)

// DayKeyLayout formats the calendar day carried by dividers.
const DayKeyLayout = "2006-01-02"

// Item is either a date divider or a message entry.
type Item struct {
	Kind    ItemKind       `json:"kind"`
	DayKey  string         `json:"day_key,omitempty"`
	Message *inbox.Message `json:"message,omitempty"`
}

// Divider constructs a date divider item.
func Divider(dayKey string) Item {
	return Item{Kind: ItemKindDateDivider, DayKey: dayKey}
}

// MessageItem constructs a message item.
func MessageItem(message inbox.Message) Item {
	clone := message.Clone()
	return Item{Kind: ItemKindMessage, Message: &clone}
}

// DayKey returns the calendar day of instant in loc.
func DayKey(instant time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return instant.In(loc).Format(DayKeyLayout)
}

// Build walks messages in the given order and emits a divider whenever the
// day key differs from the last emitted divider. Messages are never re-sorted.
func Build(messages []inbox.Message, loc *time.Location) []Item {
	items := make([]Item, 0, len(messages)+len(messages)/4+1)
	lastDayKey := ""
	for _, message := range messages {
		dayKey := DayKey(message.SentAt, loc)
		if dayKey != lastDayKey {
			items = append(items, Divider(dayKey))
			lastDayKey = dayKey
		}
		items = append(items, MessageItem(message))
	}
	return items
}

// DividerCount reports how many date dividers items contains.
func DividerCount(items []Item) int {
	count := 0
	for _, item := range items {
		if item.Kind == ItemKindDateDivider {
			count++
		}
	}
	return count
}
