package api

import (
	"sort"
	"time"
)

// NormalizeTimestamp converts a stored timestamp into a resolved time. Nil,
// zero and unrecognized values are pending and yield nil.
func NormalizeTimestamp(v interface{}) *time.Time {
	var t time.Time
	switch ts := v.(type) {
	case time.Time:
		t = ts
	case *time.Time:
		if ts == nil {
			return nil
		}
		t = *ts
	case interface{ AsTime() time.Time }:
		t = ts.AsTime()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil
		}
		t = parsed
	default:
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return &t
}

// Normalize converts store records into messages.
func Normalize(records []MessageRecord) []Message {
	messages := make([]Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, Message{
			Id:         record.Id,
			Text:       record.Text,
			SenderId:   record.SenderId,
			ReceiverId: record.ReceiverId,
			CreatedAt:  NormalizeTimestamp(record.Timestamp),
			IsRead:     record.IsRead,
		})
	}
	return messages
}

// SortMessages orders messages by creation time. Pending messages come
// before resolved ones; ties fall back to the message id so that the order
// never depends on delivery order.
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		a, b := messages[i].CreatedAt, messages[j].CreatedAt
		switch {
		case a == nil && b == nil:
			return messages[i].Id < messages[j].Id
		case a == nil:
			return true
		case b == nil:
			return false
		case !a.Equal(*b):
			return a.Before(*b)
		default:
			return messages[i].Id < messages[j].Id
		}
	})
}

// GroupMessages partitions sorted messages into time buckets, in order of
// first appearance.
func GroupMessages(messages []Message, now time.Time) []MessageGroup {
	groups := make([]MessageGroup, 0)
	index := make(map[string]int)
	for _, message := range messages {
		category := UnknownCategory
		if message.CreatedAt != nil {
			category = TimeBucket(*message.CreatedAt, now)
		}
		i, ok := index[category]
		if !ok {
			i = len(groups)
			index[category] = i
			groups = append(groups, MessageGroup{Category: category})
		}
		groups[i].Messages = append(groups[i].Messages, message)
	}
	return groups
}

// BuildView turns a full snapshot of a conversation into the view of
// viewerId.
func BuildView(conversationId string, viewerId string, records []MessageRecord, now time.Time) ConversationView {
	messages := Normalize(records)
	SortMessages(messages)
	return ConversationView{
		ConversationId: conversationId,
		Groups:         GroupMessages(messages, now),
		UnreadCount:    CountUnread(messages, viewerId),
	}
}
