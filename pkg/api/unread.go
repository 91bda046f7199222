package api

import "sync"

// CountUnread counts the messages addressed to receiverId that are not yet
// read.
func CountUnread(messages []Message, receiverId string) int {
	n := 0
	for _, message := range messages {
		if !message.IsRead && message.ReceiverId == receiverId {
			n++
		}
	}
	return n
}

// CountUnreadBySender groups the unread messages addressed to receiverId by
// sender. Records without a sender are skipped.
func CountUnreadBySender(records []MessageRecord, receiverId string) map[string]int {
	counts := make(map[string]int)
	for _, record := range records {
		if record.IsRead || record.ReceiverId != receiverId || record.SenderId == "" {
			continue
		}
		counts[record.SenderId]++
	}
	return counts
}

// PendingReads returns the ids of unread messages addressed to receiverId.
func PendingReads(records []MessageRecord, receiverId string) []string {
	var ids []string
	for _, record := range records {
		if !record.IsRead && record.ReceiverId == receiverId {
			ids = append(ids, record.Id)
		}
	}
	return ids
}

// UnreadMirror remembers the last unread count written per conversation so
// that the summary is only written when the count changes.
type UnreadMirror struct {
	mu   sync.Mutex
	last map[string]int
}

func NewUnreadMirror() *UnreadMirror {
	return &UnreadMirror{last: make(map[string]int)}
}

// Changed records count for conversationId and reports whether it differs
// from the previously recorded value.
func (m *UnreadMirror) Changed(conversationId string, count int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.last[conversationId]; ok && prev == count {
		return false
	}
	m.last[conversationId] = count
	return true
}

// Forget drops the recorded value, so a failed write is attempted again.
func (m *UnreadMirror) Forget(conversationId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.last, conversationId)
}
