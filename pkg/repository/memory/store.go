// Package memory is an in-process document store with the same semantics as
// the Firestore storage. It backs local development and tests.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"directChat/pkg/api"
	jsonPatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
)

type chat struct {
	exists      bool
	users       []string
	lastMessage string
	timestamp   time.Time
	unreadCount int
	messages    []api.MessageRecord
}

type watcher struct {
	notify chan struct{}
}

type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	users    map[string][]byte
	presence map[string][]byte
	chats    map[string]*chat
	watchers map[string]map[*watcher]struct{}
	writes   int
}

type Option func(*Store)

// WithClock sets the time used for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		users:    make(map[string][]byte),
		presence: make(map[string][]byte),
		chats:    make(map[string]*chat),
		watchers: make(map[string]map[*watcher]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func messagesTopic(conversationId string) string { return "messages/" + conversationId }
func unreadTopic(receiverId string) string       { return "unread/" + receiverId }
func chatTopic(conversationId string) string     { return "chat/" + conversationId }
func presenceTopic(uid string) string            { return "presence/" + uid }

const usersTopic = "users"

func (s *Store) SendMessage(ctx context.Context, msg api.OutgoingMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := s.chatLocked(msg.ConversationId)
	if !c.exists || len(c.users) == 0 {
		c.users = []string{msg.SenderId, msg.ReceiverId}
	}
	c.exists = true
	c.lastMessage = msg.Text
	c.timestamp = now

	record := api.MessageRecord{
		Id:         uuid.NewString(),
		Text:       msg.Text,
		SenderId:   msg.SenderId,
		ReceiverId: msg.ReceiverId,
		Timestamp:  now,
	}
	c.messages = append(c.messages, record)
	s.writes++

	s.notifyLocked(chatTopic(msg.ConversationId), messagesTopic(msg.ConversationId), unreadTopic(msg.ReceiverId))
	return record.Id, nil
}

// Insert adds a raw message record to a conversation without touching its
// summary. An empty id is generated.
func (s *Store) Insert(conversationId string, record api.MessageRecord) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.Id == "" {
		record.Id = uuid.NewString()
	}
	c := s.chatLocked(conversationId)
	c.messages = append(c.messages, record)
	s.notifyLocked(messagesTopic(conversationId), unreadTopic(record.ReceiverId))
	return record.Id
}

func (s *Store) MarkRead(ctx context.Context, conversationId string, messageIds []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[conversationId]
	if !ok {
		return nil
	}
	ids := make(map[string]bool, len(messageIds))
	for _, id := range messageIds {
		ids[id] = true
	}
	topics := []string{messagesTopic(conversationId)}
	for i := range c.messages {
		if ids[c.messages[i].Id] {
			c.messages[i].IsRead = true
			topics = append(topics, unreadTopic(c.messages[i].ReceiverId))
		}
	}
	s.writes++
	s.notifyLocked(topics...)
	return nil
}

func (s *Store) SetUnreadCount(ctx context.Context, conversationId string, count int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[conversationId]
	if !ok || !c.exists {
		return nil
	}
	c.unreadCount = count
	s.writes++
	s.notifyLocked(chatTopic(conversationId))
	return nil
}

func (s *Store) WatchMessages(ctx context.Context, conversationId string, fn func([]api.MessageRecord)) (api.Unsubscribe, error) {
	return subscribe(ctx, s, messagesTopic(conversationId), func() []api.MessageRecord {
		c, ok := s.chats[conversationId]
		if !ok {
			return []api.MessageRecord{}
		}
		return append([]api.MessageRecord(nil), c.messages...)
	}, fn), nil
}

func (s *Store) WatchUnreadByReceiver(ctx context.Context, receiverId string, fn func([]api.MessageRecord)) (api.Unsubscribe, error) {
	return subscribe(ctx, s, unreadTopic(receiverId), func() []api.MessageRecord {
		records := []api.MessageRecord{}
		for _, id := range s.sortedChatIdsLocked() {
			for _, record := range s.chats[id].messages {
				if record.ReceiverId == receiverId && !record.IsRead {
					records = append(records, record)
				}
			}
		}
		return records
	}, fn), nil
}

type conversationState struct {
	conversation api.Conversation
	exists       bool
}

func (s *Store) WatchConversation(ctx context.Context, conversationId string, fn func(api.Conversation, bool)) (api.Unsubscribe, error) {
	return subscribe(ctx, s, chatTopic(conversationId), func() conversationState {
		c, ok := s.chats[conversationId]
		if !ok || !c.exists {
			return conversationState{conversation: api.Conversation{Id: conversationId}}
		}
		timestamp := c.timestamp
		return conversationState{
			conversation: api.Conversation{
				Id:            conversationId,
				Participants:  append([]string(nil), c.users...),
				LastMessage:   c.lastMessage,
				LastMessageAt: &timestamp,
				UnreadCount:   c.unreadCount,
			},
			exists: true,
		}
	}, func(state conversationState) {
		fn(state.conversation, state.exists)
	}), nil
}

func (s *Store) SetPresence(ctx context.Context, uid string, presence api.Presence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	patch, err := json.Marshal(presence)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := mergeLocked(s.presence, uid, patch); err != nil {
		return err
	}
	s.writes++
	s.notifyLocked(presenceTopic(uid))
	return nil
}

type presenceState struct {
	presence api.Presence
	exists   bool
}

func (s *Store) WatchPresence(ctx context.Context, uid string, fn func(api.Presence, bool)) (api.Unsubscribe, error) {
	return subscribe(ctx, s, presenceTopic(uid), func() presenceState {
		doc, ok := s.presence[uid]
		if !ok {
			return presenceState{}
		}
		var presence api.Presence
		_ = json.Unmarshal(doc, &presence)
		return presenceState{presence: presence, exists: true}
	}, func(state presenceState) {
		fn(state.presence, state.exists)
	}), nil
}

// Presence returns the stored presence of uid.
func (s *Store) Presence(uid string) (api.Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.presence[uid]
	if !ok {
		return api.Presence{}, false
	}
	var presence api.Presence
	_ = json.Unmarshal(doc, &presence)
	return presence, true
}

func (s *Store) GetParticipant(ctx context.Context, uid string) (api.Participant, error) {
	if err := ctx.Err(); err != nil {
		return api.Participant{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.users[uid]
	if !ok {
		return api.Participant{}, api.ErrNotFound
	}
	return decodeParticipant(uid, doc), nil
}

func (s *Store) SaveParticipant(ctx context.Context, participant api.Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	patch, err := json.Marshal(map[string]interface{}{
		"uid":         participant.UID,
		"displayName": participant.DisplayName,
		"email":       participant.Email,
		"photoURL":    participant.PhotoURL,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := mergeLocked(s.users, participant.UID, patch); err != nil {
		return err
	}
	s.writes++
	s.notifyLocked(usersTopic)
	return nil
}

func (s *Store) SetLastMessage(ctx context.Context, uid string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	patch, err := json.Marshal(map[string]string{"lastMessage": text})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := mergeLocked(s.users, uid, patch); err != nil {
		return err
	}
	s.writes++
	s.notifyLocked(usersTopic)
	return nil
}

func (s *Store) WatchParticipants(ctx context.Context, fn func([]api.Participant)) (api.Unsubscribe, error) {
	return subscribe(ctx, s, usersTopic, func() []api.Participant {
		uids := make([]string, 0, len(s.users))
		for uid := range s.users {
			uids = append(uids, uid)
		}
		sort.Strings(uids)

		participants := make([]api.Participant, 0, len(uids))
		for _, uid := range uids {
			participants = append(participants, decodeParticipant(uid, s.users[uid]))
		}
		return participants
	}, fn), nil
}

// Messages returns the stored messages of a conversation in insertion order.
func (s *Store) Messages(conversationId string) []api.MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[conversationId]
	if !ok {
		return nil
	}
	return append([]api.MessageRecord(nil), c.messages...)
}

// Conversation returns the summary of a conversation.
func (s *Store) Conversation(conversationId string) (api.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[conversationId]
	if !ok || !c.exists {
		return api.Conversation{}, false
	}
	return api.Conversation{
		Id:           conversationId,
		Participants: append([]string(nil), c.users...),
		LastMessage:  c.lastMessage,
		UnreadCount:  c.unreadCount,
	}, true
}

// Writes counts the write operations applied so far.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Store) chatLocked(conversationId string) *chat {
	c, ok := s.chats[conversationId]
	if !ok {
		c = &chat{}
		s.chats[conversationId] = c
	}
	return c
}

func (s *Store) sortedChatIdsLocked() []string {
	ids := make([]string, 0, len(s.chats))
	for id := range s.chats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) notifyLocked(topics ...string) {
	for _, topic := range topics {
		for w := range s.watchers[topic] {
			select {
			case w.notify <- struct{}{}:
			default:
			}
		}
	}
}

// subscribe starts a watcher on topic. Every notification delivers the
// latest snapshot to fn on the watcher's goroutine; notifications that
// arrive while fn runs are coalesced.
func subscribe[T any](ctx context.Context, s *Store, topic string, snapshot func() T, fn func(T)) api.Unsubscribe {
	ctx, cancel := context.WithCancel(ctx)
	w := &watcher{notify: make(chan struct{}, 1)}
	w.notify <- struct{}{}

	s.mu.Lock()
	if s.watchers[topic] == nil {
		s.watchers[topic] = make(map[*watcher]struct{})
	}
	s.watchers[topic][w] = struct{}{}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			s.mu.Lock()
			delete(s.watchers[topic], w)
			if len(s.watchers[topic]) == 0 {
				delete(s.watchers, topic)
			}
			s.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.notify:
			}

			s.mu.Lock()
			value := snapshot()
			s.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
			fn(value)
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// mergeLocked applies an RFC 7386 merge patch to the document stored under
// key, creating it when missing.
func mergeLocked(docs map[string][]byte, key string, patch []byte) error {
	doc, ok := docs[key]
	if !ok {
		doc = []byte("{}")
	}
	merged, err := jsonPatch.MergePatch(doc, patch)
	if err != nil {
		return err
	}
	docs[key] = merged
	return nil
}

func decodeParticipant(uid string, doc []byte) api.Participant {
	var participant api.Participant
	_ = json.Unmarshal(doc, &participant)
	if participant.UID == "" {
		participant.UID = uid
	}
	return participant
}
