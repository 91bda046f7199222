package api

import (
	"context"
	"sync"
	"time"

	"directChat/pkg/metrics"
	"github.com/rs/zerolog/log"
)

// Registration keys of a session. Each key holds one live subscription.
const (
	keyRoster       = "roster"
	keyUnread       = "unread"
	keyMessages     = "messages"
	keyPeerPresence = "peer-presence"
	keyConversation = "conversation"
)

type SessionOptions struct {
	Clock     Clock
	Debounce  time.Duration
	Retry     RetryPolicy
	Limiter   SendLimiter
	Publisher EventPublisher
}

// Session is the view state of one signed in participant: the roster, the
// selected conversation, the peer's presence and the unread badges. Store
// callbacks and UI events are applied one at a time under mu.
type Session struct {
	self     Participant
	store    Storage
	emit     func(OutgoingEvent)
	limiter  SendLimiter
	retry    RetryPolicy
	regs     *Registry
	roster   *Roster
	presence *PresenceTracker
	messages *MessageSynchronizer
	mirror   *UnreadMirror

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu sync.Mutex
	// generation changes with every selection; callbacks registered for an
	// older selection are ignored.
	generation     uint64
	peer           Participant
	conversationId string
	filter         string
	unread         map[string]int
	marking        map[string]bool
	lastSummary    string
	closed         bool
}

func NewSession(ctx context.Context, self Participant, store Storage, emit func(OutgoingEvent), opts SessionOptions) *Session {
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	presence := NewPresenceTracker(self.UID, store, opts.Clock, opts.Debounce, opts.Retry)
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:      ctx,
		cancel:   cancel,
		self:     self,
		store:    store,
		emit:     emit,
		limiter:  opts.Limiter,
		retry:    opts.Retry,
		regs:     NewRegistry(),
		roster:   NewRoster(self.UID),
		presence: presence,
		messages: NewMessageSynchronizer(store, presence, opts.Clock, opts.Retry, opts.Publisher),
		mirror:   NewUnreadMirror(),
		unread:   make(map[string]int),
		marking:  make(map[string]bool),
	}
}

// Start registers the roster and the unread badge subscriptions. The
// session lives until Close or Logout, or until its context is done.
func (s *Session) Start() error {
	err := s.regs.Replace(s.ctx, keyRoster, func(ctx context.Context) (Unsubscribe, error) {
		return s.store.WatchParticipants(ctx, s.onRoster)
	})
	if err != nil {
		return err
	}

	return s.regs.Replace(s.ctx, keyUnread, func(ctx context.Context) (Unsubscribe, error) {
		return s.store.WatchUnreadByReceiver(ctx, s.self.UID, s.onUnread)
	})
}

func (s *Session) Self() Participant {
	return s.self
}

// ConversationId is the id of the selected conversation, if any.
func (s *Session) ConversationId() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationId
}

// Select opens the conversation with a roster contact. The subscriptions of
// the previous selection are cancelled before the new ones start.
func (s *Session) Select(contactId string) error {
	if contactId == s.self.UID {
		return ErrSelfConversation
	}
	peer, ok := s.roster.Find(contactId)
	if !ok {
		return ErrUnknownContact
	}
	conversationId := ResolveConversationID(s.self.UID, peer.UID)

	// A debounce armed in the previous conversation must not fire after
	// navigation.
	s.presence.Cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return context.Canceled
	}
	s.generation++
	gen := s.generation
	s.peer = peer
	s.conversationId = conversationId
	s.marking = make(map[string]bool)
	s.lastSummary = ""
	s.emit(OutgoingEvent{Type: EventSelected, Payload: SelectedPayload{
		ConversationId: conversationId,
		Peer:           peer,
		Label:          DisplayLabel(peer),
	}})
	s.mu.Unlock()

	err := s.regs.Replace(s.ctx, keyMessages, func(ctx context.Context) (Unsubscribe, error) {
		return s.messages.Subscribe(ctx, conversationId, s.self.UID, func(view ConversationView, records []MessageRecord) {
			s.onMessages(gen, view, records)
		})
	})
	if err != nil {
		return err
	}

	err = s.regs.Replace(s.ctx, keyPeerPresence, func(ctx context.Context) (Unsubscribe, error) {
		return s.store.WatchPresence(ctx, peer.UID, func(presence Presence, exists bool) {
			s.onPresence(gen, peer.UID, presence)
		})
	})
	if err != nil {
		return err
	}

	return s.regs.Replace(s.ctx, keyConversation, func(ctx context.Context) (Unsubscribe, error) {
		return s.store.WatchConversation(ctx, conversationId, func(conversation Conversation, exists bool) {
			if exists {
				s.onConversation(gen, conversation)
			}
		})
	})
}

// Keystroke reports typing in the compose box.
func (s *Session) Keystroke() {
	if s.isClosed() {
		return
	}
	s.presence.Keystroke(s.ctx)
}

// Send queues text for the selected conversation and returns without
// waiting for the write. Invalid sends are dropped silently.
func (s *Session) Send(text string) <-chan error {
	s.mu.Lock()
	msg := OutgoingMessage{
		ConversationId: s.conversationId,
		SenderId:       s.self.UID,
		ReceiverId:     s.peer.UID,
		Text:           text,
	}
	closed := s.closed
	s.mu.Unlock()

	if closed {
		done := make(chan error, 1)
		done <- context.Canceled
		return done
	}

	if Valid(msg) && s.limiter != nil {
		allowed, err := s.limiter.AllowSend(s.ctx, s.self.UID)
		if err != nil {
			log.Warn().Err(err).Str("uid", s.self.UID).Msg("Rate limiter unavailable")
		}
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("limited").Inc()
			s.Toast("warning", "You are sending messages too quickly")
			done := make(chan error, 1)
			done <- ErrRateLimited
			return done
		}
	}

	return s.messages.Enqueue(s.ctx, msg)
}

// Filter narrows the contact list to entries matching query.
func (s *Session) Filter(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.filter = query
	s.emitContactsLocked()
}

// Toast pushes a transient notification to the browser.
func (s *Session) Toast(level string, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.emit(OutgoingEvent{Type: EventToast, Payload: Toast{Level: level, Message: message}})
}

// Logout publishes the participant as offline and ends the session. The
// session ends even when the presence write fails. Once Logout returns
// this session writes no further presence.
func (s *Session) Logout() error {
	err := s.presence.Logout(context.WithoutCancel(s.ctx))
	if err != nil {
		log.Error().Err(err).Str("uid", s.self.UID).Msg("Unable to update online status on logout")
	}

	s.mu.Lock()
	if !s.closed {
		s.emit(OutgoingEvent{Type: EventLogout})
	}
	s.mu.Unlock()

	s.Close()
	return err
}

// Close tears the session down: every subscription and the debounce timer
// are cancelled and presence writes stop. Queued sends are still written.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.generation++
		s.mu.Unlock()

		s.presence.Stop()
		s.regs.Close()

		go func() {
			s.messages.Close()
			s.cancel()
		}()
	})
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	return s.isClosed()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) onRoster(participants []Participant) {
	s.roster.Replace(participants)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.emitContactsLocked()
}

func (s *Session) onUnread(records []MessageRecord) {
	counts := CountUnreadBySender(records, s.self.UID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.unread = counts
	s.emit(OutgoingEvent{Type: EventUnread, Payload: counts})
	s.emitContactsLocked()
}

func (s *Session) onMessages(gen uint64, view ConversationView, records []MessageRecord) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	var toMark []string
	for _, id := range PendingReads(records, s.self.UID) {
		if !s.marking[id] {
			s.marking[id] = true
			toMark = append(toMark, id)
		}
	}
	s.emit(OutgoingEvent{Type: EventConversation, Payload: view})
	s.mu.Unlock()

	if err := s.messages.MarkRead(s.ctx, view.ConversationId, toMark); err != nil {
		log.Error().Err(err).Str("conversationId", view.ConversationId).Msg("Unable to mark messages as read")
		s.mu.Lock()
		if gen == s.generation {
			for _, id := range toMark {
				delete(s.marking, id)
			}
		}
		s.mu.Unlock()
	}

	if s.mirror.Changed(view.ConversationId, view.UnreadCount) {
		if err := s.messages.MirrorUnread(s.ctx, view.ConversationId, view.UnreadCount); err != nil {
			s.mirror.Forget(view.ConversationId)
			log.Error().Err(err).Str("conversationId", view.ConversationId).Msg("Error setting unread count")
		}
	}
}

func (s *Session) onPresence(gen uint64, uid string, presence Presence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	s.emit(OutgoingEvent{Type: EventPresence, Payload: PresencePayload{
		UID:      uid,
		Presence: presence,
		Label:    presence.Label(),
	}})
}

// onConversation copies the conversation's last message onto both
// participants so the contact list can show it.
func (s *Session) onConversation(gen uint64, conversation Conversation) {
	s.mu.Lock()
	if gen != s.generation || conversation.LastMessage == "" || conversation.LastMessage == s.lastSummary {
		s.mu.Unlock()
		return
	}
	s.lastSummary = conversation.LastMessage
	s.mu.Unlock()

	for _, uid := range conversation.Participants {
		if uid == "" {
			continue
		}
		err := Retry(s.ctx, s.retry, "last_message", func(ctx context.Context) error {
			return s.store.SetLastMessage(ctx, uid, conversation.LastMessage)
		})
		if err != nil {
			metrics.StoreFailures.WithLabelValues("last_message").Inc()
			log.Error().Err(err).Str("uid", uid).Msg("Unable to mirror last message")
		}
	}
}

func (s *Session) emitContactsLocked() {
	s.emit(OutgoingEvent{Type: EventContacts, Payload: Entries(s.roster.Filter(s.filter), s.unread)})
}
