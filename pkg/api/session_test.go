package api_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"directChat/pkg/api"
	"directChat/pkg/repository/memory"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []api.OutgoingEvent
}

func (r *eventRecorder) emit(event api.OutgoingEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// last returns the payload of the latest event of the given type.
func (r *eventRecorder) last(eventType string) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i].Payload, true
		}
	}
	return nil, false
}

func (r *eventRecorder) since(n int) []api.OutgoingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.OutgoingEvent(nil), r.events[n:]...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// steppingClock hands out strictly increasing server timestamps.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Now().Add(-time.Minute)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(100 * time.Millisecond)
		return now
	}
}

func seedUsers(t *testing.T, store *memory.Store, participants ...api.Participant) {
	t.Helper()
	for _, p := range participants {
		if err := store.SaveParticipant(context.Background(), p); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

var (
	alice = api.Participant{UID: "u1", DisplayName: "Alice", Email: "alice@example.com"}
	bob   = api.Participant{UID: "u2", DisplayName: "Anonymous", Email: "bob@example.com"}
	carol = api.Participant{UID: "u3", DisplayName: "Carol", Email: "carol@example.com"}
)

func startSession(t *testing.T, store *memory.Store, self api.Participant, opts api.SessionOptions) (*api.Session, *eventRecorder) {
	t.Helper()
	recorder := &eventRecorder{}
	if opts.Retry.Attempts == 0 {
		opts.Retry = api.RetryPolicy{Attempts: 1}
	}
	session := api.NewSession(context.Background(), self, store, recorder.emit, opts)
	if err := session.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(session.Close)

	waitFor(t, "the roster", func() bool {
		payload, ok := recorder.last(api.EventContacts)
		return ok && len(payload.([]api.ContactEntry)) > 0
	})
	return session, recorder
}

func unreadFrom(recorder *eventRecorder, sender string) int {
	payload, ok := recorder.last(api.EventUnread)
	if !ok {
		return -1
	}
	return payload.(map[string]int)[sender]
}

func viewTexts(view api.ConversationView) []string {
	var result []string
	for _, group := range view.Groups {
		for _, message := range group.Messages {
			result = append(result, message.Text)
		}
	}
	return result
}

func TestSessionSendAndReadScenario(t *testing.T) {
	store := memory.NewStore(memory.WithClock(steppingClock()))
	seedUsers(t, store, alice, bob)

	s1, rec1 := startSession(t, store, alice, api.SessionOptions{})
	s2, rec2 := startSession(t, store, bob, api.SessionOptions{})
	conversationId := api.ResolveConversationID("u1", "u2")

	if err := s1.Select("u2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s1.ConversationId(); got != conversationId {
		t.Fatalf("expected conversation %q, got %q", conversationId, got)
	}

	s1.Send("hi")
	if err := <-s1.Send("there"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conversation, ok := store.Conversation(conversationId)
	if !ok {
		t.Fatalf("expected a conversation summary")
	}
	if conversation.LastMessage != "there" {
		t.Errorf("expected last message %q, got %q", "there", conversation.LastMessage)
	}

	waitFor(t, "the sender's view", func() bool {
		payload, ok := rec1.last(api.EventConversation)
		if !ok {
			return false
		}
		texts := viewTexts(payload.(api.ConversationView))
		return len(texts) == 2 && texts[0] == "hi" && texts[1] == "there"
	})
	waitFor(t, "u2's badge to show 2", func() bool { return unreadFrom(rec2, "u1") == 2 })

	for _, message := range store.Messages(conversationId) {
		if message.IsRead {
			t.Fatalf("expected messages to stay unread until u2 opens the conversation")
		}
	}

	if err := s2.Select("u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "both messages to be read", func() bool {
		for _, message := range store.Messages(conversationId) {
			if !message.IsRead {
				return false
			}
		}
		return true
	})
	waitFor(t, "u2's badge to clear", func() bool { return unreadFrom(rec2, "u1") == 0 })

	waitFor(t, "the last message on both users", func() bool {
		for _, uid := range []string{"u1", "u2"} {
			participant, err := store.GetParticipant(context.Background(), uid)
			if err != nil || participant.LastMessage != "there" {
				return false
			}
		}
		return true
	})
}

func TestSessionSelectRejectsSelfAndStrangers(t *testing.T) {
	store := memory.NewStore()
	seedUsers(t, store, alice, bob)
	s1, _ := startSession(t, store, alice, api.SessionOptions{})

	if err := s1.Select("u1"); !errors.Is(err, api.ErrSelfConversation) {
		t.Errorf("expected ErrSelfConversation, got %v", err)
	}
	if err := s1.Select("nobody"); !errors.Is(err, api.ErrUnknownContact) {
		t.Errorf("expected ErrUnknownContact, got %v", err)
	}
	if got := s1.ConversationId(); got != "" {
		t.Errorf("expected no conversation, got %q", got)
	}
}

func TestSessionIgnoresPreviousConversation(t *testing.T) {
	store := memory.NewStore()
	seedUsers(t, store, alice, bob, carol)
	s1, rec1 := startSession(t, store, alice, api.SessionOptions{})
	waitFor(t, "both contacts", func() bool {
		payload, _ := rec1.last(api.EventContacts)
		return len(payload.([]api.ContactEntry)) == 2
	})

	oldId := api.ResolveConversationID("u1", "u2")
	newId := api.ResolveConversationID("u1", "u3")

	if err := s1.Select("u2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s1.Select("u3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mark := rec1.len()

	store.Insert(oldId, api.MessageRecord{Text: "stale", SenderId: "u2", ReceiverId: "u1", Timestamp: time.Now()})
	store.Insert(newId, api.MessageRecord{Text: "fresh", SenderId: "u3", ReceiverId: "u1", Timestamp: time.Now()})

	waitFor(t, "the new conversation", func() bool {
		payload, ok := rec1.last(api.EventConversation)
		if !ok {
			return false
		}
		view := payload.(api.ConversationView)
		return view.ConversationId == newId && len(viewTexts(view)) == 1
	})

	for _, event := range rec1.since(mark) {
		if event.Type != api.EventConversation {
			continue
		}
		if view := event.Payload.(api.ConversationView); view.ConversationId != newId {
			t.Errorf("expected only %q views after switching, got %q", newId, view.ConversationId)
		}
	}
	for _, message := range store.Messages(oldId) {
		if message.IsRead {
			t.Errorf("expected the old conversation to stay unread")
		}
	}
}

func TestSessionPeerPresence(t *testing.T) {
	store := memory.NewStore()
	seedUsers(t, store, alice, bob)
	s1, rec1 := startSession(t, store, alice, api.SessionOptions{})

	if err := s1.Select("u2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.SetPresence(context.Background(), "u2", api.Presence{Online: true, Typing: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, "the typing label", func() bool {
		payload, ok := rec1.last(api.EventPresence)
		return ok && payload.(api.PresencePayload).Label == "Typing..."
	})
}

func TestSessionSelectCancelsTypingDebounce(t *testing.T) {
	store := memory.NewStore()
	seedUsers(t, store, alice, bob, carol)
	clock := api.NewManualClock(time.Now())
	s1, _ := startSession(t, store, alice, api.SessionOptions{Clock: clock})

	if err := s1.Select("u2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s1.Keystroke()
	if err := s1.Select("u3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.Advance(5 * time.Second)

	presence, _ := store.Presence("u1")
	if !presence.Typing {
		t.Errorf("expected the debounce armed before navigation not to fire, got %+v", presence)
	}
}

func TestSessionFilter(t *testing.T) {
	store := memory.NewStore()
	seedUsers(t, store, alice, bob, carol)
	s1, rec1 := startSession(t, store, alice, api.SessionOptions{})
	waitFor(t, "both contacts", func() bool {
		payload, _ := rec1.last(api.EventContacts)
		return len(payload.([]api.ContactEntry)) == 2
	})

	s1.Filter("BOB")
	payload, _ := rec1.last(api.EventContacts)
	entries := payload.([]api.ContactEntry)
	if len(entries) != 1 {
		t.Fatalf("expected 1 contact, got %d", len(entries))
	}
	if entries[0].Label != "bob" {
		t.Errorf("expected label bob, got %q", entries[0].Label)
	}
}

func TestSessionLogout(t *testing.T) {
	store := memory.NewStore()
	seedUsers(t, store, alice, bob)
	s1, rec1 := startSession(t, store, alice, api.SessionOptions{})
	s1.Keystroke()

	if err := s1.Logout(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	presence, ok := store.Presence("u1")
	if !ok || presence.Online || presence.Typing {
		t.Errorf("expected offline presence, got %+v", presence)
	}
	if _, ok := rec1.last(api.EventLogout); !ok {
		t.Errorf("expected a logout event")
	}
	if !s1.Closed() {
		t.Errorf("expected the session to be closed")
	}
	if err := <-s1.Send("late"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected sends after logout to fail with context.Canceled, got %v", err)
	}
}

type denyLimiter struct{}

func (denyLimiter) AllowSend(ctx context.Context, uid string) (bool, error) {
	return false, nil
}

func TestSessionRateLimited(t *testing.T) {
	store := memory.NewStore()
	seedUsers(t, store, alice, bob)
	s1, rec1 := startSession(t, store, alice, api.SessionOptions{Limiter: denyLimiter{}})
	if err := s1.Select("u2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := <-s1.Send("hi"); !errors.Is(err, api.ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
	if _, ok := rec1.last(api.EventToast); !ok {
		t.Errorf("expected a toast")
	}
	if got := len(store.Messages(api.ResolveConversationID("u1", "u2"))); got != 0 {
		t.Errorf("expected no messages, got %d", got)
	}
}

// heldSends holds every SendMessage until release is closed.
type heldSends struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
}

func (h *heldSends) SendMessage(ctx context.Context, msg api.OutgoingMessage) (string, error) {
	h.entered <- struct{}{}
	<-h.release
	return h.Store.SendMessage(ctx, msg)
}

func TestSessionLogoutStaysOfflineAfterQueuedSend(t *testing.T) {
	store := memory.NewStore()
	seedUsers(t, store, alice, bob)
	held := &heldSends{Store: store, entered: make(chan struct{}, 1), release: make(chan struct{})}

	recorder := &eventRecorder{}
	session := api.NewSession(context.Background(), alice, held, recorder.emit, api.SessionOptions{Retry: api.RetryPolicy{Attempts: 1}})
	if err := session.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(session.Close)
	waitFor(t, "the roster", func() bool {
		payload, ok := recorder.last(api.EventContacts)
		return ok && len(payload.([]api.ContactEntry)) > 0
	})
	if err := session.Select("u2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := session.Send("hi")
	<-held.entered
	if err := session.Logout(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(held.release)

	if err := <-done; err != nil {
		t.Fatalf("expected the queued send to be written, got %v", err)
	}
	if got := len(store.Messages(api.ResolveConversationID("u1", "u2"))); got != 1 {
		t.Errorf("expected 1 message, got %d", got)
	}
	presence, ok := store.Presence("u1")
	if !ok || presence.Online || presence.Typing {
		t.Errorf("expected offline presence after the queued send, got %+v", presence)
	}
}
