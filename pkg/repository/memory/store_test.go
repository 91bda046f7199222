package memory

import (
	"context"
	"testing"
	"time"

	"directChat/pkg/api"
)

func TestSendMessageCreatesSummaryOnce(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for _, text := range []string{"hi", "there"} {
		if _, err := store.SendMessage(ctx, api.OutgoingMessage{ConversationId: "u2u1", SenderId: "u1", ReceiverId: "u2", Text: text}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	conversation, ok := store.Conversation("u2u1")
	if !ok {
		t.Fatalf("expected a conversation summary")
	}
	if conversation.LastMessage != "there" {
		t.Errorf("expected last message there, got %q", conversation.LastMessage)
	}
	if len(conversation.Participants) != 2 || conversation.Participants[0] != "u1" {
		t.Errorf("expected participants [u1 u2], got %v", conversation.Participants)
	}
	if got := len(store.Messages("u2u1")); got != 2 {
		t.Errorf("expected 2 messages, got %d", got)
	}
}

func TestSetUnreadCountSkipsMissingConversation(t *testing.T) {
	store := NewStore()
	if err := store.SetUnreadCount(context.Background(), "missing", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.Conversation("missing"); ok {
		t.Errorf("expected no summary to be created")
	}
}

func TestWatchMessagesDeliversSnapshots(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	snapshots := make(chan []api.MessageRecord, 16)

	unsubscribe, err := store.WatchMessages(ctx, "c1", func(records []api.MessageRecord) {
		snapshots <- records
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := <-snapshots; len(got) != 0 {
		t.Errorf("expected an empty initial snapshot, got %d records", len(got))
	}

	store.Insert("c1", api.MessageRecord{Text: "hi", ReceiverId: "u2"})
	select {
	case got := <-snapshots:
		if len(got) != 1 || got[0].Text != "hi" {
			t.Errorf("expected [hi], got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a snapshot")
	}

	unsubscribe()
	store.Insert("c1", api.MessageRecord{Text: "late", ReceiverId: "u2"})
	select {
	case got := <-snapshots:
		t.Errorf("expected no snapshot after unsubscribe, got %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchUnreadByReceiver(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	first := store.Insert("c1", api.MessageRecord{SenderId: "u1", ReceiverId: "me"})
	store.Insert("c2", api.MessageRecord{SenderId: "u3", ReceiverId: "me"})
	store.Insert("c2", api.MessageRecord{SenderId: "me", ReceiverId: "u3"})

	snapshots := make(chan []api.MessageRecord, 16)
	unsubscribe, err := store.WatchUnreadByReceiver(ctx, "me", func(records []api.MessageRecord) {
		snapshots <- records
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unsubscribe()

	if got := <-snapshots; len(got) != 2 {
		t.Fatalf("expected 2 unread records, got %d", len(got))
	}

	if err := store.MarkRead(ctx, "c1", []string{first}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case got := <-snapshots:
		if len(got) != 1 || got[0].SenderId != "u3" {
			t.Errorf("expected only u3's message, got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a snapshot")
	}
}

func TestPresenceMerges(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, ok := store.Presence("u1"); ok {
		t.Fatalf("expected no presence record")
	}
	if err := store.SetPresence(ctx, "u1", api.Presence{Online: true, Typing: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.SetPresence(ctx, "u1", api.Presence{Online: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	presence, ok := store.Presence("u1")
	if !ok || !presence.Online || presence.Typing {
		t.Errorf("expected online and not typing, got %+v", presence)
	}
}

func TestSaveParticipantKeepsLastMessage(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if err := store.SetLastMessage(ctx, "u1", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.SaveParticipant(ctx, api.Participant{UID: "u1", DisplayName: "Alice"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	participant, err := store.GetParticipant(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if participant.DisplayName != "Alice" || participant.LastMessage != "hello" {
		t.Errorf("expected Alice with last message hello, got %+v", participant)
	}

	if _, err := store.GetParticipant(ctx, "missing"); err != api.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestWatchStopsWithContext(t *testing.T) {
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	calls := make(chan struct{}, 16)

	unsubscribe, _ := store.WatchParticipants(ctx, func([]api.Participant) {
		calls <- struct{}{}
	})
	<-calls
	cancel()
	unsubscribe()

	_ = store.SaveParticipant(context.Background(), api.Participant{UID: "u1"})
	select {
	case <-calls:
		t.Errorf("expected no callback after the context is done")
	case <-time.After(50 * time.Millisecond):
	}
}
