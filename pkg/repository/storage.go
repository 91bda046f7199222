package repository

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"directChat/pkg/api"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Collection names.
const (
	usersCollection    = "users"
	chatsCollection    = "chats"
	messagesCollection = "messages"
	presenceCollection = "isOnline"
)

// maxBatchWrites is the Firestore limit on writes in one batch.
const maxBatchWrites = 500

const (
	minWatchBackoff = time.Second
	maxWatchBackoff = 30 * time.Second
)

type storage struct {
	client *firestore.Client
}

func NewStorage(client *firestore.Client) api.Storage {
	return &storage{client: client}
}

// SendMessage writes the conversation summary and the new message in one
// transaction. The summary is created on the first message of a pair.
func (s *storage) SendMessage(ctx context.Context, msg api.OutgoingMessage) (string, error) {
	chatRef := s.client.Collection(chatsCollection).Doc(msg.ConversationId)
	messageRef := chatRef.Collection(messagesCollection).NewDoc()

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		chatSnap, err := tx.Get(chatRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		if chatSnap == nil || !chatSnap.Exists() || !hasUsers(chatSnap.Data()) {
			err = tx.Set(chatRef, map[string]interface{}{
				"users":       []string{msg.SenderId, msg.ReceiverId},
				"lastMessage": msg.Text,
				"timestamp":   firestore.ServerTimestamp,
			}, firestore.MergeAll)
		} else {
			err = tx.Update(chatRef, []firestore.Update{
				{Path: "lastMessage", Value: msg.Text},
				{Path: "timestamp", Value: firestore.ServerTimestamp},
			})
		}
		if err != nil {
			return err
		}

		return tx.Create(messageRef, map[string]interface{}{
			"text":       msg.Text,
			"senderId":   msg.SenderId,
			"receiverId": msg.ReceiverId,
			"timestamp":  firestore.ServerTimestamp,
			"isRead":     false,
		})
	})
	if err != nil {
		return "", err
	}

	return messageRef.ID, nil
}

func (s *storage) MarkRead(ctx context.Context, conversationId string, messageIds []string) error {
	messages := s.client.Collection(chatsCollection).Doc(conversationId).Collection(messagesCollection)

	for start := 0; start < len(messageIds); start += maxBatchWrites {
		end := start + maxBatchWrites
		if end > len(messageIds) {
			end = len(messageIds)
		}

		batch := s.client.Batch()
		for _, id := range messageIds[start:end] {
			batch.Update(messages.Doc(id), []firestore.Update{{Path: "isRead", Value: true}})
		}
		if _, err := batch.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SetUnreadCount updates the summary of an existing conversation. A
// conversation without a summary is left alone.
func (s *storage) SetUnreadCount(ctx context.Context, conversationId string, count int) error {
	_, err := s.client.Collection(chatsCollection).Doc(conversationId).Update(ctx, []firestore.Update{
		{Path: "unreadCount", Value: count},
	})
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

func (s *storage) WatchMessages(ctx context.Context, conversationId string, fn func([]api.MessageRecord)) (api.Unsubscribe, error) {
	query := s.client.Collection(chatsCollection).Doc(conversationId).Collection(messagesCollection).Query
	return s.watchQuery(ctx, "messages", query, func(docs []*firestore.DocumentSnapshot) {
		fn(messageRecords(docs))
	}), nil
}

func (s *storage) WatchUnreadByReceiver(ctx context.Context, receiverId string, fn func([]api.MessageRecord)) (api.Unsubscribe, error) {
	query := s.client.CollectionGroup(messagesCollection).
		Where("receiverId", "==", receiverId).
		Where("isRead", "==", false)
	return s.watchQuery(ctx, "unread", query, func(docs []*firestore.DocumentSnapshot) {
		fn(messageRecords(docs))
	}), nil
}

func (s *storage) WatchConversation(ctx context.Context, conversationId string, fn func(api.Conversation, bool)) (api.Unsubscribe, error) {
	ref := s.client.Collection(chatsCollection).Doc(conversationId)
	return s.watchDoc(ctx, "conversation", ref, func(snap *firestore.DocumentSnapshot) {
		if !snap.Exists() {
			fn(api.Conversation{Id: conversationId}, false)
			return
		}
		fn(conversationFromData(conversationId, snap.Data()), true)
	}), nil
}

func (s *storage) SetPresence(ctx context.Context, uid string, presence api.Presence) error {
	_, err := s.client.Collection(presenceCollection).Doc(uid).Set(ctx, map[string]interface{}{
		"isOnline": presence.Online,
		"isTyping": presence.Typing,
	}, firestore.MergeAll)
	return err
}

func (s *storage) WatchPresence(ctx context.Context, uid string, fn func(api.Presence, bool)) (api.Unsubscribe, error) {
	ref := s.client.Collection(presenceCollection).Doc(uid)
	return s.watchDoc(ctx, "presence", ref, func(snap *firestore.DocumentSnapshot) {
		if !snap.Exists() {
			fn(api.Presence{}, false)
			return
		}
		fn(presenceFromData(snap.Data()), true)
	}), nil
}

func (s *storage) GetParticipant(ctx context.Context, uid string) (api.Participant, error) {
	snap, err := s.client.Collection(usersCollection).Doc(uid).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return api.Participant{}, api.ErrNotFound
	}
	if err != nil {
		return api.Participant{}, err
	}

	return participantFromData(snap.Ref.ID, snap.Data()), nil
}

func (s *storage) SaveParticipant(ctx context.Context, participant api.Participant) error {
	_, err := s.client.Collection(usersCollection).Doc(participant.UID).Set(ctx, map[string]interface{}{
		"uid":         participant.UID,
		"displayName": participant.DisplayName,
		"email":       participant.Email,
		"photoURL":    participant.PhotoURL,
	}, firestore.MergeAll)
	return err
}

func (s *storage) SetLastMessage(ctx context.Context, uid string, text string) error {
	_, err := s.client.Collection(usersCollection).Doc(uid).Set(ctx, map[string]interface{}{
		"lastMessage": text,
	}, firestore.MergeAll)
	return err
}

func (s *storage) WatchParticipants(ctx context.Context, fn func([]api.Participant)) (api.Unsubscribe, error) {
	query := s.client.Collection(usersCollection).Query
	return s.watchQuery(ctx, "users", query, func(docs []*firestore.DocumentSnapshot) {
		participants := make([]api.Participant, 0, len(docs))
		for _, doc := range docs {
			participants = append(participants, participantFromData(doc.Ref.ID, doc.Data()))
		}
		fn(participants)
	}), nil
}

// watchQuery delivers every snapshot of query to fn until the returned
// Unsubscribe is called or ctx is done. A broken listen stream is restarted
// with backoff.
func (s *storage) watchQuery(ctx context.Context, name string, query firestore.Query, fn func([]*firestore.DocumentSnapshot)) api.Unsubscribe {
	return watch(ctx, name, func(ctx context.Context) error {
		it := query.Snapshots(ctx)
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				return err
			}
			docs, err := snap.Documents.GetAll()
			if err != nil {
				return err
			}
			fn(docs)
		}
	})
}

func (s *storage) watchDoc(ctx context.Context, name string, ref *firestore.DocumentRef, fn func(*firestore.DocumentSnapshot)) api.Unsubscribe {
	return watch(ctx, name, func(ctx context.Context) error {
		it := ref.Snapshots(ctx)
		defer it.Stop()
		for {
			snap, err := it.Next()
			// A missing document is reported as NotFound with a snapshot
			// that does not exist.
			if status.Code(err) == codes.NotFound && snap != nil {
				fn(snap)
				continue
			}
			if err != nil {
				return err
			}
			fn(snap)
		}
	})
}

func watch(ctx context.Context, name string, listen func(ctx context.Context) error) api.Unsubscribe {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		backoff := minWatchBackoff
		for {
			err := listen(ctx)
			if ctx.Err() != nil || errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled {
				return
			}
			log.Error().Err(err).Str("listener", name).Dur("backoff", backoff).Msg("Snapshot listener failed, restarting")

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			backoff *= 2
			if backoff > maxWatchBackoff {
				backoff = maxWatchBackoff
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func messageRecords(docs []*firestore.DocumentSnapshot) []api.MessageRecord {
	records := make([]api.MessageRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, messageRecordFromData(doc.Ref.ID, doc.Data()))
	}
	return records
}

// messageRecordFromData decodes a message document. Fields that are missing
// or of the wrong type decode to their zero value.
func messageRecordFromData(id string, data map[string]interface{}) api.MessageRecord {
	record := api.MessageRecord{
		Id:         id,
		Text:       stringField(data, "text"),
		SenderId:   stringField(data, "senderId"),
		ReceiverId: stringField(data, "receiverId"),
		IsRead:     boolField(data, "isRead"),
	}
	if ts, ok := data["timestamp"].(time.Time); ok {
		record.Timestamp = ts
	}
	return record
}

func conversationFromData(id string, data map[string]interface{}) api.Conversation {
	conversation := api.Conversation{
		Id:          id,
		LastMessage: stringField(data, "lastMessage"),
	}
	if users, ok := data["users"].([]interface{}); ok {
		for _, user := range users {
			if uid, ok := user.(string); ok {
				conversation.Participants = append(conversation.Participants, uid)
			}
		}
	}
	if ts, ok := data["timestamp"].(time.Time); ok {
		conversation.LastMessageAt = &ts
	}
	if count, ok := data["unreadCount"].(int64); ok {
		conversation.UnreadCount = int(count)
	}
	return conversation
}

func presenceFromData(data map[string]interface{}) api.Presence {
	return api.Presence{
		Online: boolField(data, "isOnline"),
		Typing: boolField(data, "isTyping"),
	}
}

func participantFromData(id string, data map[string]interface{}) api.Participant {
	participant := api.Participant{
		UID:         stringField(data, "uid"),
		DisplayName: stringField(data, "displayName"),
		Email:       stringField(data, "email"),
		PhotoURL:    stringField(data, "photoURL"),
		LastMessage: stringField(data, "lastMessage"),
	}
	if participant.UID == "" {
		participant.UID = id
	}
	return participant
}

func hasUsers(data map[string]interface{}) bool {
	users, ok := data["users"].([]interface{})
	return ok && len(users) > 0
}

func stringField(data map[string]interface{}, key string) string {
	value, _ := data[key].(string)
	return value
}

func boolField(data map[string]interface{}, key string) bool {
	value, _ := data[key].(bool)
	return value
}
