package api

import "context"

// Unsubscribe cancels a registration. When it returns no further callback
// of that registration will run.
type Unsubscribe func()

// ChatRepository covers the chats collection and its messages sub-collections.
type ChatRepository interface {
	// SendMessage creates or updates the conversation summary and appends
	// the message in one transaction. It returns the new message id.
	SendMessage(ctx context.Context, msg OutgoingMessage) (string, error)
	MarkRead(ctx context.Context, conversationId string, messageIds []string) error
	SetUnreadCount(ctx context.Context, conversationId string, count int) error
	WatchMessages(ctx context.Context, conversationId string, fn func([]MessageRecord)) (Unsubscribe, error)
	// WatchUnreadByReceiver watches unread messages addressed to receiverId
	// across every conversation.
	WatchUnreadByReceiver(ctx context.Context, receiverId string, fn func([]MessageRecord)) (Unsubscribe, error)
	WatchConversation(ctx context.Context, conversationId string, fn func(Conversation, bool)) (Unsubscribe, error)
}

type PresenceRepository interface {
	// SetPresence merges presence into the participant's record.
	SetPresence(ctx context.Context, uid string, presence Presence) error
	WatchPresence(ctx context.Context, uid string, fn func(Presence, bool)) (Unsubscribe, error)
}

type UserRepository interface {
	GetParticipant(ctx context.Context, uid string) (Participant, error)
	SaveParticipant(ctx context.Context, participant Participant) error
	SetLastMessage(ctx context.Context, uid string, text string) error
	WatchParticipants(ctx context.Context, fn func([]Participant)) (Unsubscribe, error)
}

// Storage is the document store as a whole.
type Storage interface {
	ChatRepository
	PresenceRepository
	UserRepository
}

// DirectoryRepository is the relational user directory used for search.
type DirectoryRepository interface {
	UpsertUser(ctx context.Context, participant Participant) error
	GetUserByIds(ctx context.Context, userIds []string) ([]Participant, error)
	GetUsersContaining(ctx context.Context, query string) ([]Participant, error)
}

type AuthProvider interface {
	VerifyIDToken(ctx context.Context, idToken string) (Identity, error)
	CreateUserWithPassword(ctx context.Context, email string, password string) (Identity, error)
	CustomToken(ctx context.Context, uid string) (string, error)
}

// SendLimiter throttles message sends per participant.
type SendLimiter interface {
	AllowSend(ctx context.Context, uid string) (bool, error)
}

// EventPublisher forwards chat events to other consumers.
type EventPublisher interface {
	PublishChatMessage(conversationId string, data []byte) error
}
