package api

import (
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrSelfConversation = errors.New("cannot open a conversation with yourself")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnknownContact   = errors.New("contact is not in the roster")
)

// Participant is a user directory entry as shown in the contact list.
type Participant struct {
	UID         string `firestore:"uid" json:"uid"`
	DisplayName string `firestore:"displayName" json:"displayName,omitempty"`
	Email       string `firestore:"email" json:"email,omitempty"`
	PhotoURL    string `firestore:"photoURL" json:"photoURL,omitempty"`
	LastMessage string `firestore:"lastMessage,omitempty" json:"lastMessage,omitempty"`
}

// Conversation is the summary document of a one-to-one chat.
type Conversation struct {
	Id            string     `json:"id"`
	Participants  []string   `json:"participants"`
	LastMessage   string     `json:"lastMessage"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount   int        `json:"unreadCount"`
}

// MessageRecord is a message as delivered by the store. Timestamp is left
// undecoded: it is either a resolved time or a pending server timestamp.
type MessageRecord struct {
	Id         string
	Text       string
	SenderId   string
	ReceiverId string
	Timestamp  interface{}
	IsRead     bool
}

// Message is a normalized message. CreatedAt is nil while the server
// timestamp is still pending.
type Message struct {
	Id         string     `json:"id"`
	Text       string     `json:"text"`
	SenderId   string     `json:"senderId"`
	ReceiverId string     `json:"receiverId,omitempty"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
	IsRead     bool       `json:"isRead"`
}

type Presence struct {
	Online bool `firestore:"isOnline" json:"isOnline"`
	Typing bool `firestore:"isTyping" json:"isTyping"`
}

// Label is the status line shown under the peer's name.
func (p Presence) Label() string {
	switch {
	case p.Online && p.Typing:
		return "Typing..."
	case p.Online:
		return "Online"
	default:
		return "Offline"
	}
}

type MessageGroup struct {
	Category string    `json:"category"`
	Messages []Message `json:"messages"`
}

// ConversationView is the ordered, bucketed state of one conversation.
type ConversationView struct {
	ConversationId string         `json:"conversationId"`
	Groups         []MessageGroup `json:"groups"`
	UnreadCount    int            `json:"unreadCount"`
}

// OutgoingMessage is a send request.
type OutgoingMessage struct {
	ConversationId string `json:"conversationId"`
	SenderId       string `json:"senderId"`
	ReceiverId     string `json:"receiverId"`
	Text           string `json:"text"`
}

// Identity is what the auth provider knows about a signed in user.
type Identity struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL"`
}

func (i Identity) Participant() Participant {
	return Participant{
		UID:         i.UID,
		DisplayName: i.DisplayName,
		Email:       i.Email,
		PhotoURL:    i.PhotoURL,
	}
}

// Event types pushed to the browser.
const (
	EventContacts     = "contacts"
	EventSelected     = "selected"
	EventConversation = "conversation"
	EventPresence     = "presence"
	EventUnread       = "unread"
	EventToast        = "toast"
	EventLogout       = "logout"
)

// Request types sent by the browser.
const (
	RequestSelectContact = 1
	RequestKeystroke     = 2
	RequestSendMessage   = 3
	RequestFilterRoster  = 4
	RequestLogout        = 5
)

type IncomingEvent struct {
	RequestType int    `json:"requestType"`
	ContactId   string `json:"contactId,omitempty"`
	Text        string `json:"text,omitempty"`
	Query       string `json:"query,omitempty"`
}

type OutgoingEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type SelectedPayload struct {
	ConversationId string      `json:"conversationId"`
	Peer           Participant `json:"peer"`
	Label          string      `json:"label"`
}

type PresencePayload struct {
	UID      string   `json:"uid"`
	Presence Presence `json:"presence"`
	Label    string   `json:"label"`
}

type ContactEntry struct {
	Participant
	Label  string `json:"label"`
	Unread int    `json:"unread,omitempty"`
}

type Toast struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
