package chat

import (
	"errors"
	"time"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// ---------------------------------------------
// 🗄️ Persisted records
// ---------------------------------------------

type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeImage MessageType = "IMAGE"
	MessageTypeVideo MessageType = "VIDEO"
	MessageTypeAudio MessageType = "AUDIO"
	MessageTypeFile  MessageType = "FILE"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio, MessageTypeFile:
		return true
	}
	return false
}

// Sender is the denormalized author block sent along with every message.
type Sender struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType"`
	MediaURL       string      `json:"mediaUrl,omitempty"`
	IsDelivered    bool        `json:"isDelivered"`
	DeliveredAt    *time.Time  `json:"deliveredAt,omitempty"`
	IsRead         bool        `json:"isRead"`
	ReadAt         *time.Time  `json:"readAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	Sender         Sender      `json:"sender"`
}

// NewMessage is what the chat handler asks the store to persist.
type NewMessage struct {
	ConversationID string
	Sender         Sender
	Content        string
	MessageType    MessageType
	MediaURL       string
	DeliveredAt    time.Time
}

// Membership is the two-party view of a conversation.
type Membership struct {
	ConversationID string
	UserA          string
	UserB          string
}

func (m Membership) Has(userID string) bool {
	return userID != "" && (m.UserA == userID || m.UserB == userID)
}

// Counterpart returns the other participant, or "" if userID is not a member.
func (m Membership) Counterpart(userID string) string {
	switch userID {
	case m.UserA:
		return m.UserB
	case m.UserB:
		return m.UserA
	}
	return ""
}

// ReadResult is returned by the store when a message is marked read.
type ReadResult struct {
	MessageID      string
	ConversationID string
	SenderID       string
	ReadAt         time.Time
}

// Notification is handed to the offline channel when a recipient is not connected.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}
