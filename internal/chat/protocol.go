package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownKind    = errors.New("unknown frame kind")
)

// Inbound kinds.
const (
	KindMessage = "message"
	KindTyping  = "typing"
	KindRead    = "read"
)

// Outbound kinds.
const (
	KindConnected       = "connected"
	KindMessageSent     = "message_sent"
	KindNewMessage      = "new_message"
	KindMessageRead     = "message_read"
	KindTypingIndicator = "typing_indicator"
	KindContactStatus   = "contact_status"
)

// Envelope is the single JSON object carried by every frame in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound payloads

type ChatMessage struct {
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType,omitempty"`
	MediaURL       string      `json:"mediaUrl,omitempty"`
}

type TypingSignal struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type ReadReceipt struct {
	MessageID string `json:"messageId"`
}

// Outbound payloads

type ConnectedEvent struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type MessageReadEvent struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	ReadBy         string    `json:"readBy"`
	ReadAt         time.Time `json:"readAt"`
}

type TypingIndicatorEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	IsTyping       bool   `json:"isTyping"`
}

type ContactStatusEvent struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// Event is an outbound frame waiting to be encoded.
type Event struct {
	Kind    string
	Payload any
}

func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Kind, err)
	}
	return json.Marshal(Envelope{Type: e.Kind, Data: data})
}

// decodeFrame parses raw into one of ChatMessage, TypingSignal or ReadReceipt.
// Required fields are checked here so handlers only see usable payloads.
func decodeFrame(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Type {
	case KindMessage:
		var in ChatMessage
		if err := decodeData(env.Data, &in); err != nil {
			return nil, err
		}
		if in.ConversationID == "" || in.Content == "" {
			return nil, fmt.Errorf("%w: conversationId and content are required", ErrMalformedFrame)
		}
		if in.MessageType == "" {
			in.MessageType = MessageTypeText
		}
		if !in.MessageType.Valid() {
			return nil, fmt.Errorf("%w: message type %q", ErrMalformedFrame, in.MessageType)
		}
		return in, nil

	case KindTyping:
		var in TypingSignal
		if err := decodeData(env.Data, &in); err != nil {
			return nil, err
		}
		if in.ConversationID == "" {
			return nil, fmt.Errorf("%w: conversationId is required", ErrMalformedFrame)
		}
		return in, nil

	case KindRead:
		var in ReadReceipt
		if err := decodeData(env.Data, &in); err != nil {
			return nil, err
		}
		if in.MessageID == "" {
			return nil, fmt.Errorf("%w: messageId is required", ErrMalformedFrame)
		}
		return in, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedFrame)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}
