package chat

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"livechat/internal/user"
)

const previewLength = 100

var tracer = otel.Tracer("livechat/chat")

// Store is the durable side of the service. Every call may block.
type Store interface {
	FindConversationMembership(ctx context.Context, conversationID string) (Membership, error)
	CreateMessage(ctx context.Context, m NewMessage) (*Message, error)
	UpdateConversationLastMessage(ctx context.Context, conversationID, content string, at time.Time) error
	UpsertTypingState(ctx context.Context, conversationID, userID string, isTyping bool, at time.Time) error
	// UpdateMessageRead marks a message read on behalf of readerID. It returns
	// ErrMessageNotFound when the message does not exist or readerID is not
	// its recipient.
	UpdateMessageRead(ctx context.Context, messageID, readerID string, at time.Time) (ReadResult, error)
	SetUserOnline(ctx context.Context, userID string, online bool, at time.Time) error
	ListConversationsForUser(ctx context.Context, userID string) ([]Membership, error)
}

// Notifier is the offline channel. Callers log failures and move on.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// Router delivers events to live connections and runs the per-kind handlers.
type Router struct {
	registry *Registry
	store    Store
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func NewRouter(registry *Registry, store Store, notifier Notifier, logger zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "router").Logger(),
		now:      time.Now,
	}
}

// Deliver sends ev to the user's live connection. It reports false when the
// user is not connected or the connection went away mid-send.
func (r *Router) Deliver(ctx context.Context, userID string, ev Event) bool {
	c, ok := r.registry.Lookup(userID)
	if !ok {
		return false
	}
	if err := c.Send(ctx, ev); err != nil {
		r.logger.Debug().Err(err).
			Str("user_id", userID).
			Str("conn_id", c.ID).
			Str("kind", ev.Kind).
			Msg("delivery failed, treating recipient as offline")
		return false
	}
	return true
}

// HandleChatMessage persists the message, confirms it to the sender and
// fans it out to the other participant, falling back to a notification.
func (r *Router) HandleChatMessage(ctx context.Context, c *Connection, in ChatMessage) {
	senderID := c.UserID()
	ctx, span := tracer.Start(ctx, "Router.HandleChatMessage", trace.WithAttributes(
		attribute.String("user_id", senderID),
		attribute.String("conversation_id", in.ConversationID),
	))
	defer span.End()
	log := r.logger.With().Str("user_id", senderID).Str("conversation_id", in.ConversationID).Logger()

	m, ok := r.membership(ctx, log, in.ConversationID, senderID)
	if !ok {
		return
	}

	now := r.now()
	msg, err := r.store.CreateMessage(ctx, NewMessage{
		ConversationID: in.ConversationID,
		Sender:         senderOf(c.User),
		Content:        in.Content,
		MessageType:    in.MessageType,
		MediaURL:       in.MediaURL,
		DeliveredAt:    now,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create message failed")
		log.Error().Err(err).Msg("create message failed")
		return
	}

	// A failed summary update does not block fan-out.
	if err := r.store.UpdateConversationLastMessage(ctx, in.ConversationID, in.Content, now); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("message_id", msg.ID).Msg("update conversation last message failed")
	}

	if err := c.Send(ctx, Event{Kind: KindMessageSent, Payload: msg}); err != nil {
		log.Debug().Err(err).Str("message_id", msg.ID).Msg("sender confirmation dropped")
	}

	recipientID := m.Counterpart(senderID)
	if r.Deliver(ctx, recipientID, Event{Kind: KindNewMessage, Payload: msg}) {
		span.SetAttributes(attribute.Bool("chat.delivered_live", true))
		return
	}

	span.SetAttributes(attribute.Bool("chat.delivered_live", false))
	n := Notification{
		Title: "New message from " + displayName(c.User),
		Body:  preview(in.Content, previewLength),
		Data: map[string]string{
			"conversationId": in.ConversationID,
			"messageId":      msg.ID,
		},
	}
	if err := r.notifier.Notify(ctx, recipientID, n); err != nil {
		log.Warn().Err(err).Str("recipient_id", recipientID).Msg("offline notification failed")
	}
}

// HandleTyping records the typing state and forwards it to a live counterpart.
// Typing is ephemeral: offline counterparts are never notified.
func (r *Router) HandleTyping(ctx context.Context, c *Connection, in TypingSignal) {
	userID := c.UserID()
	ctx, span := tracer.Start(ctx, "Router.HandleTyping", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.String("conversation_id", in.ConversationID),
	))
	defer span.End()
	log := r.logger.With().Str("user_id", userID).Str("conversation_id", in.ConversationID).Logger()

	m, ok := r.membership(ctx, log, in.ConversationID, userID)
	if !ok {
		return
	}

	if err := r.store.UpsertTypingState(ctx, in.ConversationID, userID, in.IsTyping, r.now()); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("upsert typing state failed")
		return
	}

	r.Deliver(ctx, m.Counterpart(userID), Event{Kind: KindTypingIndicator, Payload: TypingIndicatorEvent{
		ConversationID: in.ConversationID,
		UserID:         userID,
		UserName:       displayName(c.User),
		IsTyping:       in.IsTyping,
	}})
}

// HandleRead marks a message read and tells its sender if they are connected.
func (r *Router) HandleRead(ctx context.Context, c *Connection, in ReadReceipt) {
	readerID := c.UserID()
	ctx, span := tracer.Start(ctx, "Router.HandleRead", trace.WithAttributes(
		attribute.String("user_id", readerID),
		attribute.String("message_id", in.MessageID),
	))
	defer span.End()
	log := r.logger.With().Str("user_id", readerID).Str("message_id", in.MessageID).Logger()

	res, err := r.store.UpdateMessageRead(ctx, in.MessageID, readerID, r.now())
	if errors.Is(err, ErrMessageNotFound) {
		log.Debug().Msg("read receipt for unknown or foreign message dropped")
		return
	}
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("update message read failed")
		return
	}

	r.Deliver(ctx, res.SenderID, Event{Kind: KindMessageRead, Payload: MessageReadEvent{
		MessageID:      res.MessageID,
		ConversationID: res.ConversationID,
		ReadBy:         displayName(c.User),
		ReadAt:         res.ReadAt,
	}})
}

// membership loads the conversation and checks that userID belongs to it.
// Both "no such conversation" and "not a member" end silently.
func (r *Router) membership(ctx context.Context, log zerolog.Logger, conversationID, userID string) (Membership, bool) {
	m, err := r.store.FindConversationMembership(ctx, conversationID)
	if errors.Is(err, ErrConversationNotFound) {
		log.Debug().Msg("conversation not found")
		return Membership{}, false
	}
	if err != nil {
		log.Error().Err(err).Msg("find conversation failed")
		return Membership{}, false
	}
	if !m.Has(userID) {
		log.Debug().Msg("user is not a member of conversation")
		return Membership{}, false
	}
	return m, true
}

func senderOf(u *user.User) Sender {
	return Sender{ID: u.ID, Name: u.Name, Picture: u.Picture}
}

func displayName(u *user.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

// preview cuts s to at most n runes.
func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
