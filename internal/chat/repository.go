package chat

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the postgres-backed Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FindConversationMembership(ctx context.Context, conversationID string) (Membership, error) {
	m := Membership{ConversationID: conversationID}
	query := "SELECT user1_id, user2_id FROM conversations WHERE id = $1"

	err := r.db.QueryRowContext(ctx, query, conversationID).Scan(&m.UserA, &m.UserB)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Membership{}, ErrConversationNotFound
		}
		return Membership{}, err
	}
	return m, nil
}

func (r *Repository) CreateMessage(ctx context.Context, nm NewMessage) (*Message, error) {
	query := `INSERT INTO messages
			(id, conversation_id, sender_id, content, message_type, media_url, is_delivered, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		RETURNING created_at`

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: nm.ConversationID,
		SenderID:       nm.Sender.ID,
		Content:        nm.Content,
		MessageType:    nm.MessageType,
		MediaURL:       nm.MediaURL,
		IsDelivered:    true,
		Sender:         nm.Sender,
	}
	deliveredAt := nm.DeliveredAt
	msg.DeliveredAt = &deliveredAt

	err := r.db.QueryRowContext(ctx, query,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, string(msg.MessageType),
		sql.NullString{String: msg.MediaURL, Valid: msg.MediaURL != ""}, deliveredAt,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *Repository) UpdateConversationLastMessage(ctx context.Context, conversationID, content string, at time.Time) error {
	query := "UPDATE conversations SET last_message = $2, last_message_at = $3 WHERE id = $1"
	_, err := r.db.ExecContext(ctx, query, conversationID, content, at)
	return err
}

func (r *Repository) UpsertTypingState(ctx context.Context, conversationID, userID string, isTyping bool, at time.Time) error {
	query := `INSERT INTO typing_indicators (conversation_id, user_id, is_typing, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET is_typing = EXCLUDED.is_typing, updated_at = EXCLUDED.updated_at`
	_, err := r.db.ExecContext(ctx, query, conversationID, userID, isTyping, at)
	return err
}

// UpdateMessageRead only touches messages in a conversation the reader
// belongs to and that the reader did not send.
func (r *Repository) UpdateMessageRead(ctx context.Context, messageID, readerID string, at time.Time) (ReadResult, error) {
	query := `UPDATE messages AS m
		SET is_read = TRUE, read_at = $3
		FROM conversations AS c
		WHERE m.id = $1
		  AND c.id = m.conversation_id
		  AND (c.user1_id = $2 OR c.user2_id = $2)
		  AND m.sender_id <> $2
		RETURNING m.conversation_id, m.sender_id, m.read_at`

	res := ReadResult{MessageID: messageID}
	err := r.db.QueryRowContext(ctx, query, messageID, readerID, at).
		Scan(&res.ConversationID, &res.SenderID, &res.ReadAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ReadResult{}, ErrMessageNotFound
		}
		return ReadResult{}, err
	}
	return res, nil
}

func (r *Repository) SetUserOnline(ctx context.Context, userID string, online bool, at time.Time) error {
	query := "UPDATE users SET is_online = $2, last_seen = $3 WHERE id = $1"
	_, err := r.db.ExecContext(ctx, query, userID, online, at)
	return err
}

func (r *Repository) ListConversationsForUser(ctx context.Context, userID string) ([]Membership, error) {
	query := `SELECT id, user1_id, user2_id FROM conversations
		WHERE user1_id = $1 OR user2_id = $1`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.ConversationID, &m.UserA, &m.UserB); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateConversation returns the conversation between the two users,
// creating it if needed. Used by seeding tools; the HTTP application owns
// conversation creation in production.
func (r *Repository) CreateConversation(ctx context.Context, userA, userB string) (string, error) {
	query := `INSERT INTO conversations (id, user1_id, user2_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user1_id, user2_id) DO UPDATE SET user1_id = EXCLUDED.user1_id
		RETURNING id`

	var id string
	err := r.db.QueryRowContext(ctx, query, uuid.NewString(), userA, userB).Scan(&id)
	return id, err
}
