// Package notify hands offline notifications to a Redis stream. A separate
// push worker consumes the stream; this service only produces.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"livechat/internal/chat"
)

const defaultMaxLen = 10000

// NewClient connects to Redis and checks it answers.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// Queue is a chat.Notifier backed by XADD.
type Queue struct {
	rdb    redis.Cmdable
	stream string
	maxLen int64
	logger zerolog.Logger
}

func NewQueue(rdb redis.Cmdable, stream string, logger zerolog.Logger) *Queue {
	return &Queue{
		rdb:    rdb,
		stream: stream,
		maxLen: defaultMaxLen,
		logger: logger.With().Str("component", "notify").Str("stream", stream).Logger(),
	}
}

func (q *Queue) Notify(ctx context.Context, userID string, n chat.Notification) error {
	args, err := q.entry(userID, n)
	if err != nil {
		return err
	}

	id, err := q.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", q.stream, err)
	}
	q.logger.Debug().Str("user_id", userID).Str("entry_id", id).Msg("notification queued")
	return nil
}

func (q *Queue) entry(userID string, n chat.Notification) (*redis.XAddArgs, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"user_id": userID,
			"data":    payload,
		},
	}, nil
}
