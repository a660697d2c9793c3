package chat

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Dispatcher turns raw inbound frames into handler calls.
type Dispatcher struct {
	router *Router
	logger zerolog.Logger
}

func NewDispatcher(router *Router, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		router: router,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch never fails: bad frames are logged and dropped so the
// connection keeps serving.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Connection, raw []byte) {
	if c.UserID() == "" {
		d.logger.Warn().Str("conn_id", c.ID).Msg("frame on unauthenticated connection dropped")
		return
	}

	in, err := decodeFrame(raw)
	if err != nil {
		log := d.logger.With().Str("user_id", c.UserID()).Str("conn_id", c.ID).Int("size", len(raw)).Logger()
		if errors.Is(err, ErrUnknownKind) {
			log.Warn().Err(err).Msg("unknown frame kind")
		} else {
			log.Info().Err(err).Msg("malformed frame dropped")
		}
		return
	}

	switch ev := in.(type) {
	case ChatMessage:
		d.router.HandleChatMessage(ctx, c, ev)
	case TypingSignal:
		d.router.HandleTyping(ctx, c, ev)
	case ReadReceipt:
		d.router.HandleRead(ctx, c, ev)
	}
}
