package chat

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Presence records a user's online flag and tells their live contacts.
type Presence struct {
	router *Router
	store  Store
	logger zerolog.Logger
}

func NewPresence(router *Router, store Store, logger zerolog.Logger) *Presence {
	return &Presence{
		router: router,
		store:  store,
		logger: logger.With().Str("component", "presence").Logger(),
	}
}

func (p *Presence) Online(ctx context.Context, userID string) {
	p.announce(ctx, userID, true)
}

func (p *Presence) Offline(ctx context.Context, userID string) {
	p.announce(ctx, userID, false)
}

// announce is best-effort per counterpart: no failure stops the rest.
func (p *Presence) announce(ctx context.Context, userID string, online bool) {
	ctx, span := tracer.Start(ctx, "Presence.announce", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.Bool("online", online),
	))
	defer span.End()
	log := p.logger.With().Str("user_id", userID).Bool("online", online).Logger()

	lastSeen := p.router.now()
	if err := p.store.SetUserOnline(ctx, userID, online, lastSeen); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("set user online failed")
	}

	conversations, err := p.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("list conversations failed")
		return
	}

	ev := Event{Kind: KindContactStatus, Payload: ContactStatusEvent{
		UserID:   userID,
		IsOnline: online,
		LastSeen: lastSeen,
	}}
	seen := make(map[string]struct{}, len(conversations))
	notified := 0
	for _, m := range conversations {
		contactID := m.Counterpart(userID)
		if contactID == "" || contactID == userID {
			continue
		}
		if _, dup := seen[contactID]; dup {
			continue
		}
		seen[contactID] = struct{}{}
		if p.router.Deliver(ctx, contactID, ev) {
			notified++
		}
	}
	span.SetAttributes(attribute.Int("chat.contacts_notified", notified))
	log.Debug().Int("contacts", len(seen)).Int("notified", notified).Msg("presence broadcast")
}
