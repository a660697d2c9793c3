package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	myMiddleware "livechat/internal/middleware"
	"livechat/internal/user"
)

const (
	defaultTeardownTimeout = 5 * time.Second
	drainInterval          = 50 * time.Millisecond
)

// Authenticator resolves the connection token to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*user.User, error)
}

type Config struct {
	Registry      *Registry
	Store         Store
	Notifier      Notifier
	Authenticator Authenticator
	Client        ClientConfig
	Logger        zerolog.Logger
}

// Handler owns the connection lifecycle: authenticate, register, announce,
// serve frames, then deregister and announce again.
type Handler struct {
	registry   *Registry
	auth       Authenticator
	router     *Router
	presence   *Presence
	dispatcher *Dispatcher
	client     ClientConfig
	upgrader   websocket.Upgrader
	logger     zerolog.Logger

	teardownTimeout time.Duration

	// presenceLocks serializes register+announce against deregister+announce
	// for the same user.
	presenceLocks *userLocks

	mu      sync.Mutex
	closing bool
	active  sync.WaitGroup
}

func NewHandler(cfg Config) *Handler {
	router := NewRouter(cfg.Registry, cfg.Store, cfg.Notifier, cfg.Logger)
	return &Handler{
		registry:        cfg.Registry,
		auth:            cfg.Authenticator,
		router:          router,
		presence:        NewPresence(router, cfg.Store, cfg.Logger),
		dispatcher:      NewDispatcher(router, cfg.Logger),
		client:          cfg.Client,
		upgrader:        newUpgrader(cfg.Client),
		logger:          cfg.Logger.With().Str("component", "lifecycle").Logger(),
		teardownTimeout: defaultTeardownTimeout,
		presenceLocks:   newUserLocks(),
	}
}

// ServeWs upgrades the request and serves it until the socket goes away.
// Authentication happens after the upgrade so a rejected peer only ever
// sees the connection close.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	token := myMiddleware.TokenFromRequest(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	t := newWSTransport(conn, h.client, h.logger.With().Str("remote_addr", r.RemoteAddr).Logger())
	h.Serve(r.Context(), t, token)
}

// Serve runs one connection through its whole lifecycle and returns once it
// is closed and torn down.
func (h *Handler) Serve(ctx context.Context, t Transport, token string) {
	if !h.begin() {
		h.logger.Debug().Msg("connection refused while shutting down")
		_ = t.Close()
		return
	}
	defer h.active.Done()

	c := newConnection(t)
	c.setState(StateAuthenticating)

	u, err := h.auth.Authenticate(ctx, token)
	if err != nil {
		h.logger.Info().Err(err).Str("conn_id", c.ID).Msg("connection rejected")
		_ = t.Close()
		c.setState(StateClosed)
		return
	}
	c.User = u
	log := h.logger.With().Str("user_id", u.ID).Str("conn_id", c.ID).Logger()

	unlock := h.presenceLocks.lock(u.ID)
	if prev := h.registry.Register(c); prev != nil {
		log.Info().Str("replaced_conn_id", prev.ID).Msg("closing replaced connection")
		_ = prev.Close()
	}
	c.setState(StateRegistered)
	h.presence.Online(ctx, u.ID)
	unlock()

	if err := c.Send(ctx, Event{Kind: KindConnected, Payload: ConnectedEvent{UserID: u.ID, Status: "online"}}); err != nil {
		log.Debug().Err(err).Msg("connected event dropped")
	}
	log.Info().Msg("connected")

	c.setState(StateServing)
	err = t.Listen(func(frame []byte) {
		h.dispatcher.Dispatch(ctx, c, frame)
	})
	if err != nil {
		log.Debug().Err(err).Msg("listen ended")
	}

	h.Disconnect(ctx, c)
}

// Disconnect closes c and runs its teardown exactly once, however many
// times and from however many goroutines it is called. A connection that
// was already replaced leaves the user's presence alone.
func (h *Handler) Disconnect(ctx context.Context, c *Connection) {
	c.teardown.Do(func() {
		c.setState(StateClosing)
		_ = c.Close()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.teardownTimeout)
		defer cancel()

		log := h.logger.With().Str("user_id", c.UserID()).Str("conn_id", c.ID).Logger()
		if c.UserID() == "" {
			c.setState(StateClosed)
			return
		}

		unlock := h.presenceLocks.lock(c.UserID())
		if h.registry.Deregister(c) {
			h.presence.Offline(ctx, c.UserID())
			log.Info().Msg("disconnected")
		} else {
			log.Debug().Msg("replaced connection closed")
		}
		unlock()
		c.setState(StateClosed)
	})
}

// begin admits a new connection unless CloseAll has started.
func (h *Handler) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.active.Add(1)
	return true
}

// CloseAll stops admitting connections, force-closes every live one and
// waits for their teardown to finish, or for ctx to end. Connections that
// were still authenticating when it started are closed once they register.
func (h *Handler) CloseAll(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		h.closeRegistered()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Handler) closeRegistered() {
	for _, id := range h.registry.ListOnline() {
		if c, ok := h.registry.Lookup(id); ok {
			_ = c.Close()
		}
	}
}

// SendToUser pushes an arbitrary event to a user if they are connected.
func (h *Handler) SendToUser(ctx context.Context, userID string, ev Event) bool {
	return h.router.Deliver(ctx, userID, ev)
}

func (h *Handler) IsOnline(userID string) bool {
	_, ok := h.registry.Lookup(userID)
	return ok
}

func (h *Handler) OnlineUsers() []string {
	return h.registry.ListOnline()
}

// ListOnline serves GET /api/presence.
func (h *Handler) ListOnline(w http.ResponseWriter, r *http.Request) {
	if u, ok := myMiddleware.UserFromContext(r.Context()); ok {
		h.logger.Debug().Str("user_id", u.ID).Msg("online list requested")
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"online": h.OnlineUsers()})
}

// UserStatus serves GET /api/presence/{userID}.
func (h *Handler) UserStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "isOnline": h.IsOnline(userID)})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn().Err(err).Msg("encode response failed")
	}
}
