package chat

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const sendBufferSize = 256

// ClientConfig tunes every WebSocket connection.
type ClientConfig struct {
	WriteWait      time.Duration // Time allowed to write a frame to the peer.
	PongWait       time.Duration // Time allowed to read the next pong from the peer.
	MaxMessageSize int64
	AllowedOrigins []string // Empty or "*" allows any origin.
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// Pings go out with this period. Must be less than PongWait.
func (c ClientConfig) pingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

func newUpgrader(cfg ClientConfig) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	allowAll := len(cfg.AllowedOrigins) == 0
	for _, o := range cfg.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
			continue
		}
		if n, ok := normalizeOrigin(o); ok {
			allowed[n] = struct{}{}
		}
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			n, ok := normalizeOrigin(r.Header.Get("Origin"))
			if !ok {
				return false
			}
			_, found := allowed[n]
			return found
		},
	}
}

func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}

// wsTransport adapts a gorilla connection to Transport. The read side runs
// on the caller of Listen; writes go through a single writePump goroutine.
type wsTransport struct {
	conn   *websocket.Conn
	cfg    ClientConfig
	logger zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newWSTransport(conn *websocket.Conn, cfg ClientConfig, logger zerolog.Logger) *wsTransport {
	t := &wsTransport{
		conn:   conn,
		cfg:    cfg,
		logger: logger,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	go t.writePump()
	return t
}

// Send blocks while the buffer is full and gives up once the transport closes.
func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case t.send <- frame:
		return nil
	case <-t.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *wsTransport) Listen(onFrame func([]byte)) error {
	defer t.Close()

	t.conn.SetReadLimit(t.cfg.MaxMessageSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	})

	for {
		msgType, message, err := t.conn.ReadMessage()
		if err != nil {
			if t.closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				t.logger.Warn().Int64("limit", t.cfg.MaxMessageSize).Msg("frame exceeded read limit")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				t.logger.Warn().Err(err).Msg("unexpected close")
			}
			return err
		}
		if msgType != websocket.TextMessage {
			t.logger.Debug().Int("type", msgType).Msg("non-text frame ignored")
			continue
		}
		onFrame(message)
	}
}

func (t *wsTransport) writePump() {
	ticker := time.NewTicker(t.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		t.Close()
	}()

	for {
		select {
		case <-t.done:
			return

		case message := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			w, err := t.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *wsTransport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Close sends a bare close frame and drops the socket. Pending and future
// Sends return ErrConnectionClosed.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.cfg.WriteWait))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
