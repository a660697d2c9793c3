package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"livechat/internal/user"
)

var ErrConnectionClosed = errors.New("connection closed")

// Transport is the capability a physical connection must offer. Any socket
// library can sit behind it; the lifecycle only talks to this interface.
type Transport interface {
	// Send queues one frame. It must return once the transport is closed.
	Send(ctx context.Context, frame []byte) error
	// Listen calls onFrame for every inbound frame, one at a time, and
	// returns when the peer goes away or Close is called.
	Listen(onFrame func([]byte)) error
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// State tracks where a connection is in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateRegistered
	StateServing
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRegistered:
		return "registered"
	case StateServing:
		return "serving"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is one authenticated user's live session.
type Connection struct {
	ID   string
	User *user.User

	transport Transport
	state     atomic.Int32
	teardown  sync.Once
}

// newConnection wraps an accepted transport. User is set once authenticated.
func newConnection(t Transport) *Connection {
	c := &Connection{
		ID:        uuid.NewString(),
		transport: t,
	}
	c.setState(StateConnecting)
	return c
}

func (c *Connection) UserID() string {
	if c == nil || c.User == nil {
		return ""
	}
	return c.User.ID
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// Send encodes ev and hands it to the transport.
func (c *Connection) Send(ctx context.Context, ev Event) error {
	frame, err := ev.Encode()
	if err != nil {
		return err
	}
	return c.transport.Send(ctx, frame)
}

// Close force-closes the transport. Teardown follows from the serving loop.
func (c *Connection) Close() error {
	return c.transport.Close()
}
