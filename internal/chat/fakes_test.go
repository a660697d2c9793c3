package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"livechat/internal/user"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeTransport records outbound frames and feeds inbound ones from a channel.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte

	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closes    int

	// onSend, if set, sees every frame before it is recorded.
	onSend func(frame []byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (t *fakeTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.done:
		return ErrConnectionClosed
	default:
	}
	if t.onSend != nil {
		t.onSend(frame)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, frame)
	return nil
}

func (t *fakeTransport) Listen(onFrame func([]byte)) error {
	for {
		select {
		case <-t.done:
			return nil
		case f := <-t.inbound:
			onFrame(f)
		}
	}
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closes++
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) push(kind string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	frame, err := json.Marshal(Envelope{Type: kind, Data: raw})
	if err != nil {
		panic(err)
	}
	t.inbound <- frame
}

func (t *fakeTransport) envelopes() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Envelope, 0, len(t.frames))
	for _, f := range t.frames {
		var env Envelope
		if err := json.Unmarshal(f, &env); err != nil {
			panic(err)
		}
		out = append(out, env)
	}
	return out
}

func (t *fakeTransport) kinds() []string {
	var out []string
	for _, env := range t.envelopes() {
		out = append(out, env.Type)
	}
	return out
}

// only returns the payload of the single frame of the given kind.
func only[T any](tb testing.TB, t *fakeTransport, kind string) T {
	tb.Helper()
	var (
		found []Envelope
		v     T
	)
	for _, env := range t.envelopes() {
		if env.Type == kind {
			found = append(found, env)
		}
	}
	require.Len(tb, found, 1, "frames of kind %q", kind)
	require.NoError(tb, json.Unmarshal(found[0].Data, &v))
	return v
}

type typingKey struct {
	conversationID string
	userID         string
}

// fakeStore is an in-memory Store that logs every call in order.
type fakeStore struct {
	mu sync.Mutex

	conversations map[string]Membership
	messages      map[string]*Message
	typing        map[typingKey]bool
	online        map[string]bool
	onlineCalls   []bool
	lastMessage   map[string]string
	calls         []string

	createErr      error
	lastMessageErr error
	setOnlineErr   error

	// beforeSetOnline runs outside the store lock, so it may block.
	beforeSetOnline func(userID string, online bool)
}

func newFakeStore(convs ...Membership) *fakeStore {
	s := &fakeStore{
		conversations: make(map[string]Membership),
		messages:      make(map[string]*Message),
		typing:        make(map[typingKey]bool),
		online:        make(map[string]bool),
		lastMessage:   make(map[string]string),
	}
	for _, c := range convs {
		s.conversations[c.ConversationID] = c
	}
	return s
}

func (s *fakeStore) record(call string) {
	s.calls = append(s.calls, call)
}

func (s *fakeStore) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeStore) FindConversationMembership(_ context.Context, conversationID string) (Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("FindConversationMembership")
	m, ok := s.conversations[conversationID]
	if !ok {
		return Membership{}, ErrConversationNotFound
	}
	return m, nil
}

func (s *fakeStore) CreateMessage(_ context.Context, nm NewMessage) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("CreateMessage")
	if s.createErr != nil {
		return nil, s.createErr
	}
	delivered := nm.DeliveredAt
	msg := Message{
		ID:             fmt.Sprintf("m%d", len(s.messages)+1),
		ConversationID: nm.ConversationID,
		SenderID:       nm.Sender.ID,
		Content:        nm.Content,
		MessageType:    nm.MessageType,
		MediaURL:       nm.MediaURL,
		IsDelivered:    true,
		DeliveredAt:    &delivered,
		CreatedAt:      nm.DeliveredAt,
		Sender:         nm.Sender,
	}
	stored := msg
	s.messages[msg.ID] = &stored
	return &msg, nil
}

func (s *fakeStore) UpdateConversationLastMessage(_ context.Context, conversationID, content string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("UpdateConversationLastMessage")
	if s.lastMessageErr != nil {
		return s.lastMessageErr
	}
	s.lastMessage[conversationID] = content
	return nil
}

func (s *fakeStore) UpsertTypingState(_ context.Context, conversationID, userID string, isTyping bool, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("UpsertTypingState")
	s.typing[typingKey{conversationID, userID}] = isTyping
	return nil
}

func (s *fakeStore) UpdateMessageRead(_ context.Context, messageID, readerID string, at time.Time) (ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("UpdateMessageRead")
	m, ok := s.messages[messageID]
	if !ok {
		return ReadResult{}, ErrMessageNotFound
	}
	conv := s.conversations[m.ConversationID]
	if !conv.Has(readerID) || m.SenderID == readerID {
		return ReadResult{}, ErrMessageNotFound
	}
	m.IsRead = true
	m.ReadAt = &at
	return ReadResult{MessageID: m.ID, ConversationID: m.ConversationID, SenderID: m.SenderID, ReadAt: at}, nil
}

func (s *fakeStore) SetUserOnline(_ context.Context, userID string, online bool, _ time.Time) error {
	if s.beforeSetOnline != nil {
		s.beforeSetOnline(userID, online)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SetUserOnline")
	s.onlineCalls = append(s.onlineCalls, online)
	if s.setOnlineErr != nil {
		return s.setOnlineErr
	}
	s.online[userID] = online
	return nil
}

func (s *fakeStore) ListConversationsForUser(_ context.Context, userID string) ([]Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("ListConversationsForUser")
	var out []Membership
	for _, m := range s.conversations {
		if m.Has(userID) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) isOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID]
}

func (s *fakeStore) hasMessage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.messages[id]
	return ok
}

func (s *fakeStore) typingState(conversationID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing[typingKey{conversationID, userID}]
}

func (s *fakeStore) offlineCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, on := range s.onlineCalls {
		if !on {
			n++
		}
	}
	return n
}

type sentNotification struct {
	UserID string
	Notification
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, userID string, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{UserID: userID, Notification: note})
	return n.err
}

func (n *fakeNotifier) all() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotification(nil), n.sent...)
}

var errStore = errors.New("store unavailable")

var (
	alice = &user.User{ID: "alice", Name: "Alice"}
	bob   = &user.User{ID: "bob", Name: "Bob"}
	carol = &user.User{ID: "carol", Name: "Carol"}
)

type routerFixture struct {
	registry *Registry
	store    *fakeStore
	notifier *fakeNotifier
	router   *Router
}

func newRouterFixture(convs ...Membership) *routerFixture {
	f := &routerFixture{
		registry: NewRegistry(),
		store:    newFakeStore(convs...),
		notifier: &fakeNotifier{},
	}
	f.router = NewRouter(f.registry, f.store, f.notifier, zerolog.Nop())
	f.router.now = func() time.Time { return testNow }
	return f
}

// connect registers a live connection for u.
func (f *routerFixture) connect(u *user.User) (*Connection, *fakeTransport) {
	t := newFakeTransport()
	c := newConnection(t)
	c.User = u
	f.registry.Register(c)
	return c, t
}
