// Command loadtest seeds user pairs directly in postgres, then drives chat,
// typing and read-receipt traffic between each pair over the socket.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"livechat/internal/chat"
	"livechat/internal/db"
	"livechat/internal/logging"
	"livechat/internal/user"
)

type options struct {
	WSURL    string
	DSN      string
	Secret   string
	Pairs    int
	Messages int
	Interval time.Duration
}

type stats struct {
	sent      atomic.Int64
	confirmed atomic.Int64
	received  atomic.Int64
	readAcks  atomic.Int64
	failures  atomic.Int64
}

func main() {
	var opts options
	pflag.StringVar(&opts.WSURL, "url", "ws://localhost:8080/ws", "socket endpoint")
	pflag.StringVar(&opts.DSN, "dsn", os.Getenv("DB_DSN"), "postgres connection string used for seeding")
	pflag.StringVar(&opts.Secret, "secret", os.Getenv("JWT_SECRET"), "token signing secret")
	pflag.IntVarP(&opts.Pairs, "pairs", "p", 50, "number of conversing user pairs")
	pflag.IntVarP(&opts.Messages, "messages", "n", 20, "messages sent by each user")
	pflag.DurationVar(&opts.Interval, "interval", 10*time.Millisecond, "pause between messages")
	pflag.Parse()

	logger := logging.New(os.Stdout, "info", "console")
	if err := run(context.Background(), opts, logger); err != nil {
		logger.Fatal().Err(err).Msg("load test failed")
	}
}

func run(ctx context.Context, opts options, logger zerolog.Logger) error {
	database, err := db.NewDatabase(ctx, opts.DSN)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}

	users := user.NewRepository(database.Conn)
	conversations := chat.NewRepository(database.Conn)
	tokens := user.NewService(users, opts.Secret)

	logger.Info().Int("users", opts.Pairs*2).Int("messages", opts.Messages).Msg("starting load test")
	start := time.Now()

	var st stats
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(64)
	for i := 0; i < opts.Pairs; i++ {
		pairID := i
		g.Go(func() error {
			if err := runPair(gctx, pairID, opts, users, conversations, tokens, &st); err != nil {
				st.failures.Add(1)
				logger.Warn().Err(err).Int("pair", pairID).Msg("pair failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.Info().
		Dur("elapsed", time.Since(start)).
		Int64("sent", st.sent.Load()).
		Int64("confirmed", st.confirmed.Load()).
		Int64("received", st.received.Load()).
		Int64("read_acks", st.readAcks.Load()).
		Int64("failed_pairs", st.failures.Load()).
		Msg("load test complete")
	return nil
}

func runPair(ctx context.Context, pairID int, opts options, users *user.Repository, conversations *chat.Repository, tokens *user.Service, st *stats) error {
	a, err := seedUser(ctx, users, fmt.Sprintf("lt_%d_a", pairID))
	if err != nil {
		return err
	}
	b, err := seedUser(ctx, users, fmt.Sprintf("lt_%d_b", pairID))
	if err != nil {
		return err
	}
	convID, err := conversations.CreateConversation(ctx, a.ID, b.ID)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, u := range []*user.User{a, b} {
		token, err := tokens.IssueToken(u, time.Hour)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(u *user.User) {
			defer wg.Done()
			if err := chatter(opts, token, convID, u.Name, st); err != nil {
				errs <- err
			}
		}(u)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

func seedUser(ctx context.Context, users *user.Repository, name string) (*user.User, error) {
	u, err := users.CreateUser(ctx, &user.User{
		ID:       uuid.NewString(),
		GoogleID: "loadtest-" + name,
		Email:    name + "@loadtest.local",
		Name:     name,
	})
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", name, err)
	}
	return u, nil
}

// chatter sends opts.Messages messages wrapped in typing signals, and
// acknowledges every message it receives with a read receipt.
func chatter(opts options, token, convID, name string, st *stats) error {
	u, err := url.Parse(opts.WSURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", name, err)
	}
	defer conn.Close()

	// gorilla allows one concurrent writer.
	var writeMu sync.Mutex
	write := func(kind string, data any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(map[string]any{"type": kind, "data": data})
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			var env chat.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			switch env.Type {
			case chat.KindMessageSent:
				st.confirmed.Add(1)
			case chat.KindNewMessage:
				st.received.Add(1)
				var m chat.Message
				if json.Unmarshal(env.Data, &m) == nil {
					_ = write(chat.KindRead, chat.ReadReceipt{MessageID: m.ID})
				}
			case chat.KindMessageRead:
				st.readAcks.Add(1)
			}
		}
	}()

	for i := 0; i < opts.Messages; i++ {
		if err := write(chat.KindTyping, chat.TypingSignal{ConversationID: convID, IsTyping: true}); err != nil {
			return err
		}
		err := write(chat.KindMessage, chat.ChatMessage{
			ConversationID: convID,
			Content:        fmt.Sprintf("load test message %d from %s", i, name),
		})
		if err != nil {
			return err
		}
		st.sent.Add(1)
		time.Sleep(opts.Interval)
	}
	_ = write(chat.KindTyping, chat.TypingSignal{ConversationID: convID, IsTyping: false})

	// Give the counterpart time to read what was sent before hanging up.
	time.Sleep(time.Second)
	writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	writeMu.Unlock()
	<-readDone
	return nil
}
