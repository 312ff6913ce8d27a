package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"chat-relay/internal/envelope"
	"chat-relay/internal/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"
)

type options struct {
	wsURL    string
	secret   string
	issuer   string
	dsn      string
	pairs    int
	messages int
	interval time.Duration
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

func main() {
	var opts options
	flag.StringVar(&opts.wsURL, "ws", "ws://localhost:8080/ws", "websocket endpoint")
	flag.StringVar(&opts.secret, "secret", os.Getenv("JWT_SECRET"), "HS256 signing secret shared with the server")
	flag.StringVar(&opts.issuer, "issuer", "go-chat-app", "token issuer")
	flag.StringVar(&opts.dsn, "dsn", os.Getenv("DB_DSN"), "seed users and chats through this database when set")
	flag.IntVar(&opts.pairs, "pairs", 50, "number of user pairs, each sharing one chat")
	flag.IntVar(&opts.messages, "messages", 20, "messages sent per user")
	flag.DurationVar(&opts.interval, "interval", 10*time.Millisecond, "pause between messages")
	flag.Parse()

	log := logger.NewLogger(logger.Config{Format: "text", Service: "loadtest"})
	if opts.secret == "" {
		log.Error("JWT secret is required")
		os.Exit(1)
	}

	ctx := context.Background()
	if opts.dsn != "" {
		if err := seed(ctx, opts.dsn, opts.pairs); err != nil {
			log.Error("Seeding failed", logger.ErrorField(err))
			os.Exit(1)
		}
		log.Info("Seeded users and chats", logger.IntField("pairs", opts.pairs))
	}

	log.Info("Starting load test",
		logger.IntField("users", opts.pairs*2),
		logger.IntField("messages_per_user", opts.messages),
	)

	var st stats
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < opts.pairs; i++ {
		chatID := fmt.Sprintf("lt_chat_%d", i)
		for _, side := range []string{"a", "b"} {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				if err := runUser(ctx, opts, userID, chatID, &st); err != nil {
					st.failed.Add(1)
					log.Warn("User run failed", logger.UserField(userID), logger.ErrorField(err))
				}
			}(fmt.Sprintf("lt_user_%d_%s", i, side))
		}
	}
	wg.Wait()

	log.Info("Load test complete",
		logger.DurationField("elapsed", time.Since(start)),
		logger.IntField("sent", int(st.sent.Load())),
		logger.IntField("received", int(st.received.Load())),
		logger.IntField("failed_users", int(st.failed.Load())),
	)
}

func mintToken(opts options, userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    opts.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(opts.secret))
}

func runUser(ctx context.Context, opts options, userID, chatID string, st *stats) error {
	token, err := mintToken(opts, userID)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.wsURL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env envelope.Envelope
			if json.Unmarshal(data, &env) == nil && env.Type == envelope.TypeChatMessage {
				st.received.Add(1)
			}
		}
	}()

	if err := send(conn, envelope.ActionChatSubscribe, envelope.SubscribeRequest{ChatID: chatID}); err != nil {
		return err
	}
	for i := 0; i < opts.messages; i++ {
		if i == 0 {
			_ = send(conn, envelope.ActionChatTyping, envelope.TypingRequest{ChatID: chatID, IsTyping: true})
		}
		msg := envelope.ChatMessage{ChatID: chatID, Content: fmt.Sprintf("load test message %d from %s", i, userID)}
		if err := send(conn, envelope.ActionChatSend, msg); err != nil {
			return err
		}
		st.sent.Add(1)
		time.Sleep(opts.interval)
	}

	// Give the peer's last messages time to arrive.
	time.Sleep(time.Second)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
	}
	return nil
}

func send(conn *websocket.Conn, action envelope.Action, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteJSON(envelope.Frame{Action: action, Payload: body})
}

// seed creates the users, chats and memberships the run relies on.
func seed(ctx context.Context, dsn string, pairs int) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	batch := &pgx.Batch{}
	for i := 0; i < pairs; i++ {
		chatID := fmt.Sprintf("lt_chat_%d", i)
		batch.Queue(`INSERT INTO chats (id, type, name) VALUES ($1, 'private', $1) ON CONFLICT (id) DO NOTHING`, chatID)
		for _, side := range []string{"a", "b"} {
			userID := fmt.Sprintf("lt_user_%d_%s", i, side)
			batch.Queue(`INSERT INTO users (id, username) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, userID, userID)
			batch.Queue(`INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, chatID, userID)
		}
	}
	return conn.SendBatch(ctx, batch).Close()
}
