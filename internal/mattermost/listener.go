package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chastnik/mm-bot-jira2excel/internal/logging"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Message is a chat message delivered through the websocket, together with
// the channel type from the event broadcast.
type Message struct {
	Post        Post
	ChannelType string
}

type wsEvent struct {
	Event string `json:"event"`
	Seq   int64  `json:"seq"`
	Data  struct {
		Post        string `json:"post"`
		ChannelType string `json:"channel_type"`
	} `json:"data"`
}

type authChallenge struct {
	Seq    int64  `json:"seq"`
	Action string `json:"action"`
	Data   struct {
		Token string `json:"token"`
	} `json:"data"`
}

// Listener maintains the Mattermost websocket connection and hands decoded
// post events to a handler. It reconnects with capped exponential backoff
// until the context is cancelled.
type Listener struct {
	wsURL  string
	token  string
	dialer *websocket.Dialer
	log    logging.Logger
}

func NewListener(baseURL, token string, log logging.Logger) *Listener {
	return &Listener{
		wsURL:  wsEndpoint(baseURL),
		token:  token,
		dialer: websocket.DefaultDialer,
		log:    log,
	}
}

func wsEndpoint(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/v4/websocket"
}

// Run blocks, delivering posted events to handle until ctx is cancelled.
// Connection errors trigger a reconnect; the error returned is always the
// context's.
func (l *Listener) Run(ctx context.Context, handle func(Message)) error {
	backoff := reconnectBase
	for {
		if err := l.listenOnce(ctx, handle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn(ctx, "websocket connection lost", "error", err, "retry_in", backoff.String())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context, handle func(Message)) error {
	conn, _, err := l.dialer.DialContext(ctx, l.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.wsURL, err)
	}
	defer conn.Close()

	// a cancelled context unblocks the blocking ReadMessage below
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	challenge := authChallenge{Seq: 1, Action: "authentication_challenge"}
	challenge.Data.Token = l.token
	if err := conn.WriteJSON(challenge); err != nil {
		return fmt.Errorf("auth challenge: %w", err)
	}
	l.log.Info(ctx, "websocket connected", "url", l.wsURL)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var ev wsEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			l.log.Warn(ctx, "unreadable websocket frame", "error", err)
			continue
		}
		if ev.Event != "posted" {
			continue
		}

		// the post arrives double-encoded as a JSON string
		var post Post
		if err := json.Unmarshal([]byte(ev.Data.Post), &post); err != nil {
			l.log.Warn(ctx, "unreadable post payload", "error", err)
			continue
		}
		handle(Message{Post: post, ChannelType: ev.Data.ChannelType})
	}
}
