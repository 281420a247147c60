package bot

import (
	"context"
	"sync"

	"github.com/chastnik/mm-bot-jira2excel/internal/logging"
	"github.com/chastnik/mm-bot-jira2excel/internal/mattermost"
)

// Messenger is the Mattermost surface the bot uses to identify itself and
// deliver replies.
type Messenger interface {
	Me(ctx context.Context) (*mattermost.User, error)
	GetChannel(ctx context.Context, channelID string) (*mattermost.Channel, error)
	CreatePost(ctx context.Context, channelID, message string, fileIDs []string) error
	UploadFile(ctx context.Context, channelID, filename string, data []byte) (string, error)
}

// Bot connects the websocket event stream to the router: it filters out
// non-DM traffic and its own posts, then hands each message to the user's
// serial mailbox.
type Bot struct {
	client     Messenger
	router     *Router
	dispatcher *Dispatcher
	log        logging.Logger

	botUserID string

	mu      sync.Mutex
	dmCache map[string]bool
}

func NewBot(client Messenger, router *Router, dispatcher *Dispatcher, log logging.Logger) *Bot {
	return &Bot{
		client:     client,
		router:     router,
		dispatcher: dispatcher,
		log:        log,
		dmCache:    map[string]bool{},
	}
}

// Init resolves the bot's own account so its posts can be ignored.
func (b *Bot) Init(ctx context.Context) error {
	me, err := b.client.Me(ctx)
	if err != nil {
		return err
	}
	b.botUserID = me.ID
	b.log.Info(ctx, "bot identity resolved", "user_id", me.ID, "username", me.Username)
	return nil
}

// OnMessage is the websocket event handler.
func (b *Bot) OnMessage(ctx context.Context, m mattermost.Message) {
	if m.Post.UserID == "" || m.Post.UserID == b.botUserID {
		return
	}
	if !b.isDirect(ctx, m) {
		return
	}

	post := m.Post
	b.dispatcher.Submit(ctx, post.UserID, func() {
		b.respond(ctx, post)
	})
}

func (b *Bot) respond(ctx context.Context, post mattermost.Post) {
	for _, reply := range b.router.Handle(ctx, post.UserID, post.Message) {
		var fileIDs []string
		if reply.File != nil {
			id, err := b.client.UploadFile(ctx, post.ChannelID, reply.File.Name, reply.File.Data)
			if err != nil {
				b.log.Error(ctx, "file upload failed", "user_id", post.UserID, "error", err)
			} else {
				fileIDs = append(fileIDs, id)
			}
		}
		if err := b.client.CreatePost(ctx, post.ChannelID, reply.Text, fileIDs); err != nil {
			b.log.Error(ctx, "reply delivery failed", "user_id", post.UserID, "error", err)
		}
	}
}

// isDirect trusts the channel type from the event broadcast when present
// and otherwise resolves the channel once, caching the answer.
func (b *Bot) isDirect(ctx context.Context, m mattermost.Message) bool {
	if m.ChannelType != "" {
		return m.ChannelType == "D"
	}

	b.mu.Lock()
	direct, ok := b.dmCache[m.Post.ChannelID]
	b.mu.Unlock()
	if ok {
		return direct
	}

	ch, err := b.client.GetChannel(ctx, m.Post.ChannelID)
	if err != nil {
		b.log.Warn(ctx, "channel lookup failed", "channel_id", m.Post.ChannelID, "error", err)
		return false
	}
	direct = ch.Type == "D"

	b.mu.Lock()
	b.dmCache[m.Post.ChannelID] = direct
	b.mu.Unlock()
	return direct
}
