// Package slack implements connector.Connector for Slack using Socket Mode
// for ingress and the Web API for egress.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/bygeon/bygeon/internal/cache"
	"github.com/bygeon/bygeon/internal/config"
	"github.com/bygeon/bygeon/internal/connector"
	"github.com/bygeon/bygeon/internal/message"
)

const (
	maxRetries  = 3
	baseBackoff = 2 * time.Second
	maxBackoff  = 2 * time.Minute
)

// slackClient abstracts the Slack Web API methods the connector uses,
// enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	DeleteMessage(channelID, timestamp string) (string, string, error)
	UploadFile(params slackapi.FileUploadParameters) (*slackapi.File, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods the connector uses.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// hubBinding pairs the hub sink registered on a channel with the cache the
// connector downloads that hub's attachments into.
type hubBinding struct {
	sink        connector.HubSink
	attachments *cache.Cache
}

// Connector implements connector.Connector for Slack.
type Connector struct {
	client   slackClient
	socket   socketClient
	appToken string
	botToken string

	mu          sync.Mutex
	botUserID   string
	botID       string
	hubs        map[string]hubBinding // channel id -> binding
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// Opts holds parameters for constructing a Connector.
type Opts struct {
	AppToken string // xapp-... app-level token for Socket Mode
	BotToken string // xoxb-... bot token
	// Client/Socket inject mocks for tests; production callers leave these
	// nil and real clients are created in Start.
	Client slackClient
	Socket socketClient
}

// New creates a Slack connector. The Socket Mode connection is not opened
// until Start is called.
func New(opts Opts) (*Connector, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	return &Connector{
		client:      opts.Client,
		socket:      opts.Socket,
		appToken:    opts.AppToken,
		botToken:    opts.BotToken,
		hubs:        make(map[string]hubBinding),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Platform returns the stable platform name used as the correspondence
// store's column key.
func (c *Connector) Platform() string { return config.PlatformSlack }

// AddHub registers remoteChannelID as belonging to sink, downloading that
// hub's attachments via attachments.
func (c *Connector) AddHub(remoteChannelID string, sink connector.HubSink, attachments *cache.Cache) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hubs[remoteChannelID] = hubBinding{sink: sink, attachments: attachments}
	return nil
}

// Start resolves the bot's own identity, opens the Socket Mode connection,
// and blocks pumping events to registered hubs until ctx is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	if c.client == nil {
		api := slackapi.New(c.botToken, slackapi.OptionAppLevelToken(c.appToken))
		c.client = api
		c.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := c.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.mu.Lock()
	c.botUserID = auth.UserID
	c.botID = auth.BotID
	c.mu.Unlock()

	go c.runWithReconnect(ctx)
	c.pumpEvents(ctx)
	return nil
}

func (c *Connector) runWithReconnect(ctx context.Context) {
	attempt := 0
	for {
		err := c.socket.Run()
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err == nil {
			return
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * c.baseBackoff
		if wait > c.maxBackoff {
			wait = c.maxBackoff
		}
		attempt++
		log.Printf("slack: socket mode disconnected: %v — reconnecting in %v", err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Connector) pumpEvents(ctx context.Context) {
	events := c.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.handleSocketEvent(ctx, evt)
		}
	}
}

// handleSocketEvent routes one Socket Mode envelope. events_api envelopes
// are acknowledged before any further processing, per Slack's delivery
// guarantee.
func (c *Connector) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		c.handleEventsAPI(ctx, eventsAPIEvent)

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to socket mode")
	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to socket mode")
	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)
	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

func (c *Connector) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	c.handleMessageEvent(ctx, ev)
}

func (c *Connector) hubFor(channelID string) (hubBinding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.hubs[channelID]
	return b, ok
}

func (c *Connector) isSelf(userID, botID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.botUserID != "" && userID == c.botUserID {
		return true
	}
	if c.botID != "" && botID == c.botID {
		return true
	}
	return false
}

// handleMessageEvent routes a message event by subtype per spec: deletes,
// edits, and bot/file variants each dispatch a different hub operation.
func (c *Connector) handleMessageEvent(ctx context.Context, ev *slackevents.MessageEvent) {
	b, ok := c.hubFor(ev.Channel)
	if !ok {
		return
	}

	switch ev.SubType {
	case "message_deleted":
		if ev.PreviousMessage == nil {
			return
		}
		b.sink.OnDelete(ctx, config.PlatformSlack, ev.PreviousMessage.TimeStamp)
		return

	case "message_changed":
		if ev.Message == nil {
			return
		}
		if c.isSelf(ev.Message.User, ev.Message.BotID) {
			return
		}
		b.sink.OnEdit(ctx, message.Message{
			OriginPlatform:  config.PlatformSlack,
			OriginChannelID: ev.Channel,
			OriginMessageID: ev.Message.TimeStamp,
			AuthorName:      c.resolveUserName(ev.Message.User),
			Text:            ev.Message.Text,
		})
		return

	case "bot_message":
		if c.isSelf(ev.User, ev.BotID) {
			return
		}

	case "file_share":
		// handled below alongside the default new-message path

	case "":
		// plain message, handled below

	default:
		return
	}

	if c.isSelf(ev.User, ev.BotID) {
		return
	}

	var attachments []message.Attachment
	for _, f := range ev.Files {
		if b.attachments == nil {
			break
		}
		url := f.URLPrivateDownload
		if url == "" {
			url = f.URLPrivate
		}
		path, mimeType, err := b.attachments.DownloadWithBearer(ctx, url, c.botToken, config.PlatformSlack, f.ID)
		if err != nil {
			log.Printf("slack: download file %s: %v", f.ID, err)
			continue
		}
		attachments = append(attachments, message.Attachment{LogicalName: f.Name, MimeType: mimeType, LocalPath: path})
	}

	b.sink.OnNewMessage(ctx, message.Message{
		OriginPlatform:   config.PlatformSlack,
		OriginChannelID:  ev.Channel,
		OriginMessageID:  ev.TimeStamp,
		OriginReplyRefID: threadParent(ev),
		AuthorName:       c.resolveUserName(ev.User),
		Text:             ev.Text,
		Attachments:      attachments,
	})
}

// threadParent returns the thread's parent timestamp as a reply ref, unless
// this event IS the thread parent (ThreadTimeStamp == TimeStamp).
func threadParent(ev *slackevents.MessageEvent) string {
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		return ev.ThreadTimeStamp
	}
	return ""
}

func (c *Connector) resolveUserName(userID string) string {
	if userID == "" || c.client == nil {
		return userID
	}
	user, err := c.client.GetUserInfo(userID)
	if err != nil || user == nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	return user.RealName
}

// Send posts m to remoteChannelID. Attachments are uploaded first via
// files.upload, one call each, with the text as the upload's initial
// comment; chat.postMessage then always posts the text as well, and its ts
// is the returned remote id.
func (c *Connector) Send(ctx context.Context, m message.Message, remoteChannelID, replyRefID string) (string, error) {
	for _, a := range m.Attachments {
		err := c.retryOnRateLimit(ctx, func() error {
			_, uploadErr := c.client.UploadFile(slackapi.FileUploadParameters{
				Channels:        []string{remoteChannelID},
				File:            a.LocalPath,
				Filename:        a.LogicalName,
				InitialComment:  m.Text,
				ThreadTimestamp: replyRefID,
			})
			return uploadErr
		})
		if err != nil {
			log.Printf("slack: upload file %s: %v", a.LocalPath, err)
		}
	}

	var options []slackapi.MsgOption
	if replyRefID != "" {
		options = append(options, slackapi.MsgOptionTS(replyRefID))
	}
	options = append(options, slackapi.MsgOptionText(m.Text, false), slackapi.MsgOptionUsername(m.AuthorName))

	var ts string
	err := c.retryOnRateLimit(ctx, func() error {
		_, postTS, postErr := c.client.PostMessage(remoteChannelID, options...)
		ts = postTS
		return postErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: post message: %w", err)
	}
	return ts, nil
}

// Edit updates a previously sent message via chat.update; the ts identity
// is unchanged by an update.
func (c *Connector) Edit(ctx context.Context, m message.Message, remoteChannelID, remoteID string) (string, error) {
	err := c.retryOnRateLimit(ctx, func() error {
		_, _, _, updateErr := c.client.UpdateMessage(remoteChannelID, remoteID, slackapi.MsgOptionText(m.Text, false))
		return updateErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: update message: %w", err)
	}
	return remoteID, nil
}

// Delete removes a previously sent message via chat.delete.
func (c *Connector) Delete(ctx context.Context, remoteID, remoteChannelID string) error {
	err := c.retryOnRateLimit(ctx, func() error {
		_, _, deleteErr := c.client.DeleteMessage(remoteChannelID, remoteID)
		return deleteErr
	})
	if err != nil {
		return fmt.Errorf("slack: delete message: %w", err)
	}
	return nil
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors, honoring the RetryAfter duration Slack reports.
func (c *Connector) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
