// Package discord implements connector.Connector for Discord using the
// Gateway WebSocket (via discordgo) for ingress and the REST channel API
// for egress.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/bygeon/bygeon/internal/cache"
	"github.com/bygeon/bygeon/internal/config"
	"github.com/bygeon/bygeon/internal/connector"
	"github.com/bygeon/bygeon/internal/message"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for rate-limit retries.
	maxBackoff = 2 * time.Minute
)

// customEmojiRe matches <:name:id> and <a:name:id> custom emoji tokens.
var customEmojiRe = regexp.MustCompile(`<a?:[A-Za-z0-9_]+:(\d+)>`)

// session abstracts the discordgo.Session methods the connector uses,
// enabling test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(edit *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	GuildMembers(guildID, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	return r.s.State.Channel(channelID)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelMessageEditComplex(edit *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEditComplex(edit, options...)
}
func (r *realSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelMessageDelete(channelID, messageID, options...)
}
func (r *realSession) GuildMembers(guildID, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error) {
	return r.s.GuildMembers(guildID, after, limit, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// hubBinding pairs the hub sink registered on a channel with the cache the
// connector downloads that hub's attachments into, and a cached nickname
// table keyed by Discord user id.
type hubBinding struct {
	sink        connector.HubSink
	attachments *cache.Cache
	nicknames   map[string]string
}

// Connector implements connector.Connector for Discord.
type Connector struct {
	sess     session
	botToken string
	guildID  string

	mu        sync.Mutex
	botUserID string
	closed    bool
	hubs      map[string]hubBinding // channel id -> binding

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// Opts holds parameters for constructing a Connector.
type Opts struct {
	BotToken string
	GuildID  string
	// Session injects a mock session for tests; production callers leave
	// this nil and a real discordgo.Session is created in Start.
	Session session
}

// New creates a Discord connector. The Gateway connection is not opened
// until Start is called.
func New(opts Opts) (*Connector, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Connector{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		guildID:     opts.GuildID,
		hubs:        make(map[string]hubBinding),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Platform returns the stable platform name used as the correspondence
// store's column key.
func (c *Connector) Platform() string { return config.PlatformDiscord }

// AddHub registers remoteChannelID as belonging to sink, downloading that
// hub's attachments via attachments. Best-effort pre-fetches the guild's
// member list for nickname resolution.
func (c *Connector) AddHub(remoteChannelID string, sink connector.HubSink, attachments *cache.Cache) error {
	nicknames, err := c.fetchNicknames()
	if err != nil {
		log.Printf("discord: fetch guild member list for %s: %v", c.guildID, err)
		nicknames = map[string]string{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hubs[remoteChannelID] = hubBinding{sink: sink, attachments: attachments, nicknames: nicknames}
	return nil
}

// fetchNicknames pages through the configured guild's member list and
// returns a user id -> display name table, preferring the guild nickname
// and falling back to the username. Returns an empty table if no guild id
// is configured (tests and single-channel setups without guild access).
func (c *Connector) fetchNicknames() (map[string]string, error) {
	if c.guildID == "" || c.sess == nil {
		return map[string]string{}, nil
	}

	out := make(map[string]string)
	after := ""
	for {
		members, err := c.sess.GuildMembers(c.guildID, after, 1000)
		if err != nil {
			return nil, err
		}
		for _, mem := range members {
			if mem.User == nil {
				continue
			}
			name := mem.Nick
			if name == "" {
				name = mem.User.Username
			}
			out[mem.User.ID] = name
			after = mem.User.ID
		}
		if len(members) < 1000 {
			return out, nil
		}
	}
}

// Start opens the Gateway connection, registers dispatch handlers, and
// blocks until ctx is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	if c.sess == nil {
		dg, err := discordgo.New("Bot " + c.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		c.sess = &realSession{s: dg}
	}

	c.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		c.mu.Lock()
		c.botUserID = r.User.ID
		c.mu.Unlock()
		log.Printf("discord: connected as %s (id %s)", r.User.Username, r.User.ID)
	})
	c.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected")
	})
	c.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Resumed) {
		log.Printf("discord: gateway session resumed")
	})
	c.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleCreate(ctx, m)
	})
	c.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
		c.handleUpdate(ctx, m)
	})
	c.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
		c.handleDelete(ctx, m)
	})

	if err := c.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	defer c.sess.Close()

	<-ctx.Done()
	return nil
}

func (c *Connector) hubFor(channelID string) (hubBinding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.hubs[channelID]
	return b, ok
}

func (c *Connector) isSelf(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.botUserID != "" && userID == c.botUserID
}

func (c *Connector) handleCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || c.isSelf(m.Author.ID) {
		return
	}
	b, ok := c.hubFor(m.ChannelID)
	if !ok {
		return
	}

	text, attachments := c.resolveContent(ctx, m.Content, m.Attachments, m.StickerItems, b.attachments)

	var replyRef string
	if m.MessageReference != nil {
		replyRef = m.MessageReference.MessageID
	}

	b.sink.OnNewMessage(ctx, message.Message{
		OriginPlatform:   config.PlatformDiscord,
		OriginChannelID:  m.ChannelID,
		OriginMessageID:  m.ID,
		OriginReplyRefID: replyRef,
		AuthorName:       displayName(b.nicknames, m.Author),
		Text:             text,
		Attachments:      attachments,
	})
}

func (c *Connector) handleUpdate(ctx context.Context, m *discordgo.MessageUpdate) {
	if m.Author == nil || c.isSelf(m.Author.ID) {
		return
	}
	b, ok := c.hubFor(m.ChannelID)
	if !ok {
		return
	}
	text, attachments := c.resolveContent(ctx, m.Content, m.Attachments, m.StickerItems, b.attachments)
	b.sink.OnEdit(ctx, message.Message{
		OriginPlatform:  config.PlatformDiscord,
		OriginChannelID: m.ChannelID,
		OriginMessageID: m.ID,
		AuthorName:      displayName(b.nicknames, m.Author),
		Text:            text,
		Attachments:     attachments,
	})
}

// displayName resolves author's display name from the hub's cached
// nickname table, falling back to the platform-supplied username.
func displayName(nicknames map[string]string, author *discordgo.User) string {
	if name, ok := nicknames[author.ID]; ok && name != "" {
		return name
	}
	return author.Username
}

func (c *Connector) handleDelete(ctx context.Context, m *discordgo.MessageDelete) {
	b, ok := c.hubFor(m.ChannelID)
	if !ok {
		return
	}
	b.sink.OnDelete(ctx, config.PlatformDiscord, m.ID)
}

// resolveContent resolves custom-emoji tokens and native/sticker attachments
// into downloaded Attachments, stripping the emoji tokens from the text.
func (c *Connector) resolveContent(ctx context.Context, content string, native []*discordgo.MessageAttachment, stickers []*discordgo.Sticker, attachments *cache.Cache) (string, []message.Attachment) {
	var out []message.Attachment

	text := customEmojiRe.ReplaceAllStringFunc(content, func(tok string) string {
		groups := customEmojiRe.FindStringSubmatch(tok)
		if len(groups) != 2 || attachments == nil {
			return ""
		}
		emojiID := groups[1]
		ext := ".png"
		if len(tok) > 2 && tok[1] == 'a' {
			ext = ".gif"
		}
		url := fmt.Sprintf("https://cdn.discordapp.com/emojis/%s%s", emojiID, ext)
		path, mimeType, err := attachments.Download(ctx, url, config.PlatformDiscord, emojiID)
		if err != nil {
			log.Printf("discord: download emoji %s: %v", emojiID, err)
			return ""
		}
		out = append(out, message.Attachment{LogicalName: emojiID + ext, MimeType: mimeType, LocalPath: path})
		return ""
	})

	for _, a := range native {
		if attachments == nil {
			continue
		}
		path, mimeType, err := attachments.Download(ctx, a.URL, config.PlatformDiscord, a.ID)
		if err != nil {
			log.Printf("discord: download attachment %s: %v", a.ID, err)
			continue
		}
		out = append(out, message.Attachment{LogicalName: a.Filename, MimeType: mimeType, LocalPath: path})
	}

	for _, s := range stickers {
		if attachments == nil {
			continue
		}
		switch s.FormatType {
		case discordgo.StickerFormatTypePNG, discordgo.StickerFormatTypeAPNG:
			ext := ".png"
			if s.FormatType == discordgo.StickerFormatTypeAPNG {
				ext = ".apng"
			}
			url := fmt.Sprintf("https://cdn.discordapp.com/stickers/%s%s", s.ID, ext)
			path, mimeType, err := attachments.Download(ctx, url, config.PlatformDiscord, s.ID)
			if err != nil {
				log.Printf("discord: download sticker %s: %v", s.ID, err)
				continue
			}
			out = append(out, message.Attachment{LogicalName: s.Name + ext, MimeType: mimeType, LocalPath: path})
		case discordgo.StickerFormatTypeLottie:
			// Lottie (vector animation) stickers have no raster form to mirror.
		}
	}

	return text, out
}

// openAttachment opens a downloaded attachment for multipart upload.
func openAttachment(a message.Attachment) (*discordgo.File, error) {
	f, err := os.Open(a.LocalPath)
	if err != nil {
		return nil, err
	}
	name := a.LogicalName
	if name == "" {
		name = filepath.Base(a.LocalPath)
	}
	return &discordgo.File{
		Name:        name,
		ContentType: a.MimeType,
		Reader:      f,
	}, nil
}

// Send posts m to remoteChannelID, optionally as a reply to replyRefID, and
// returns the resulting Discord message id.
func (c *Connector) Send(ctx context.Context, m message.Message, remoteChannelID, replyRefID string) (string, error) {
	data := &discordgo.MessageSend{
		Content: fmt.Sprintf("[%s]: %s", m.AuthorName, m.Text),
	}
	if replyRefID != "" {
		data.Reference = &discordgo.MessageReference{ChannelID: remoteChannelID, MessageID: replyRefID}
	}
	for _, a := range m.Attachments {
		f, err := openAttachment(a)
		if err != nil {
			log.Printf("discord: attach %s: %v", a.LocalPath, err)
			continue
		}
		data.Files = append(data.Files, f)
	}

	var sent *discordgo.Message
	err := c.retryOnRateLimit(ctx, func() error {
		var sendErr error
		sent, sendErr = c.sess.ChannelMessageSendComplex(remoteChannelID, data)
		return sendErr
	})
	for _, f := range data.Files {
		if closer, ok := f.Reader.(interface{ Close() error }); ok {
			closer.Close()
		}
	}
	if err != nil {
		return "", fmt.Errorf("discord: send message: %w", err)
	}
	return sent.ID, nil
}

// Edit updates a previously sent message's content in place; Discord
// message ids never change across an edit.
func (c *Connector) Edit(ctx context.Context, m message.Message, remoteChannelID, remoteID string) (string, error) {
	content := fmt.Sprintf("[%s]: %s", m.AuthorName, m.Text)
	edit := discordgo.NewMessageEdit(remoteChannelID, remoteID)
	edit.SetContent(content)

	err := c.retryOnRateLimit(ctx, func() error {
		_, sendErr := c.sess.ChannelMessageEditComplex(edit)
		return sendErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: edit message: %w", err)
	}
	return remoteID, nil
}

// Delete removes a previously sent message.
func (c *Connector) Delete(ctx context.Context, remoteID, remoteChannelID string) error {
	err := c.retryOnRateLimit(ctx, func() error {
		return c.sess.ChannelMessageDelete(remoteChannelID, remoteID)
	})
	if err != nil {
		return fmt.Errorf("discord: delete message: %w", err)
	}
	return nil
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit responses. It respects context cancellation.
func (c *Connector) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * c.baseBackoff
		if wait > c.maxBackoff {
			wait = c.maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d) — retrying in %v", attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
