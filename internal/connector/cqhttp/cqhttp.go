// Package cqhttp implements connector.Connector for an OneBot/CQHttp
// compatible QQ gateway: a WebSocket event stream for ingress and an HTTP
// action API for egress. No vendor SDK exists for this protocol, so both
// halves are hand-rolled over gorilla/websocket and net/http.
package cqhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bygeon/bygeon/internal/cache"
	"github.com/bygeon/bygeon/internal/config"
	"github.com/bygeon/bygeon/internal/connector"
	"github.com/bygeon/bygeon/internal/message"
)

// wsConn abstracts the gorilla/websocket.Conn methods the connector uses,
// enabling test mocks.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// hubBinding pairs the hub sink registered on a group with the cache the
// connector downloads that hub's attachments into, and a cached nickname
// table keyed by QQ user id.
type hubBinding struct {
	sink        connector.HubSink
	attachments *cache.Cache
	nicknames   map[string]string
}

// Connector implements connector.Connector for OneBot/CQHttp.
type Connector struct {
	wsURL   string
	httpURL string
	http    *http.Client

	mu     sync.Mutex
	selfID string
	hubs   map[string]hubBinding // group id -> binding

	conn   wsConn
	dialer func() (wsConn, error)
}

// Opts holds parameters for constructing a Connector.
type Opts struct {
	WSURL   string
	HTTPURL string
	// Conn injects a mock socket for tests; production callers leave this
	// nil and a real WebSocket is dialed in Start.
	Conn wsConn
}

// New creates a CQHttp connector. The WebSocket event stream is not opened
// until Start is called.
func New(opts Opts) (*Connector, error) {
	if opts.WSURL == "" && opts.Conn == nil {
		return nil, fmt.Errorf("cqhttp: ws_url is required")
	}
	c := &Connector{
		wsURL:   opts.WSURL,
		httpURL: strings.TrimSuffix(opts.HTTPURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		hubs:    make(map[string]hubBinding),
		conn:    opts.Conn,
	}
	c.dialer = func() (wsConn, error) {
		conn, _, err := websocket.DefaultDialer.Dial(c.wsURL, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return c, nil
}

// Platform returns the stable platform name used as the correspondence
// store's column key.
func (c *Connector) Platform() string { return config.PlatformCQHttp }

// AddHub registers remoteChannelID (a QQ group id) as belonging to sink,
// downloading that hub's attachments via attachments. Best-effort
// pre-fetches the group's member list for nickname resolution.
func (c *Connector) AddHub(remoteChannelID string, sink connector.HubSink, attachments *cache.Cache) error {
	nicknames, err := c.fetchGroupMemberCards(remoteChannelID)
	if err != nil {
		log.Printf("cqhttp: fetch member list for group %s: %v", remoteChannelID, err)
		nicknames = map[string]string{}
	}
	c.mu.Lock()
	c.hubs[remoteChannelID] = hubBinding{sink: sink, attachments: attachments, nicknames: nicknames}
	c.mu.Unlock()
	return nil
}

// Start opens the WebSocket event stream and blocks decoding events until
// ctx is cancelled. An unexpected disconnect restarts the loop after a
// 2-second pause, with no history replay, per the protocol's lack of
// session resumption.
func (c *Connector) Start(ctx context.Context) error {
	for {
		if err := c.runOnce(ctx); err != nil {
			log.Printf("cqhttp: event stream error: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *Connector) runOnce(ctx context.Context) error {
	conn := c.conn
	if conn == nil {
		dialed, err := c.dialer()
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		conn = dialed
		defer conn.Close()
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				<-done
				return nil
			default:
				return err
			}
		}
		c.handleFrame(ctx, data)
	}
}

type cqEvent struct {
	PostType    string      `json:"post_type"`
	MessageType string      `json:"message_type"`
	GroupID     json.Number `json:"group_id"`
	UserID      json.Number `json:"user_id"`
	SelfID      json.Number `json:"self_id"`
	MessageID   json.Number `json:"message_id"`
	Message     []cqSegment `json:"message"`
	Sender      struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
	} `json:"sender"`
}

type cqSegment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

func (c *Connector) handleFrame(ctx context.Context, data []byte) {
	var ev cqEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("cqhttp: decode event: %v", err)
		return
	}

	if ev.SelfID.String() != "" {
		c.mu.Lock()
		c.selfID = ev.SelfID.String()
		c.mu.Unlock()
	}

	if ev.PostType != "message" || ev.MessageType != "group" {
		return
	}
	if ev.UserID.String() == ev.SelfID.String() {
		return
	}

	groupID := ev.GroupID.String()
	b, ok := c.hubFor(groupID)
	if !ok {
		return
	}

	var text strings.Builder
	var replyRef string
	var attachments []message.Attachment
	for _, seg := range ev.Message {
		switch seg.Type {
		case "reply":
			replyRef = seg.Data["id"]
		case "text":
			text.WriteString(seg.Data["text"])
		case "image":
			if b.attachments == nil {
				continue
			}
			url := seg.Data["url"]
			if url == "" {
				continue
			}
			id := seg.Data["file"]
			if id == "" {
				id = ev.MessageID.String()
			}
			path, mimeType, err := b.attachments.Download(ctx, url, config.PlatformCQHttp, id)
			if err != nil {
				log.Printf("cqhttp: download image: %v", err)
				continue
			}
			attachments = append(attachments, message.Attachment{LogicalName: id, MimeType: mimeType, LocalPath: path})
		}
	}

	author := b.nicknames[ev.UserID.String()]
	if author == "" {
		author = ev.Sender.Card
	}
	if author == "" {
		author = ev.Sender.Nickname
	}

	b.sink.OnNewMessage(ctx, message.Message{
		OriginPlatform:   config.PlatformCQHttp,
		OriginChannelID:  groupID,
		OriginMessageID:  ev.MessageID.String(),
		OriginReplyRefID: replyRef,
		AuthorName:       author,
		Text:             text.String(),
		Attachments:      attachments,
	})
}

func (c *Connector) hubFor(groupID string) (hubBinding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.hubs[groupID]
	return b, ok
}

// cqEscape escapes the characters CQ code text segments treat specially.
func cqEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "[", "&#91;")
	s = strings.ReplaceAll(s, "]", "&#93;")
	return s
}

// buildCQMessage composes the CQ-code string for m: image segments per
// attachment, a reply segment if replyRefID is set, then the bracketed
// author-prefixed text.
func buildCQMessage(m message.Message, replyRefID string) string {
	var b strings.Builder
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, "[CQ:image,file=file:///%s]", strings.TrimPrefix(a.LocalPath, "/"))
	}
	if replyRefID != "" {
		fmt.Fprintf(&b, "[CQ:reply,id=%s]", replyRefID)
	}
	fmt.Fprintf(&b, "[%s]: %s", cqEscape(m.AuthorName), cqEscape(m.Text))
	return b.String()
}

// Send posts m to remoteChannelID (a QQ group id) via send_group_msg.
func (c *Connector) Send(ctx context.Context, m message.Message, remoteChannelID, replyRefID string) (string, error) {
	return c.sendGroupMsg(ctx, remoteChannelID, buildCQMessage(m, replyRefID))
}

// Edit has no native counterpart on QQ: the old message is deleted and a
// new one sent, and the new id is returned so the hub updates the
// correspondence row to keep future operations addressable.
func (c *Connector) Edit(ctx context.Context, m message.Message, remoteChannelID, remoteID string) (string, error) {
	if err := c.deleteMsg(ctx, remoteID); err != nil {
		log.Printf("cqhttp: delete during edit %s: %v", remoteID, err)
	}
	return c.sendGroupMsg(ctx, remoteChannelID, buildCQMessage(m, ""))
}

// Delete removes a previously sent message via delete_msg.
func (c *Connector) Delete(ctx context.Context, remoteID, remoteChannelID string) error {
	return c.deleteMsg(ctx, remoteID)
}

type actionResponse struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
}

func (c *Connector) callAction(ctx context.Context, action string, params map[string]interface{}) (*actionResponse, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("cqhttp: marshal params: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL+"/"+action, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cqhttp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cqhttp: call %s: %w", action, err)
	}
	defer resp.Body.Close()

	var out actionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("cqhttp: decode %s response: %w", action, err)
	}
	if out.Status == "failed" {
		return nil, fmt.Errorf("cqhttp: %s failed (retcode %d)", action, out.Retcode)
	}
	return &out, nil
}

func (c *Connector) sendGroupMsg(ctx context.Context, groupID, text string) (string, error) {
	gid, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("cqhttp: invalid group id %q: %w", groupID, err)
	}
	resp, err := c.callAction(ctx, "send_group_msg", map[string]interface{}{
		"group_id": gid,
		"message":  text,
	})
	if err != nil {
		return "", err
	}
	var data struct {
		MessageID json.Number `json:"message_id"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", fmt.Errorf("cqhttp: decode send_group_msg data: %w", err)
	}
	return data.MessageID.String(), nil
}

func (c *Connector) deleteMsg(ctx context.Context, messageID string) error {
	mid, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("cqhttp: invalid message id %q: %w", messageID, err)
	}
	_, err = c.callAction(ctx, "delete_msg", map[string]interface{}{"message_id": mid})
	return err
}

func (c *Connector) fetchGroupMemberCards(groupID string) (map[string]string, error) {
	gid, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cqhttp: invalid group id %q: %w", groupID, err)
	}
	resp, err := c.callAction(context.Background(), "get_group_member_list", map[string]interface{}{"group_id": gid})
	if err != nil {
		return nil, err
	}
	var members []struct {
		UserID   json.Number `json:"user_id"`
		Card     string      `json:"card"`
		Nickname string      `json:"nickname"`
	}
	if err := json.Unmarshal(resp.Data, &members); err != nil {
		return nil, fmt.Errorf("cqhttp: decode get_group_member_list data: %w", err)
	}
	out := make(map[string]string, len(members))
	for _, m := range members {
		name := m.Card
		if name == "" {
			name = m.Nickname
		}
		out[m.UserID.String()] = name
	}
	return out, nil
}

var _ connector.Connector = (*Connector)(nil)
