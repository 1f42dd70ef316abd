// Package hub implements the coordination object for one logical
// conversation: it demultiplexes platform events from registered
// connectors, consults/updates the correspondence store, and fans out
// sends/edits/deletes to sibling connectors concurrently.
package hub

import (
	"context"
	"log"

	"github.com/bygeon/bygeon/internal/cache"
	"github.com/bygeon/bygeon/internal/connector"
	"github.com/bygeon/bygeon/internal/message"
	"github.com/bygeon/bygeon/internal/store"
)

// link binds a registered connector to the remote channel id this hub
// addresses it by.
type link struct {
	conn            connector.Connector
	remoteChannelID string
}

// Hub coordinates one logical conversation across its registered
// connectors, keyed by platform name (spec.md's "a connector may belong to
// multiple hubs, each for a different remote channel").
type Hub struct {
	Name        string
	store       *store.Store
	attachments *cache.Cache
	links       map[string]link // platform name -> link
}

// New creates a Hub backed by store, downloading attachments into
// attachments. Platforms participating in this hub must match
// store.Platforms(); connectors are attached afterward via Register.
func New(name string, st *store.Store, attachments *cache.Cache) *Hub {
	return &Hub{
		Name:        name,
		store:       st,
		attachments: attachments,
		links:       make(map[string]link),
	}
}

// Register binds conn to this hub for remoteChannelID: conn.AddHub is
// called so the connector routes events on remoteChannelID to this hub,
// and the hub records conn as a fan-out target for every other connector's
// events.
func (h *Hub) Register(conn connector.Connector, remoteChannelID string) error {
	if err := conn.AddHub(remoteChannelID, h, h.attachments); err != nil {
		return err
	}
	h.links[conn.Platform()] = link{conn: conn, remoteChannelID: remoteChannelID}
	return nil
}

// Platforms returns the platform names currently registered with this hub.
func (h *Hub) Platforms() []string {
	out := make([]string, 0, len(h.links))
	for platform := range h.links {
		out = append(out, platform)
	}
	return out
}

// RowCount returns the number of correspondence rows tracked by this hub.
func (h *Hub) RowCount(ctx context.Context) (int64, error) {
	return h.store.RowCount(ctx)
}

// siblings returns every registered link except the one for originPlatform.
func (h *Hub) siblings(originPlatform string) []link {
	var out []link
	for platform, l := range h.links {
		if platform == originPlatform {
			continue
		}
		out = append(out, l)
	}
	return out
}

// OnNewMessage records m's origin and dispatches a concurrent Send to
// every sibling connector. If m carries a reply reference, it is
// translated per-sibling first (null translation is not an error — the
// sibling send proceeds without reply context).
func (h *Hub) OnNewMessage(ctx context.Context, m message.Message) {
	replyRefs := map[string]string{}
	if m.HasReply() {
		for _, l := range h.siblings(m.OriginPlatform) {
			ref, ok, err := h.store.Translate(ctx, m.OriginPlatform, m.OriginReplyRefID, l.conn.Platform())
			if err != nil {
				log.Printf("hub %s: translate reply ref: %v", h.Name, err)
				continue
			}
			if ok {
				replyRefs[l.conn.Platform()] = ref
			}
		}
	}

	if err := h.store.InsertOrigin(ctx, m.OriginPlatform, m.OriginMessageID); err != nil {
		log.Printf("hub %s: insert origin %s=%s: %v", h.Name, m.OriginPlatform, m.OriginMessageID, err)
		return
	}

	for _, l := range h.siblings(m.OriginPlatform) {
		l := l
		go func() {
			remoteID, err := l.conn.Send(ctx, m, l.remoteChannelID, replyRefs[l.conn.Platform()])
			if err != nil {
				log.Printf("hub %s: send to %s: %v", h.Name, l.conn.Platform(), err)
				return
			}
			if err := h.store.SetSibling(ctx, m.OriginPlatform, m.OriginMessageID, l.conn.Platform(), remoteID); err != nil {
				log.Printf("hub %s: set sibling %s=%s: %v", h.Name, l.conn.Platform(), remoteID, err)
			}
		}()
	}
}

// OnEdit translates m's origin id to each sibling's id and dispatches a
// concurrent Edit. Siblings with no recorded translation are skipped — an
// edit can arrive before a sibling's mirror exists or after it failed. A
// sibling whose Edit changes the remote id (CQHttp's delete-then-resend)
// has the correspondence row updated to the new id so later operations
// still translate correctly.
func (h *Hub) OnEdit(ctx context.Context, m message.Message) {
	for _, l := range h.siblings(m.OriginPlatform) {
		l := l
		go func() {
			remoteID, ok, err := h.store.Translate(ctx, m.OriginPlatform, m.OriginMessageID, l.conn.Platform())
			if err != nil {
				log.Printf("hub %s: translate for edit on %s: %v", h.Name, l.conn.Platform(), err)
				return
			}
			if !ok {
				return
			}
			newRemoteID, err := l.conn.Edit(ctx, m, l.remoteChannelID, remoteID)
			if err != nil {
				log.Printf("hub %s: edit on %s: %v", h.Name, l.conn.Platform(), err)
				return
			}
			if newRemoteID != "" && newRemoteID != remoteID {
				if err := h.store.SetSibling(ctx, m.OriginPlatform, m.OriginMessageID, l.conn.Platform(), newRemoteID); err != nil {
					log.Printf("hub %s: update sibling id after edit on %s: %v", h.Name, l.conn.Platform(), err)
				}
			}
		}()
	}
}

// OnDelete translates originMessageID to each sibling's id and dispatches
// a concurrent Delete. The correspondence row itself is left in place:
// tombstoning is not required, and future translations for a deleted
// message remain harmless.
func (h *Hub) OnDelete(ctx context.Context, originPlatform, originMessageID string) {
	for _, l := range h.siblings(originPlatform) {
		l := l
		go func() {
			remoteID, ok, err := h.store.Translate(ctx, originPlatform, originMessageID, l.conn.Platform())
			if err != nil {
				log.Printf("hub %s: translate for delete on %s: %v", h.Name, l.conn.Platform(), err)
				return
			}
			if !ok {
				return
			}
			if err := l.conn.Delete(ctx, remoteID, l.remoteChannelID); err != nil {
				log.Printf("hub %s: delete on %s: %v", h.Name, l.conn.Platform(), err)
			}
		}()
	}
}
