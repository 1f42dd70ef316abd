// Package connector defines the contract every platform adapter (Discord,
// Slack, CQHttp) implements, and the narrow callback surface a connector
// uses to reach the hubs it has been registered with.
package connector

import (
	"context"

	"github.com/bygeon/bygeon/internal/cache"
	"github.com/bygeon/bygeon/internal/message"
)

// HubSink is the callback surface a Connector invokes when it observes an
// event on a registered remote channel. Implemented by *hub.Hub. Kept
// narrow (rather than passing the whole Hub type) so connectors can be
// tested against a fake sink without constructing a real correspondence
// store.
type HubSink interface {
	// OnNewMessage handles a newly observed message, inserting the origin
	// row and fanning the message out to every sibling connector.
	OnNewMessage(ctx context.Context, m message.Message)

	// OnEdit handles an edit of a previously observed message.
	OnEdit(ctx context.Context, m message.Message)

	// OnDelete handles a deletion of a previously observed message,
	// identified by its origin platform and id.
	OnDelete(ctx context.Context, originPlatform, originMessageID string)
}

// Connector is the common protocol every platform adapter implements.
// Identity is the connector's platform name, used as the correspondence
// store's column key; at most one connector per platform exists in a
// process.
type Connector interface {
	// Platform returns the stable platform name (e.g. "Discord").
	Platform() string

	// AddHub registers that events observed on remoteChannelID belong to
	// sink, and that outgoing operations addressed to sink should target
	// remoteChannelID. attachments is the cache the connector downloads
	// that hub's attachments into. May be called multiple times for
	// different channels, each binding a (possibly different) hub.
	AddHub(remoteChannelID string, sink HubSink, attachments *cache.Cache) error

	// Start opens the ingress connection and blocks, decoding incoming
	// events and dispatching them to the registered HubSink, until ctx is
	// cancelled or an unrecoverable error occurs.
	Start(ctx context.Context) error

	// Send posts a new message to remoteChannelID, optionally threaded as
	// a reply to replyRefID (platform-native id; empty if none), and
	// returns the platform-assigned remote message id.
	Send(ctx context.Context, m message.Message, remoteChannelID, replyRefID string) (remoteID string, err error)

	// Edit updates a previously sent message's content and returns the
	// remote id the message now has. Most connectors edit in place and
	// return remoteID unchanged; a connector with no edit API (CQHttp)
	// deletes and resends, returning the new id so the correspondence row
	// can be updated to keep future operations addressable.
	Edit(ctx context.Context, m message.Message, remoteChannelID, remoteID string) (newRemoteID string, err error)

	// Delete removes a previously sent message.
	Delete(ctx context.Context, remoteID, remoteChannelID string) error
}
