package channel

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrStopNotSupported is returned when a connection does not support graceful shutdown.
var ErrStopNotSupported = errors.New("channel connection stop not supported")

// ErrUnsupportedPayload is returned by decoders for bodies that carry no
// message, such as status callbacks or unknown update kinds.
var ErrUnsupportedPayload = errors.New("unsupported payload")

// InboundHandler is a callback invoked when a message arrives from a channel.
type InboundHandler func(ctx context.Context, integration Integration, msg InboundMessage) error

// Adapter is the base interface every channel adapter must implement.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// Decoder turns a raw webhook body into zero or more inbound messages.
// Entries that are not user messages are skipped rather than reported.
type Decoder interface {
	Decode(body []byte) ([]InboundMessage, error)
}

// Sender is an adapter capable of sending outbound messages.
type Sender interface {
	Send(ctx context.Context, integration Integration, msg OutboundMessage) error
}

// Formatter converts generic markdown into the platform dialect.
type Formatter interface {
	Format(text string) string
}

// ReceiptAcknowledger confirms receipt of an inbound message on the platform,
// e.g. read receipts or callback-query answers. Best effort.
type ReceiptAcknowledger interface {
	Acknowledge(ctx context.Context, integration Integration, msg InboundMessage) error
}

// WebhookRegistrar registers or removes the platform-side webhook URL.
type WebhookRegistrar interface {
	RegisterWebhook(ctx context.Context, integration Integration, url string) error
	DeleteWebhook(ctx context.Context, integration Integration) error
}

// Receiver is an adapter capable of establishing a long-lived connection to receive messages.
type Receiver interface {
	Connect(ctx context.Context, integration Integration, handler InboundHandler) (Connection, error)
}

// Connection represents an active, long-lived link to a channel platform.
type Connection interface {
	IntegrationID() string
	ChannelType() ChannelType
	Stop(ctx context.Context) error
	Running() bool
}

// BaseConnection is a default Connection implementation backed by a stop function.
type BaseConnection struct {
	integrationID string
	channelType   ChannelType
	stop          func(ctx context.Context) error
	running       atomic.Bool
}

// NewConnection creates a BaseConnection for the given integration and stop function.
func NewConnection(integration Integration, stop func(ctx context.Context) error) *BaseConnection {
	conn := &BaseConnection{
		integrationID: integration.ID,
		channelType:   integration.Platform,
		stop:          stop,
	}
	conn.running.Store(true)
	return conn
}

// IntegrationID returns the integration served by this connection.
func (c *BaseConnection) IntegrationID() string {
	return c.integrationID
}

// ChannelType returns the type of channel this connection serves.
func (c *BaseConnection) ChannelType() ChannelType {
	return c.channelType
}

// Stop gracefully shuts down the connection.
func (c *BaseConnection) Stop(ctx context.Context) error {
	if c.stop == nil {
		return ErrStopNotSupported
	}
	c.running.Store(false)
	return c.stop(ctx)
}

// Running reports whether the connection is still active.
func (c *BaseConnection) Running() bool {
	return c.running.Load()
}

// MarkStopped flags the connection as no longer running without invoking stop,
// used when the platform drops the link on its own.
func (c *BaseConnection) MarkStopped() {
	c.running.Store(false)
}
