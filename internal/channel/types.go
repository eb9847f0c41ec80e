// Package channel provides a unified abstraction for multi-platform messaging channels.
// It defines the canonical message model, the adapter capability interfaces and a
// registry for adapters such as Telegram, WhatsApp and Messenger.
package channel

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrIntegrationNotFound means no integration owns the routing key or id.
var ErrIntegrationNotFound = errors.New("integration not found")

// ChannelType identifies a messaging platform (e.g., "telegram", "messenger").
type ChannelType string

const (
	TypeWhatsApp         ChannelType = "whatsapp"
	TypeWhatsAppBusiness ChannelType = "whatsapp_business"
	TypeTelegram         ChannelType = "telegram"
	TypeInstagram        ChannelType = "instagram"
	TypeMessenger        ChannelType = "messenger"
)

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// IntegrationStatus is the connection state of an integration.
type IntegrationStatus string

const (
	IntegrationConnected    IntegrationStatus = "connected"
	IntegrationDisconnected IntegrationStatus = "disconnected"
)

// Integration is one connected platform account.
type Integration struct {
	ID     string
	TeamID string
	Name   string
	// Platform selects the adapter serving this integration.
	Platform ChannelType
	// RoutingKey maps inbound webhooks to the integration: page id for
	// Messenger/Instagram, phone-number id for WhatsApp Business, bot token for
	// Telegram and the device name for linked WhatsApp devices.
	RoutingKey  string
	AccessToken string
	VerifyToken string
	Status      IntegrationStatus
	Settings    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Connected reports whether the integration accepts traffic.
func (i Integration) Connected() bool {
	return i.Status == "" || i.Status == IntegrationConnected
}

// Setting returns a trimmed string setting or empty string if absent.
func (i Integration) Setting(key string) string {
	return ReadString(i.Settings, key)
}

// SenderKind classifies the external sender.
type SenderKind string

const (
	SenderUser    SenderKind = "user"
	SenderGroup   SenderKind = "group"
	SenderChannel SenderKind = "channel"
)

// InboundMessage is the platform-agnostic form of one received message.
type InboundMessage struct {
	Channel    ChannelType
	SenderID   string
	SenderName string
	SenderKind SenderKind
	MessageID  string
	// Text is the message body or a "[<Kind> received]" placeholder for
	// non-text content.
	Text string
	// RoutingKey is the platform identifier used to resolve the owning
	// integration.
	RoutingKey string
	// ReplyTarget is where replies go when it differs from SenderID, for
	// example the chat id of a Telegram group.
	ReplyTarget string
	ReceivedAt  time.Time
	Metadata    map[string]any
}

// Target returns the address replies should be sent to.
func (m InboundMessage) Target() string {
	if strings.TrimSpace(m.ReplyTarget) != "" {
		return strings.TrimSpace(m.ReplyTarget)
	}
	return strings.TrimSpace(m.SenderID)
}

// Meta returns a trimmed string metadata value.
func (m InboundMessage) Meta(key string) string {
	return ReadString(m.Metadata, key)
}

// OutboundMessage is a reply to deliver through an adapter.
type OutboundMessage struct {
	Target  string
	Text    string
	ReplyTo string
}

// Capabilities describes what an adapter supports.
type Capabilities struct {
	Webhook  bool
	Receiver bool
	Markdown bool
}

// Descriptor holds read-only metadata for a registered channel type.
// It contains no behavior; all behavior is expressed through optional interfaces.
type Descriptor struct {
	Type         ChannelType
	DisplayName  string
	Capabilities Capabilities
	// WebhookPath is the path segment under /webhooks used by the platform.
	WebhookPath string
	// MaxTextLength is the longest text the platform accepts, 0 if unbounded.
	MaxTextLength int
}

// ReadString reads a trimmed string from a loosely typed map.
func ReadString(raw map[string]any, key string) string {
	if raw == nil {
		return ""
	}
	value, ok := raw[key]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
