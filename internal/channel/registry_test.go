package channel_test

import (
	"context"
	"testing"

	"github.com/memohai/chatgate/internal/channel"
)

const testChannelType = channel.ChannelType("test")

type baseMockAdapter struct{}

func (a *baseMockAdapter) Type() channel.ChannelType { return testChannelType }

func (a *baseMockAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: testChannelType, DisplayName: "Test"}
}

type senderMockAdapter struct {
	baseMockAdapter
}

func (a *senderMockAdapter) Send(ctx context.Context, integration channel.Integration, msg channel.OutboundMessage) error {
	return nil
}

func (a *senderMockAdapter) Format(text string) string { return "<" + text + ">" }

func TestRegistryRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	if err := reg.Register(&baseMockAdapter{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(&baseMockAdapter{}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if err := reg.Register(nil); err == nil {
		t.Fatalf("expected nil adapter error")
	}
}

func TestRegistryCapabilities_Unsupported(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&baseMockAdapter{})
	if sender, ok := reg.GetSender(testChannelType); ok || sender != nil {
		t.Fatalf("GetSender(test) = (%v, %v), want (nil, false)", sender, ok)
	}
	if decoder, ok := reg.GetDecoder(testChannelType); ok || decoder != nil {
		t.Fatalf("GetDecoder(test) = (%v, %v), want (nil, false)", decoder, ok)
	}
	if receiver, ok := reg.GetReceiver(testChannelType); ok || receiver != nil {
		t.Fatalf("GetReceiver(test) = (%v, %v), want (nil, false)", receiver, ok)
	}
	if formatter, ok := reg.GetFormatter(testChannelType); ok || formatter != nil {
		t.Fatalf("GetFormatter(test) = (%v, %v), want (nil, false)", formatter, ok)
	}
}

func TestRegistryCapabilities_Supported(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&senderMockAdapter{})
	if sender, ok := reg.GetSender(testChannelType); !ok || sender == nil {
		t.Fatalf("GetSender should return sender for supported adapter")
	}
	formatter, ok := reg.GetFormatter(testChannelType)
	if !ok {
		t.Fatalf("GetFormatter should return formatter for supported adapter")
	}
	if got := formatter.Format("hi"); got != "<hi>" {
		t.Fatalf("Format = %q, want <hi>", got)
	}
}

func TestRegistryTypesAreNormalized(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&baseMockAdapter{})
	if _, ok := reg.Get(" TEST "); !ok {
		t.Fatalf("expected lookup to normalize the channel type")
	}
	if types := reg.Types(); len(types) != 1 || types[0] != testChannelType {
		t.Fatalf("Types = %v", types)
	}
}

func TestReadString(t *testing.T) {
	t.Parallel()

	raw := map[string]any{
		"phone_number_id": 123,
		"name":            "  shop ",
	}
	if got := channel.ReadString(raw, "phone_number_id"); got != "123" {
		t.Fatalf("unexpected value: %s", got)
	}
	if got := channel.ReadString(raw, "name"); got != "shop" {
		t.Fatalf("unexpected value: %s", got)
	}
	if got := channel.ReadString(nil, "name"); got != "" {
		t.Fatalf("unexpected value: %s", got)
	}
}

func TestInboundMessageTarget(t *testing.T) {
	t.Parallel()

	msg := channel.InboundMessage{SenderID: "42"}
	if msg.Target() != "42" {
		t.Fatalf("unexpected target: %s", msg.Target())
	}
	msg.ReplyTarget = "-1001"
	if msg.Target() != "-1001" {
		t.Fatalf("unexpected target: %s", msg.Target())
	}
}
