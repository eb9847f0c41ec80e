package whatsappbusiness

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/channel/adapters/meta"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func webhookBody(messages string) []byte {
	return []byte(`{"object":"whatsapp_business_account","entry":[{"id":"waba-1","changes":[{"field":"messages","value":{
		"messaging_product":"whatsapp",
		"metadata":{"display_phone_number":"15550000000","phone_number_id":"PN1"},
		"contacts":[{"wa_id":"628123","profile":{"name":"Budi"}}],
		"messages":[` + messages + `]}}]}]}`)
}

func TestDecodeText(t *testing.T) {
	t.Parallel()

	a := NewAdapter(discardLogger(), nil)
	msgs, err := a.Decode(webhookBody(`{"from":"628123","id":"wamid.1","timestamp":"1700000000","type":"text","text":{"body":"What are your hours?"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.SenderID != "628123" || msg.SenderName != "Budi" || msg.MessageID != "wamid.1" {
		t.Fatalf("unexpected sender fields: %+v", msg)
	}
	if msg.RoutingKey != "PN1" || msg.Text != "What are your hours?" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.ReceivedAt.Unix() != 1700000000 {
		t.Fatalf("unexpected timestamp: %v", msg.ReceivedAt)
	}
}

func TestDecodePlaceholders(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		message string
		want    string
	}{
		{"image", `{"from":"1","id":"a","type":"image","image":{"id":"m"}}`, "[Image received]"},
		{"image caption", `{"from":"1","id":"a","type":"image","image":{"id":"m","caption":"menu"}}`, "[Image received] Caption: menu"},
		{"document", `{"from":"1","id":"a","type":"document","document":{"filename":"price.pdf"}}`, "[Document received: price.pdf]"},
		{"document unnamed", `{"from":"1","id":"a","type":"document","document":{}}`, "[Document received: Unknown]"},
		{"audio", `{"from":"1","id":"a","type":"audio","audio":{"id":"m"}}`, "[Audio message received]"},
		{"video", `{"from":"1","id":"a","type":"video","video":{"caption":"clip"}}`, "[Video received] Caption: clip"},
		{"location", `{"from":"1","id":"a","type":"location","location":{"latitude":-6.2,"longitude":106.816666}}`, "[Location: -6.2, 106.816666]"},
		{"button reply", `{"from":"1","id":"a","type":"interactive","interactive":{"type":"button_reply","button_reply":{"id":"b1","title":"Yes"}}}`, "Yes"},
		{"list reply", `{"from":"1","id":"a","type":"interactive","interactive":{"type":"list_reply","list_reply":{"id":"l1","title":"Jakarta"}}}`, "Jakarta"},
		{"interactive empty", `{"from":"1","id":"a","type":"interactive","interactive":{"type":"nfm_reply"}}`, "[Interactive message]"},
		{"unsupported", `{"from":"1","id":"a","type":"reaction"}`, "[Unsupported message type: reaction]"},
	}
	a := NewAdapter(discardLogger(), nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			msgs, err := a.Decode(webhookBody(tc.message))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(msgs) != 1 || msgs[0].Text != tc.want {
				t.Fatalf("expected %q, got %+v", tc.want, msgs)
			}
		})
	}
}

func TestDecodeSkipsStatusesAndOtherFields(t *testing.T) {
	t.Parallel()

	body := []byte(`{"entry":[{"changes":[
		{"field":"messages","value":{"metadata":{"phone_number_id":"PN1"},"statuses":[{"id":"wamid.9","status":"delivered"}]}},
		{"field":"account_update","value":{"metadata":{"phone_number_id":"PN1"},"messages":[{"from":"1","id":"x","type":"text","text":{"body":"hi"}}]}},
		{"field":"messages","value":{"metadata":{"phone_number_id":""},"messages":[{"from":"1","id":"y","type":"text","text":{"body":"hi"}}]}}
	]}]}`)
	msgs, err := NewAdapter(discardLogger(), nil).Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %+v", msgs)
	}
	if _, err := NewAdapter(discardLogger(), nil).Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed body")
	}
}

func TestDecodeSkipsMalformedParts(t *testing.T) {
	t.Parallel()

	body := []byte(`{"object":"whatsapp_business_account","entry":[
		"garbage",
		{"id":"waba-1","changes":"garbage"},
		{"id":"waba-1","changes":[
			{"field":"messages","value":"garbage"},
			{"field":"messages","value":{"metadata":{"phone_number_id":"PN1"},"messages":[
				{"from":"628123","id":"wamid.bad","type":"location","location":{"latitude":"bad"}},
				{"from":"628123","id":"wamid.ok","type":"text","text":{"body":"still here"}}
			]}}
		]}
	]}`)
	msgs, err := NewAdapter(discardLogger(), nil).Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != "wamid.ok" || msgs[0].Text != "still here" {
		t.Fatalf("expected only the valid message, got %+v", msgs)
	}
}

type graphRecorder struct {
	mu       sync.Mutex
	paths    []string
	auth     []string
	payloads []map[string]any
}

func (r *graphRecorder) handler(w http.ResponseWriter, req *http.Request) {
	var payload map[string]any
	_ = json.NewDecoder(req.Body).Decode(&payload)
	r.mu.Lock()
	r.paths = append(r.paths, req.URL.Path)
	r.auth = append(r.auth, req.Header.Get("Authorization"))
	r.payloads = append(r.payloads, payload)
	r.mu.Unlock()
	_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.out"}]}`))
}

func TestSendAndAcknowledge(t *testing.T) {
	t.Parallel()

	rec := &graphRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	a := NewAdapter(discardLogger(), meta.NewGraphClient(srv.Client(), srv.URL, "v18.0"))
	integration := channel.Integration{ID: "int-1", Platform: Type, RoutingKey: "PN1", AccessToken: "tok"}

	if err := a.Send(context.Background(), integration, channel.OutboundMessage{Target: "628123", Text: "Open 9-5"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Acknowledge(context.Background(), integration, channel.InboundMessage{MessageID: "wamid.1"}); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.paths) != 2 {
		t.Fatalf("expected 2 graph calls, got %d", len(rec.paths))
	}
	for i, path := range rec.paths {
		if path != "/v18.0/PN1/messages" {
			t.Fatalf("call %d: unexpected path %s", i, path)
		}
		if rec.auth[i] != "Bearer tok" {
			t.Fatalf("call %d: unexpected auth %q", i, rec.auth[i])
		}
	}
	send := rec.payloads[0]
	if send["messaging_product"] != "whatsapp" || send["to"] != "628123" || send["type"] != "text" {
		t.Fatalf("unexpected send payload: %v", send)
	}
	if text, _ := send["text"].(map[string]any); text["body"] != "Open 9-5" {
		t.Fatalf("unexpected text payload: %v", send["text"])
	}
	read := rec.payloads[1]
	if read["status"] != "read" || read["message_id"] != "wamid.1" {
		t.Fatalf("unexpected read payload: %v", read)
	}
}

func TestSendRequiresCredentials(t *testing.T) {
	t.Parallel()

	a := NewAdapter(discardLogger(), nil)
	err := a.Send(context.Background(), channel.Integration{ID: "x", RoutingKey: "PN1"}, channel.OutboundMessage{Target: "1", Text: "hi"})
	if err == nil || !strings.Contains(err.Error(), "access token") {
		t.Fatalf("expected missing token error, got %v", err)
	}
	if err := a.Send(context.Background(), channel.Integration{ID: "x"}, channel.OutboundMessage{Target: "", Text: "hi"}); err == nil {
		t.Fatal("expected missing recipient error")
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	if got := NewAdapter(nil, nil).Format("**Open** 9-5"); got != "*Open* 9-5" {
		t.Fatalf("unexpected format: %q", got)
	}
}
