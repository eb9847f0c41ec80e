package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/channel/adapters/meta"
)

const batch = `{"object":"page","entry":[{"id":"page-1","time":1700000000000,"messaging":[
	{"sender":{"id":"user-1"},"recipient":{"id":"page-1"},"timestamp":1700000000000,"message":{"mid":"m-1","text":"hello"}},
	{"sender":{"id":"page-1"},"recipient":{"id":"user-1"},"timestamp":1700000000001,"message":{"mid":"m-2","text":"echo","is_echo":true}},
	{"sender":{"id":"user-2"},"recipient":{"id":"page-1"},"timestamp":1700000000002,"message":{"mid":"m-3","attachments":[{"type":"image","payload":{"url":"https://x"}}]}},
	{"sender":{"id":"user-3"},"recipient":{"id":"page-1"},"timestamp":1700000000003,"read":{"watermark":1}},
	{"sender":{"id":"user-4"},"recipient":{"id":"page-1"},"timestamp":1700000000004,"postback":{"title":"Pricing","payload":"PRICING"}},
	{"sender":{"id":"user-5"},"recipient":{"id":"page-1"},"timestamp":1700000000005,"message":{"mid":"m-5","attachments":[{"type":"fallback"}]}}
]}]}`

func TestDecodeBatch(t *testing.T) {
	t.Parallel()

	msgs, err := NewMessengerAdapter(nil, nil).Decode([]byte(batch))
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	assert.Equal(t, "user-1", msgs[0].SenderID)
	assert.Equal(t, "page-1", msgs[0].RoutingKey)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, "m-1", msgs[0].MessageID)
	assert.Equal(t, channel.TypeMessenger, msgs[0].Channel)

	assert.Equal(t, "[Image received]", msgs[1].Text)
	assert.Equal(t, "Pricing", msgs[2].Text)
	assert.Equal(t, "[Attachment received: fallback]", msgs[3].Text)
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	_, err := NewInstagramAdapter(nil, nil).Decode([]byte(`[`))
	assert.Error(t, err)

	msgs, err := NewInstagramAdapter(nil, nil).Decode([]byte(`{"object":"instagram"}`))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDecodeSkipsMalformedEntries(t *testing.T) {
	t.Parallel()

	body := `{"object":"page","entry":[
		{"id":"page-1","messaging":"garbage"},
		42,
		{"id":"page-2","messaging":[
			{"sender":{"id":"user-9"},"recipient":{"id":"page-2"},"timestamp":"yesterday","message":{"mid":"m-bad","text":"lost"}},
			{"sender":{"id":"user-1"},"recipient":{"id":"page-2"},"timestamp":1700000000000,"message":{"mid":"m-ok","text":"hello"}}
		]}
	]}`
	msgs, err := NewMessengerAdapter(nil, nil).Decode([]byte(body))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-ok", msgs[0].MessageID)
	assert.Equal(t, "page-2", msgs[0].RoutingKey)
}

func TestSendPostsToMeMessages(t *testing.T) {
	t.Parallel()

	var (
		gotPath  string
		gotToken string
		gotBody  map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("access_token")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"recipient_id":"user-1","message_id":"m-9"}`))
	}))
	defer srv.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	adapter := NewInstagramAdapter(log, meta.NewGraphClient(srv.Client(), srv.URL, "v18.0"))
	integration := channel.Integration{ID: "int-1", Platform: channel.TypeInstagram, AccessToken: "PAGE_TOKEN"}

	err := adapter.Send(context.Background(), integration, channel.OutboundMessage{Target: "user-1", Text: "Open 9-5"})
	require.NoError(t, err)
	assert.Equal(t, "/v18.0/me/messages", gotPath)
	assert.Equal(t, "PAGE_TOKEN", gotToken)
	assert.Equal(t, map[string]any{"id": "user-1"}, gotBody["recipient"])
	assert.Equal(t, map[string]any{"text": "Open 9-5"}, gotBody["message"])
}

func TestSendReportsGraphError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid OAuth access token.","type":"OAuthException","code":190}}`))
	}))
	defer srv.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	adapter := NewMessengerAdapter(log, meta.NewGraphClient(srv.Client(), srv.URL, ""))
	integration := channel.Integration{ID: "int-1", AccessToken: "bad"}

	err := adapter.Send(context.Background(), integration, channel.OutboundMessage{Target: "user-1", Text: "hi"})
	var apiErr *meta.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 190, apiErr.Code)

	err = adapter.Send(context.Background(), channel.Integration{ID: "int-2"}, channel.OutboundMessage{Target: "user-1", Text: "hi"})
	assert.Error(t, err)
}

func TestFormatStripsMarkdown(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Open 9-5", NewMessengerAdapter(nil, nil).Format("**Open** 9-5"))
}
