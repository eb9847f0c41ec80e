package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatgate/internal/auth"
	"github.com/memohai/chatgate/internal/settings"
)

type fakeTeamSettings struct {
	view settings.View
}

func (f *fakeTeamSettings) View(context.Context, string) (settings.View, error) {
	return f.view, nil
}

func (f *fakeTeamSettings) UpdateAI(_ context.Context, _ string, req settings.UpdateAIRequest) (settings.View, error) {
	if req.Provider == "bogus" {
		return settings.View{}, fmt.Errorf("%w: provider", settings.ErrInvalidSettings)
	}
	f.view.Provider = req.Provider
	return f.view, nil
}

type fakeTester struct {
	reply string
	err   error
}

func (f fakeTester) Test(context.Context, string) (string, error) {
	return f.reply, f.err
}

func TestTeamAISettings(t *testing.T) {
	t.Parallel()

	store := &fakeTeamSettings{view: settings.View{AI: settings.AI{Provider: "openrouter"}, HasAIKey: true}}
	api := newAPI(NewTeamsHandler(discardLogger(), store, fakeTester{}).Register)
	token := bearer(t, auth.Operator{UserID: "op", TeamID: "team-1"})

	rec := serveHandler(api, http.MethodGet, "/api/teams/team-1/ai", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "api_key\":\"")

	rec = serveHandler(api, http.MethodPut, "/api/teams/team-1/ai", token, `{"ai_provider":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serveHandler(api, http.MethodGet, "/api/teams/team-2/ai", token, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTeamAITest(t *testing.T) {
	t.Parallel()

	token := bearer(t, auth.Operator{UserID: "op"})

	ok := newAPI(NewTeamsHandler(discardLogger(), &fakeTeamSettings{}, fakeTester{reply: "Hello, this is a test!"}).Register)
	rec := serveHandler(ok, http.MethodPost, "/api/teams/team-1/ai/test", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TestAIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "Hello, this is a test!", resp.Response)

	failing := newAPI(NewTeamsHandler(discardLogger(), &fakeTeamSettings{}, fakeTester{err: errors.New("401 invalid key")}).Register)
	rec = serveHandler(failing, http.MethodPost, "/api/teams/team-1/ai/test", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "401 invalid key", resp.Error)
}
