package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mahaj/village-chat/pkg/auth"
	"github.com/mahaj/village-chat/pkg/chat"
	"github.com/mahaj/village-chat/pkg/gateway"
	"github.com/mahaj/village-chat/pkg/model"
	"github.com/mahaj/village-chat/pkg/realtime"
	"github.com/mahaj/village-chat/pkg/store"
	"github.com/mahaj/village-chat/pkg/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	router *gin.Engine
	store  store.Store
	authn  *auth.Authenticator
	gw     *gateway.Gateway
}

const testServiceToken = "hook-token"

func newTestAPI(t *testing.T) *testAPI {
	return newTestAPIWithServiceToken(t, testServiceToken)
}

func newTestAPIWithServiceToken(t *testing.T, serviceToken string) *testAPI {
	gin.SetMode(gin.TestMode)

	st := storetest.NewSQLite(t)
	storetest.SeedUsers(t, st, "alice", "bob", "dave")

	reg := realtime.NewRegistry()
	svc := chat.NewService(st, reg, nil, nil, chat.Options{MaxContentLength: 100})
	authn := auth.NewAuthenticator("api-secret", st)
	gw := gateway.New(gateway.Deps{Registry: reg, Channels: st, Chat: svc, Auth: authn}, gateway.Options{
		AllowedOrigins: []string{"http://localhost:5173"},
	})
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	return &testAPI{
		router: NewServer(svc, st, gw, authn, serviceToken).Router(),
		store:  st,
		authn:  authn,
		gw:     gw,
	}
}

func (a *testAPI) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := a.authn.GenerateToken(user, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

// hook calls a context hook with the service token in X-Service-Token.
func (a *testAPI) hook(t *testing.T, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Service-Token", token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequiresToken(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/api/channels", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decode[apiError](t, w).Error.Code)
}

func TestCORS(t *testing.T) {
	a := newTestAPI(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/channels", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/channels", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestDirectChannelFlow(t *testing.T) {
	a := newTestAPI(t)

	type directResponse struct {
		Channel  model.Channel `json:"channel"`
		Existing bool          `json:"existing"`
	}

	w := a.do(t, http.MethodPost, "/api/channels/dm", "alice", gin.H{"targetUserId": "bob"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[directResponse](t, w)
	assert.False(t, first.Existing)
	assert.Equal(t, model.ChannelDirect, first.Channel.Kind)

	w = a.do(t, http.MethodPost, "/api/channels/dm", "bob", gin.H{"targetUserId": "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[directResponse](t, w)
	assert.True(t, second.Existing)
	assert.Equal(t, first.Channel.ID, second.Channel.ID)

	w = a.do(t, http.MethodPost, "/api/channels/dm", "alice", gin.H{"targetUserId": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = a.do(t, http.MethodPost, "/api/channels/dm", "alice", gin.H{"targetUserId": "nobody"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "User not found", decode[apiError](t, w).Error.Message)
}

func TestPostHistoryAndUnread(t *testing.T) {
	a := newTestAPI(t)
	c := storetest.Group(t, a.store, "C", "alice", "bob")
	path := "/api/channels/" + c.ID + "/messages"

	w := a.do(t, http.MethodPost, path, "alice", gin.H{"content": "hi bob"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = a.do(t, http.MethodPost, path, "alice", gin.H{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	type channelsResponse struct {
		Channels []model.ChannelSummary `json:"channels"`
	}
	w = a.do(t, http.MethodGet, "/api/channels", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	channels := decode[channelsResponse](t, w).Channels
	require.Len(t, channels, 1)
	assert.EqualValues(t, 1, channels[0].UnreadCount)
	require.NotNil(t, channels[0].LastMessage)
	assert.Equal(t, "hi bob", *channels[0].LastMessage.Content)

	type historyResponse struct {
		Messages []model.Message `json:"messages"`
	}
	w = a.do(t, http.MethodGet, path+"?limit=10", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	messages := decode[historyResponse](t, w).Messages
	require.Len(t, messages, 1)
	assert.Equal(t, "alice", messages[0].AuthorID)

	unread, err := a.store.UnreadCount(context.Background(), c.ID, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 0, unread, "reading history marks the channel read")

	w = a.do(t, http.MethodGet, path+"?before=yesterday", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNonMemberSeesNotFound(t *testing.T) {
	a := newTestAPI(t)
	c := storetest.Group(t, a.store, "C", "alice", "bob")

	for _, tt := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/channels/" + c.ID + "/messages"},
		{http.MethodPost, "/api/channels/" + c.ID + "/messages"},
		{http.MethodPost, "/api/channels/" + c.ID + "/read"},
		{http.MethodGet, "/api/channels/" + c.ID + "/online"},
	} {
		w := a.do(t, tt.method, tt.path, "dave", gin.H{"content": "let me in"})
		require.Equal(t, http.StatusNotFound, w.Code, tt.path)
		assert.Equal(t, "Channel not found or access denied", decode[apiError](t, w).Error.Message)
	}

	history, err := a.store.History(context.Background(), c.ID, "alice", store.HistoryQuery{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDeleteMessage(t *testing.T) {
	a := newTestAPI(t)
	c := storetest.Group(t, a.store, "C", "alice", "bob")
	msg, err := a.store.AppendMessage(context.Background(), model.NewMessage{ChannelID: c.ID, AuthorID: "alice", Content: "oops", Kind: model.KindText})
	require.NoError(t, err)
	path := "/api/messages/" + strconv.FormatInt(msg.ID, 10)

	w := a.do(t, http.MethodDelete, path, "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, http.MethodDelete, path, "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodDelete, path, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = a.do(t, http.MethodDelete, "/api/messages/abc", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestContextChannelHooks(t *testing.T) {
	a := newTestAPI(t)

	w := a.hook(t, "/api/contexts/quest-7/channel", testServiceToken, gin.H{"name": "Quest 7", "members": []string{"alice", "bob"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = a.hook(t, "/api/contexts/quest-7/channel", testServiceToken, gin.H{"name": "Again", "members": []string{"alice"}})
	assert.Equal(t, http.StatusConflict, w.Code)

	for i := 0; i < 2; i++ {
		w = a.hook(t, "/api/contexts/quest-7/members", testServiceToken, gin.H{"userId": "dave"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	ids, err := a.store.MemberChannelIDs(context.Background(), "dave")
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	w = a.hook(t, "/api/contexts/missing/members", testServiceToken, gin.H{"userId": "dave"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.hook(t, "/api/contexts/quest-7/members", testServiceToken, gin.H{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "userId is required", decode[apiError](t, w).Error.Message)
}

func TestContextHooksRefuseUserTokens(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	w := a.hook(t, "/api/contexts/quest-7/channel", testServiceToken, gin.H{"name": "Quest 7", "members": []string{"alice", "bob"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// dave holds a valid user token but is not a service.
	w = a.do(t, http.MethodPost, "/api/contexts/quest-7/members", "dave", gin.H{"userId": "dave"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decode[apiError](t, w).Error.Code)

	w = a.do(t, http.MethodPost, "/api/contexts/quest-8/channel", "dave", gin.H{"name": "Mine", "members": []string{"dave", "alice"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.hook(t, "/api/contexts/quest-7/members", "not-the-token", gin.H{"userId": "dave"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	ids, err := a.store.MemberChannelIDs(ctx, "dave")
	require.NoError(t, err)
	assert.Empty(t, ids)

	// The service token is also accepted as a bearer token.
	req := httptest.NewRequest(http.MethodPost, "/api/contexts/quest-7/members", bytes.NewBufferString(`{"userId":"dave"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testServiceToken)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestContextHooksDisabledWithoutServiceToken(t *testing.T) {
	a := newTestAPIWithServiceToken(t, "")

	w := a.hook(t, "/api/contexts/quest-7/channel", "", gin.H{"name": "Quest 7", "members": []string{"alice"}})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decode[apiError](t, w).Error.Code)

	w = a.do(t, http.MethodPost, "/api/contexts/quest-7/members", "alice", gin.H{"userId": "alice"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestJoinContextChunkedBody(t *testing.T) {
	a := newTestAPI(t)
	w := a.hook(t, "/api/contexts/quest-7/channel", testServiceToken, gin.H{"name": "Quest 7", "members": []string{"alice"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	send := func(body string, length int64) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/contexts/quest-7/members", bytes.NewBufferString(body))
		req.ContentLength = length
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Service-Token", testServiceToken)
		rec := httptest.NewRecorder()
		a.router.ServeHTTP(rec, req)
		return rec
	}

	// An empty body reads the same with or without a length.
	sized := send("", 0)
	chunked := send("", -1)
	require.Equal(t, http.StatusBadRequest, sized.Code)
	require.Equal(t, http.StatusBadRequest, chunked.Code)
	assert.Equal(t, decode[apiError](t, sized).Error.Message, decode[apiError](t, chunked).Error.Message)
	assert.Equal(t, "userId is required", decode[apiError](t, chunked).Error.Message)

	w = send(`{"userId":"bob"}`, -1)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	member, err := a.store.IsMember(context.Background(), decode[struct {
		Channel model.Channel `json:"channel"`
	}](t, w).Channel.ID, "bob")
	require.NoError(t, err)
	assert.True(t, member)

	w = send(`{"userId":`, -1)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid request body", decode[apiError](t, w).Error.Message)
}

func TestOnlineUsers(t *testing.T) {
	a := newTestAPI(t)
	c := storetest.Group(t, a.store, "C", "alice", "bob")

	w := a.do(t, http.MethodGet, "/api/channels/"+c.ID+"/online", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Users []string `json:"users"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body.Users)
}
