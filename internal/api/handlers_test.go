package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rentease/converse/internal/auth"
	"github.com/rentease/converse/internal/database"
	"github.com/rentease/converse/internal/delivery"
	"github.com/rentease/converse/internal/events"
	"github.com/rentease/converse/internal/models"
	"github.com/rentease/converse/internal/registry"
)

type stubPresence map[string]bool

func (s stubPresence) UserOnline(ctx context.Context, userID string) bool {
	return s[userID]
}

// recordingConn collects frame types queued for a live connection
type recordingConn struct {
	types []events.Type
}

func (r *recordingConn) Send(payload []byte) error {
	var frame events.Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return err
	}
	r.types = append(r.types, frame.Type)
	return nil
}

type testAPI struct {
	router *gin.Engine
	store  database.ConversationStore
	reg    *registry.Registry
	coord  *delivery.Coordinator
	tokens *auth.TokenService
}

func setupTestAPI(t *testing.T, store database.ConversationStore) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New()
	coord := delivery.NewCoordinator(store, reg)
	t.Cleanup(coord.Wait)
	tokens := auth.NewTokenService(testSecret, time.Hour)

	router := gin.New()
	authorized := router.Group("/api")
	authorized.Use(AuthMiddleware(tokens))
	RegisterRoutes(authorized,
		NewConversationHandler(store, coord),
		NewUserHandler(stubPresence{"bob": true}),
	)

	return &testAPI{router: router, store: store, reg: reg, coord: coord, tokens: tokens}
}

func (a *testAPI) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		token, _, err := a.tokens.Generate(models.Principal{UserID: userID, DisplayName: "User " + userID})
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), into))
}

func (a *testAPI) conversation(t *testing.T, userID, participantID string) *models.Conversation {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/conversations", userID, models.ConversationRequest{ParticipantID: participantID, ListingID: "listing-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var conv models.Conversation
	decode(t, w, &conv)
	return &conv
}

func TestCreateConversation(t *testing.T) {
	api := setupTestAPI(t, database.NewMemoryDB())

	first := api.conversation(t, "alice", "bob")
	assert.ElementsMatch(t, []string{"alice", "bob"}, first.Participants)
	assert.True(t, first.IsActive)

	again := api.conversation(t, "bob", "alice")
	assert.Equal(t, first.ID, again.ID)

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
	}{
		{name: "self conversation", body: models.ConversationRequest{ParticipantID: "alice"}, wantStatus: http.StatusBadRequest},
		{name: "missing participant", body: map[string]string{"listing_id": "x"}, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(t, http.MethodPost, "/api/conversations", "alice", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestRequiresAuthentication(t *testing.T) {
	api := setupTestAPI(t, database.NewMemoryDB())
	w := api.do(t, http.MethodGet, "/api/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSendAndListMessages(t *testing.T) {
	api := setupTestAPI(t, database.NewMemoryDB())
	conv := api.conversation(t, "alice", "bob")

	bobFocused := &recordingConn{}
	api.reg.Register("b1", "bob", bobFocused)
	api.reg.Focus("b1", conv.ID)
	bobIdle := &recordingConn{}
	api.reg.Register("b2", "bob", bobIdle)

	w := api.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", "alice", models.MessageRequest{Content: "  Is it still available?  "})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sent models.Message
	decode(t, w, &sent)
	assert.Equal(t, "Is it still available?", sent.Content)
	assert.Equal(t, "bob", sent.ReceiverID)
	assert.Equal(t, models.MessageTypeText, sent.MessageType)

	assert.Equal(t, []events.Type{events.TypeNewMessage}, bobFocused.types)
	assert.Equal(t, []events.Type{events.TypeMessageNotification}, bobIdle.types)

	w = api.do(t, http.MethodGet, "/api/conversations", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.ConversationSummary
	decode(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1), list[0].UnreadCount)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, sent.ID, list[0].LastMessage.ID)

	w = api.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []models.Message
	decode(t, w, &history)
	require.Len(t, history, 1)
	assert.Equal(t, sent.ID, history[0].ID)

	w = api.do(t, http.MethodGet, "/api/conversations", "bob", nil)
	decode(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, int64(0), list[0].UnreadCount)
}

func TestMessageEndpointErrors(t *testing.T) {
	api := setupTestAPI(t, database.NewMemoryDB())
	conv := api.conversation(t, "alice", "bob")
	unknown := "4f9f2b0e-3c55-4d1e-9d4a-1a7a4c1d0f00"

	tests := []struct {
		name       string
		method     string
		path       string
		user       string
		body       interface{}
		wantStatus int
	}{
		{name: "blank content", method: http.MethodPost, path: "/api/conversations/" + conv.ID + "/messages", user: "alice", body: models.MessageRequest{Content: "   "}, wantStatus: http.StatusBadRequest},
		{name: "unknown type", method: http.MethodPost, path: "/api/conversations/" + conv.ID + "/messages", user: "alice", body: models.MessageRequest{Content: "hi", MessageType: "video"}, wantStatus: http.StatusBadRequest},
		{name: "outsider sends", method: http.MethodPost, path: "/api/conversations/" + conv.ID + "/messages", user: "carol", body: models.MessageRequest{Content: "hi"}, wantStatus: http.StatusForbidden},
		{name: "unknown conversation", method: http.MethodPost, path: "/api/conversations/" + unknown + "/messages", user: "alice", body: models.MessageRequest{Content: "hi"}, wantStatus: http.StatusNotFound},
		{name: "outsider history", method: http.MethodGet, path: "/api/conversations/" + conv.ID + "/messages", user: "carol", wantStatus: http.StatusForbidden},
		{name: "malformed id", method: http.MethodGet, path: "/api/conversations/not-an-id/messages", user: "alice", wantStatus: http.StatusBadRequest},
		{name: "outsider read", method: http.MethodPut, path: "/api/conversations/" + conv.ID + "/read", user: "carol", wantStatus: http.StatusForbidden},
		{name: "unknown message", method: http.MethodPut, path: "/api/messages/" + unknown + "/read", user: "bob", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(t, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestMarkRead(t *testing.T) {
	api := setupTestAPI(t, database.NewMemoryDB())
	conv := api.conversation(t, "alice", "bob")

	var ids []string
	for _, text := range []string{"one", "two"} {
		w := api.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", "alice", models.MessageRequest{Content: text})
		require.Equal(t, http.StatusCreated, w.Code)
		var m models.Message
		decode(t, w, &m)
		ids = append(ids, m.ID)
	}

	w := api.do(t, http.MethodPut, "/api/messages/"+ids[0]+"/read", "alice", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(t, http.MethodPut, "/api/messages/"+ids[0]+"/read", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var acked models.Message
	decode(t, w, &acked)
	assert.True(t, acked.IsRead)

	alice := &recordingConn{}
	api.reg.Register("a1", "alice", alice)
	api.reg.Focus("a1", conv.ID)

	w = api.do(t, http.MethodPut, "/api/conversations/"+conv.ID+"/read", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Count int64 `json:"count"`
	}
	decode(t, w, &body)
	assert.Equal(t, int64(1), body.Count)
	assert.Equal(t, []events.Type{events.TypeMessagesMarkedRead}, alice.types)
}

func TestDeleteConversation(t *testing.T) {
	api := setupTestAPI(t, database.NewMemoryDB())
	conv := api.conversation(t, "alice", "bob")

	w := api.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, "carol", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodGet, "/api/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	fresh := api.conversation(t, "alice", "bob")
	assert.NotEqual(t, conv.ID, fresh.ID)
	assert.True(t, fresh.IsActive)
}

func TestUserEndpoints(t *testing.T) {
	api := setupTestAPI(t, database.NewMemoryDB())

	w := api.do(t, http.MethodGet, "/api/auth/me", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me models.Principal
	decode(t, w, &me)
	assert.Equal(t, models.Principal{UserID: "alice", DisplayName: "User alice"}, me)

	for user, want := range map[string]bool{"bob": true, "carol": false} {
		w = api.do(t, http.MethodGet, "/api/users/"+user+"/online", "alice", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			UserID string `json:"user_id"`
			Online bool   `json:"online"`
		}
		decode(t, w, &body)
		assert.Equal(t, user, body.UserID)
		assert.Equal(t, want, body.Online)
	}
}

// brokenStore fails the calls a test sets expectations for
type brokenStore struct {
	database.ConversationStore
	mock.Mock
}

func (s *brokenStore) ListConversationsForUser(ctx context.Context, userID string) ([]*models.ConversationSummary, error) {
	args := s.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.ConversationSummary), args.Error(1)
}

func TestStoreFailureIsHidden(t *testing.T) {
	store := &brokenStore{}
	store.On("ListConversationsForUser", "alice").Return(nil, errors.New("connection refused"))
	api := setupTestAPI(t, store)

	w := api.do(t, http.MethodGet, "/api/conversations", "alice", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
	store.AssertExpectations(t)
}
