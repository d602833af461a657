package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-threads/internal/config"
	"github.com/npezzotti/go-threads/internal/database"
	"github.com/npezzotti/go-threads/internal/server"
	"github.com/npezzotti/go-threads/internal/stats"
	"github.com/npezzotti/go-threads/internal/testutil"
	"github.com/npezzotti/go-threads/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testOrigin = "http://localhost:3000"

func newTestApp(t *testing.T, db *database.MockThreadsRepository) (*GoThreadsApp, *server.ChatServer) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	logger := testutil.TestLogger(t)
	cs, err := server.NewChatServer(logger, db, su)
	require.NoError(t, err, "failed to create chat server")

	app := NewGoThreadsApp(http.NewServeMux(), logger, cs, db, su, &config.Config{
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{testOrigin},
	})
	return app, cs
}

// doRequest sends an authenticated request through the full handler chain.
func doRequest(t *testing.T, app *GoThreadsApp, method, target string, body any, userId string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Authorization", "Bearer "+userToken(t, userId))
	rr := httptest.NewRecorder()
	app.mux.Handler.ServeHTTP(rr, req)
	return rr
}

func decodeApiError(t *testing.T, rr *httptest.ResponseRecorder) ApiError {
	var apiErr ApiError
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr), "expected a JSON error body")
	return apiErr
}

func testConversation() database.Conversation {
	return database.Conversation{
		Id:           "conv1",
		Participants: []string{"alice", "bob"},
		LastText:     "hi",
		LastSender:   "alice",
	}
}

func Test_healthCheck(t *testing.T) {
	tcases := []struct {
		name    string
		mockErr error
	}{
		{
			name:    "successful health check",
			mockErr: nil,
		},
		{
			name:    "failed health check",
			mockErr: errors.New("db error"),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockThreadsRepository{}
			defer mockRepo.AssertExpectations(t)
			mockRepo.On("Ping").Return(tc.mockErr).Once()

			app := NewGoThreadsApp(http.NewServeMux(), testutil.TestLogger(t), nil, mockRepo, nil, &config.Config{})
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			app.healthCheck(rr, req)

			if tc.mockErr != nil {
				assert.Equal(t, http.StatusInternalServerError, rr.Code, "expected status code to be 500")
			} else {
				assert.Equal(t, http.StatusOK, rr.Code, "expected status code to be 200")
				assert.Equal(t, "OK", rr.Body.String(), "expected response body to be 'OK'")
			}
		})
	}
}

func TestSendMessage(t *testing.T) {
	isHello := mock.MatchedBy(func(m database.Message) bool {
		return m.Id != "" && m.ConversationId == "conv1" && m.SenderId == "alice" &&
			m.Text == "hi" && !m.CreatedAt.IsZero()
	})

	t.Run("creates the conversation on first message", func(t *testing.T) {
		db := &database.MockThreadsRepository{}
		defer db.AssertExpectations(t)
		db.On("GetConversationByParticipants", "alice", "bob").Return(database.Conversation{}, sql.ErrNoRows).Once()
		db.On("CreateConversation", mock.MatchedBy(func(p database.CreateConversationParams) bool {
			return p.Id != "" && p.Participants == [2]string{"alice", "bob"}
		})).Return(database.Conversation{Id: "conv1", Participants: []string{"alice", "bob"}}, nil).Once()
		db.On("CreateMessage", isHello).Return(testConversation(), nil).Once()
		db.On("IncrementUnread", "conv1", "bob").Return(1, nil).Once()

		app, _ := newTestApp(t, db)
		rr := doRequest(t, app, http.MethodPost, "/api/messages", SendMessageRequest{RecipientId: "bob", Text: "hi"}, "alice")

		assert.Equal(t, http.StatusCreated, rr.Code)
		var msg types.Message
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&msg))
		assert.Equal(t, "alice", msg.Sender)
		assert.Equal(t, "conv1", msg.ConversationId)
		assert.Equal(t, "hi", msg.Text)
		assert.False(t, msg.Seen)
	})

	t.Run("reuses the existing conversation", func(t *testing.T) {
		db := &database.MockThreadsRepository{}
		defer db.AssertExpectations(t)
		db.On("GetConversationByParticipants", "alice", "bob").Return(testConversation(), nil).Once()
		db.On("CreateMessage", isHello).Return(testConversation(), nil).Once()
		db.On("IncrementUnread", "conv1", "bob").Return(2, nil).Once()

		app, _ := newTestApp(t, db)
		rr := doRequest(t, app, http.MethodPost, "/api/messages", SendMessageRequest{RecipientId: "bob", Text: "hi"}, "alice")

		assert.Equal(t, http.StatusCreated, rr.Code)
		db.AssertNotCalled(t, "CreateConversation", mock.Anything)
	})

	t.Run("conversation created concurrently", func(t *testing.T) {
		db := &database.MockThreadsRepository{}
		defer db.AssertExpectations(t)
		db.On("GetConversationByParticipants", "alice", "bob").Return(database.Conversation{}, sql.ErrNoRows).Once()
		db.On("CreateConversation", mock.Anything).Return(database.Conversation{}, errors.New("duplicate key")).Once()
		db.On("GetConversationByParticipants", "alice", "bob").Return(testConversation(), nil).Once()
		db.On("CreateMessage", isHello).Return(testConversation(), nil).Once()
		db.On("IncrementUnread", "conv1", "bob").Return(1, nil).Once()

		app, _ := newTestApp(t, db)
		rr := doRequest(t, app, http.MethodPost, "/api/messages", SendMessageRequest{RecipientId: "bob", Text: "hi"}, "alice")

		assert.Equal(t, http.StatusCreated, rr.Code)
	})

	t.Run("notification failure does not fail the request", func(t *testing.T) {
		db := &database.MockThreadsRepository{}
		defer db.AssertExpectations(t)
		db.On("GetConversationByParticipants", "alice", "bob").Return(testConversation(), nil).Once()
		db.On("CreateMessage", isHello).Return(testConversation(), nil).Once()
		db.On("IncrementUnread", "conv1", "bob").Return(0, errors.New("boom")).Once()

		app, _ := newTestApp(t, db)
		rr := doRequest(t, app, http.MethodPost, "/api/messages", SendMessageRequest{RecipientId: "bob", Text: "hi"}, "alice")

		assert.Equal(t, http.StatusCreated, rr.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		db := &database.MockThreadsRepository{}
		defer db.AssertExpectations(t)
		db.On("GetConversationByParticipants", "alice", "bob").Return(testConversation(), nil).Once()
		db.On("CreateMessage", isHello).Return(database.Conversation{}, errors.New("boom")).Once()

		app, _ := newTestApp(t, db)
		rr := doRequest(t, app, http.MethodPost, "/api/messages", SendMessageRequest{RecipientId: "bob", Text: "hi"}, "alice")

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		db.AssertNotCalled(t, "IncrementUnread", mock.Anything, mock.Anything)
	})

	invalid := []struct {
		name string
		body any
	}{
		{"invalid json", "invalid json"},
		{"no content", SendMessageRequest{RecipientId: "bob"}},
		{"text and image", SendMessageRequest{RecipientId: "bob", Text: "hi", Img: "img/1.png"}},
		{"image and gif", SendMessageRequest{RecipientId: "bob", Img: "img/1.png", Gif: "gif/1.gif"}},
		{"missing recipient", SendMessageRequest{Text: "hi"}},
		{"undefined recipient", SendMessageRequest{RecipientId: "undefined", Text: "hi"}},
		{"message to self", SendMessageRequest{RecipientId: "alice", Text: "hi"}},
	}

	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockThreadsRepository{}
			app, _ := newTestApp(t, db)

			rr := doRequest(t, app, http.MethodPost, "/api/messages", tc.body, "alice")
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, *NewBadRequestError(), decodeApiError(t, rr))
			db.AssertNotCalled(t, "CreateMessage", mock.Anything)
		})
	}
}

func TestGetMessages(t *testing.T) {
	t.Run("returns history", func(t *testing.T) {
		db := &database.MockThreadsRepository{}
		defer db.AssertExpectations(t)
		now := time.Now().UTC().Round(time.Millisecond)
		db.On("GetConversation", "conv1").Return(testConversation(), nil).Once()
		db.On("GetMessages", "conv1", int64(1700000000000), 10).Return([]database.Message{
			{Id: "m2", ConversationId: "conv1", SenderId: "bob", Gif: "gif/1.gif", CreatedAt: now},
			{Id: "m1", ConversationId: "conv1", SenderId: "alice", Text: "hi", Seen: true, CreatedAt: now.Add(-time.Minute)},
		}, nil).Once()

		app, _ := newTestApp(t, db)
		rr := doRequest(t, app, http.MethodGet, "/api/messages?conversation_id=conv1&before=1700000000000&limit=10", nil, "alice")

		assert.Equal(t, http.StatusOK, rr.Code)
		var msgs []types.Message
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&msgs))
		require.Len(t, msgs, 2)
		assert.Equal(t, "m2", msgs[0].Id)
		assert.Equal(t, "gif/1.gif", msgs[0].Gif)
		assert.True(t, msgs[1].Seen)
	})

	t.Run("empty history is an empty list", func(t *testing.T) {
		db := &database.MockThreadsRepository{}
		defer db.AssertExpectations(t)
		db.On("GetConversation", "conv1").Return(testConversation(), nil).Once()
		db.On("GetMessages", "conv1", int64(0), 0).Return([]database.Message{}, nil).Once()

		app, _ := newTestApp(t, db)
		rr := doRequest(t, app, http.MethodGet, "/api/messages?conversation_id=conv1", nil, "bob")

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, "[]", rr.Body.String())
	})

	tcases := []struct {
		name    string
		target  string
		conv    database.Conversation
		convErr error
		code    int
	}{
		{"missing conversation id", "/api/messages", database.Conversation{}, nil, http.StatusBadRequest},
		{"unknown conversation", "/api/messages?conversation_id=conv1", database.Conversation{}, sql.ErrNoRows, http.StatusNotFound},
		{"store failure", "/api/messages?conversation_id=conv1", database.Conversation{}, errors.New("boom"), http.StatusInternalServerError},
		{"not a participant", "/api/messages?conversation_id=conv1", database.Conversation{Id: "conv1", Participants: []string{"bob", "carol"}}, nil, http.StatusForbidden},
		{"invalid before", "/api/messages?conversation_id=conv1&before=yesterday", testConversation(), nil, http.StatusBadRequest},
		{"negative limit", "/api/messages?conversation_id=conv1&limit=-1", testConversation(), nil, http.StatusBadRequest},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockThreadsRepository{}
			db.On("GetConversation", "conv1").Return(tc.conv, tc.convErr).Maybe()

			app, _ := newTestApp(t, db)
			rr := doRequest(t, app, http.MethodGet, tc.target, nil, "alice")
			assert.Equal(t, tc.code, rr.Code)
			assert.Equal(t, tc.code, decodeApiError(t, rr).StatusCode)
			db.AssertNotCalled(t, "GetMessages", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestDeleteMessage(t *testing.T) {
	msg := database.Message{Id: "m1", ConversationId: "conv1", SenderId: "alice", Text: "hi"}

	t.Run("sender deletes", func(t *testing.T) {
		db := &database.MockThreadsRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", "m1").Return(msg, nil).Once()
		db.On("DeleteMessage", "m1").Return(database.Conversation{Id: "conv1", Participants: []string{"alice", "bob"}}, nil).Once()

		app, _ := newTestApp(t, db)
		rr := doRequest(t, app, http.MethodDelete, "/api/messages?id=m1", nil, "alice")
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})

	t.Run("only the sender may delete", func(t *testing.T) {
		db := &database.MockThreadsRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", "m1").Return(msg, nil).Once()

		app, _ := newTestApp(t, db)
		rr := doRequest(t, app, http.MethodDelete, "/api/messages?id=m1", nil, "bob")
		assert.Equal(t, http.StatusForbidden, rr.Code)
		db.AssertNotCalled(t, "DeleteMessage", mock.Anything)
	})

	t.Run("unknown message", func(t *testing.T) {
		db := &database.MockThreadsRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", "m1").Return(database.Message{}, sql.ErrNoRows).Once()

		app, _ := newTestApp(t, db)
		rr := doRequest(t, app, http.MethodDelete, "/api/messages?id=m1", nil, "alice")
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("missing id", func(t *testing.T) {
		app, _ := newTestApp(t, &database.MockThreadsRepository{})
		rr := doRequest(t, app, http.MethodDelete, "/api/messages", nil, "alice")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestListConversations(t *testing.T) {
	db := &database.MockThreadsRepository{}
	defer db.AssertExpectations(t)
	conv := testConversation()
	conv.UnreadCount = 3
	db.On("ListConversations", "bob").Return([]database.Conversation{conv}, nil).Once()

	app, _ := newTestApp(t, db)
	rr := doRequest(t, app, http.MethodGet, "/api/conversations", nil, "bob")

	assert.Equal(t, http.StatusOK, rr.Code)
	var convs []types.Conversation
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&convs))
	require.Len(t, convs, 1)
	assert.Equal(t, 3, convs[0].UnreadCount)
	assert.Equal(t, "hi", convs[0].LastMessage.Text)
	assert.Equal(t, []string{"alice", "bob"}, convs[0].Participants)
}

func TestDeleteConversation(t *testing.T) {
	t.Run("participant deletes", func(t *testing.T) {
		db := &database.MockThreadsRepository{}
		defer db.AssertExpectations(t)
		db.On("GetConversation", "conv1").Return(testConversation(), nil).Once()
		db.On("DeleteConversation", "conv1").Return([]database.Message{{Id: "m1", Img: "img/1.png"}}, nil).Once()

		app, _ := newTestApp(t, db)
		rr := doRequest(t, app, http.MethodDelete, "/api/conversations?id=conv1", nil, "bob")
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})

	t.Run("outsider is forbidden", func(t *testing.T) {
		db := &database.MockThreadsRepository{}
		defer db.AssertExpectations(t)
		db.On("GetConversation", "conv1").Return(testConversation(), nil).Once()

		app, _ := newTestApp(t, db)
		rr := doRequest(t, app, http.MethodDelete, "/api/conversations?id=conv1", nil, "mallory")
		assert.Equal(t, http.StatusForbidden, rr.Code)
		db.AssertNotCalled(t, "DeleteConversation", mock.Anything)
	})

	t.Run("store failure", func(t *testing.T) {
		db := &database.MockThreadsRepository{}
		defer db.AssertExpectations(t)
		db.On("GetConversation", "conv1").Return(testConversation(), nil).Once()
		db.On("DeleteConversation", "conv1").Return([]database.Message(nil), errors.New("boom")).Once()

		app, _ := newTestApp(t, db)
		rr := doRequest(t, app, http.MethodDelete, "/api/conversations?id=conv1", nil, "bob")
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestReadConversation(t *testing.T) {
	db := &database.MockThreadsRepository{}
	defer db.AssertExpectations(t)
	db.On("GetConversation", "conv1").Return(testConversation(), nil).Once()
	db.On("ResetUnread", "conv1", "bob").Return(nil).Once()

	app, _ := newTestApp(t, db)
	rr := doRequest(t, app, http.MethodPost, "/api/conversations/read?id=conv1", nil, "bob")
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestOnlineUsers(t *testing.T) {
	app, _ := newTestApp(t, &database.MockThreadsRepository{})
	rr := doRequest(t, app, http.MethodGet, "/api/users/online", nil, "alice")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func dialWs(t *testing.T, srv *httptest.Server, userId, origin string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+userToken(t, userId))
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg), "expected an event")
	return msg
}

func TestServeWs_rejectsForeignOrigin(t *testing.T) {
	app, _ := newTestApp(t, &database.MockThreadsRepository{})
	srv := httptest.NewServer(app.mux.Handler)
	defer srv.Close()

	_, resp, err := dialWs(t, srv, "bob", "http://evil.example")
	assert.Error(t, err)
	if assert.NotNil(t, resp) {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}

func TestNewMessageFlow(t *testing.T) {
	db := &database.MockThreadsRepository{}
	defer db.AssertExpectations(t)
	db.On("GetConversationByParticipants", "alice", "bob").Return(testConversation(), nil).Once()
	db.On("CreateMessage", mock.Anything).Return(testConversation(), nil).Once()
	db.On("IncrementUnread", "conv1", "bob").Return(1, nil).Once()

	app, cs := newTestApp(t, db)
	go cs.Run()
	srv := httptest.NewServer(app.mux.Handler)
	defer srv.Close()

	conn, _, err := dialWs(t, srv, "bob", testOrigin)
	require.NoError(t, err)
	defer conn.Close()

	online := readEvent(t, conn)
	assert.Equal(t, "getOnlineUsers", online["event"])
	assert.Equal(t, []any{"bob"}, online["data"])

	rr := doRequest(t, app, http.MethodPost, "/api/messages", SendMessageRequest{RecipientId: "bob", Text: "hi"}, "alice")
	require.Equal(t, http.StatusCreated, rr.Code)

	var events []string
	for range 3 {
		events = append(events, readEvent(t, conn)["event"].(string))
	}
	assert.Equal(t, []string{"newMessage", "conversationUpdated", "updateUnreadCount"}, events,
		"expected the recipient to get events in order")
}
