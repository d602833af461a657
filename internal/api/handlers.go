package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-threads/internal/database"
	"github.com/npezzotti/go-threads/internal/presence"
	"github.com/npezzotti/go-threads/internal/server"
	"github.com/npezzotti/go-threads/internal/types"
	"github.com/teris-io/shortid"
)

type SendMessageRequest struct {
	RecipientId string `json:"recipient_id"`
	Text        string `json:"text"`
	Img         string `json:"img"`
	Gif         string `json:"gif"`
}

// valid reports whether the request names a recipient and carries exactly
// one kind of content.
func (r SendMessageRequest) valid(senderId string) bool {
	if !presence.ValidUserId(r.RecipientId) || r.RecipientId == senderId {
		return false
	}

	n := 0
	for _, v := range []string{r.Text, r.Img, r.Gif} {
		if v != "" {
			n++
		}
	}
	return n == 1
}

func (s *GoThreadsApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorw("json encode", "error", err)
	}
}

func (s *GoThreadsApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.Err != nil {
		s.log.Errorw(errResp.Message, "error", errResp.Err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *GoThreadsApp) generateShortId() (string, error) {
	return shortid.Generate()
}

func (s *GoThreadsApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// participantConversation loads the conversation named by the id query
// parameter and checks that userId takes part in it.
func (s *GoThreadsApp) participantConversation(r *http.Request, param, userId string) (database.Conversation, *ApiError) {
	id := r.URL.Query().Get(param)
	if id == "" {
		return database.Conversation{}, NewBadRequestError()
	}

	conv, err := s.db.GetConversation(id)
	if err != nil {
		return database.Conversation{}, storeError(err)
	}

	if !conv.HasParticipant(userId) {
		return database.Conversation{}, NewForbiddenError()
	}

	return conv, nil
}

func (s *GoThreadsApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if !req.valid(userId) {
		s.writeError(w, NewBadRequestError())
		return
	}

	conv, err := s.db.GetConversationByParticipants(userId, req.RecipientId)
	if errors.Is(err, sql.ErrNoRows) {
		var sid string
		sid, err = s.generateShortId()
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}

		conv, err = s.db.CreateConversation(database.CreateConversationParams{
			Id:           sid,
			Participants: [2]string{userId, req.RecipientId},
		})
		if err != nil {
			// the other participant may have created it concurrently
			if existing, getErr := s.db.GetConversationByParticipants(userId, req.RecipientId); getErr == nil {
				conv, err = existing, nil
			}
		}
	}
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	msg := database.Message{
		Id:             sid,
		ConversationId: conv.Id,
		SenderId:       userId,
		Text:           req.Text,
		Img:            req.Img,
		Gif:            req.Gif,
		CreatedAt:      time.Now().UTC().Round(time.Millisecond),
	}

	conv, err = s.db.CreateMessage(msg)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	// the message is stored; a failed notification does not fail the request
	if err := s.cs.Relay().NotifyNewMessage(msg, conv, req.RecipientId); err != nil {
		s.log.Errorw("notify new message", "conversation_id", conv.Id, "message_id", msg.Id, "error", err)
	}

	s.writeJson(w, http.StatusCreated, msg.ToType())
}

func (s *GoThreadsApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	conv, errResp := s.participantConversation(r, "conversation_id", userId)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	var (
		before int64
		limit  int
		err    error
	)

	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		before, err = strconv.ParseInt(beforeStr, 10, 64)
		if err != nil || before < 0 {
			s.writeError(w, NewBadRequestError())
			return
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			s.writeError(w, NewBadRequestError())
			return
		}
	}

	messages, err := s.db.GetMessages(conv.Id, before, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	resp := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		resp = append(resp, msg.ToType())
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *GoThreadsApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	msg, err := s.db.GetMessage(id)
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	if msg.SenderId != userId {
		s.writeError(w, NewForbiddenError())
		return
	}

	conv, err := s.db.DeleteMessage(msg.Id)
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	s.cs.Relay().NotifyMessageDeleted(r.Context(), conv, msg)
	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoThreadsApp) listConversations(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	convs, err := s.db.ListConversations(userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	resp := make([]types.Conversation, 0, len(convs))
	for _, conv := range convs {
		resp = append(resp, conv.ToType())
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *GoThreadsApp) deleteConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	conv, errResp := s.participantConversation(r, "id", userId)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	if err := s.cs.Relay().DeleteConversation(r.Context(), conv, userId); err != nil {
		s.writeError(w, storeError(err))
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoThreadsApp) readConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	conv, errResp := s.participantConversation(r, "id", userId)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	if err := s.cs.Relay().ResetUnread(conv.Id, userId); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoThreadsApp) onlineUsers(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, s.cs.OnlineUsers())
}

func (s *GoThreadsApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok || !presence.ValidUserId(userId) {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("upgrade connection", "user_id", userId, "error", err)
		return
	}

	client := server.NewClient(userId, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
