package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/go-threads/internal/types"
)

// inbound events
const (
	EventEnteredMessagingSurface = "enteredMessagingSurface"
	EventLeftMessagingSurface    = "leftMessagingSurface"
	EventViewingConversation     = "viewingConversation"
	EventLeftConversation        = "leftConversation"
	EventTyping                  = "typing"
	EventStopTyping              = "stopTyping"
	EventMarkMessagesAsSeen      = "markMessagesAsSeen"
)

// outbound events
const (
	EventGetOnlineUsers      = "getOnlineUsers"
	EventUserTyping          = "userTyping"
	EventUserStoppedTyping   = "userStoppedTyping"
	EventNewMessage          = "newMessage"
	EventConversationUpdated = "conversationUpdated"
	EventUpdateUnreadCount   = "updateUnreadCount"
	EventMessagesSeen        = "messagesSeen"
	EventMessageDeleted      = "messageDeleted"
	EventConversationDeleted = "conversationDeleted"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ConversationSignal is the payload of every conversation-scoped inbound
// event. UserId names the counterpart, never the sender.
type ConversationSignal struct {
	ConversationId string `json:"conversationId"`
	UserId         string `json:"userId"`
}

type ServerMessage struct {
	BaseMessage
	Event    string    `json:"event,omitempty"`
	Data     any       `json:"data,omitempty"`
	Response *Response `json:"response,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
}

type TypingNotification struct {
	ConversationId string `json:"conversationId"`
	UserId         string `json:"userId"`
}

type MessagesSeen struct {
	ConversationId string `json:"conversationId"`
}

type MessageDeleted struct {
	ConversationId string             `json:"conversationId"`
	MessageId      string             `json:"messageId"`
	Conversation   types.Conversation `json:"conversation"`
}

type UnreadCount struct {
	ConversationId string `json:"conversationId"`
	Count          int    `json:"count"`
}

type ConversationDeleted struct {
	ConversationId string `json:"conversationId"`
	DeletedBy      string `json:"deletedBy"`
}

func NewEvent(event string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Event: event,
		Data:  data,
	}
}

func ErrInternalError(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrForbidden(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusForbidden,
			Error:        "forbidden",
		},
	}
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
