package types

import (
	"time"
)

// LastMessage is the denormalized snapshot of the most recent message in a
// conversation. The zero value is the empty placeholder used when a
// conversation has no messages left.
type LastMessage struct {
	Text     string `json:"text"`
	Sender   string `json:"sender"`
	HasImage bool   `json:"has_image"`
	HasGif   bool   `json:"has_gif"`
	Seen     bool   `json:"seen"`
}

type Conversation struct {
	Id           string      `json:"id"`
	Participants []string    `json:"participants"`
	LastMessage  LastMessage `json:"last_message"`
	UnreadCount  int         `json:"unread_count"`
	CreatedAt    time.Time   `json:"created_at,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at,omitempty"`
}

type Message struct {
	Id             string    `json:"id"`
	ConversationId string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Text           string    `json:"text,omitempty"`
	Img            string    `json:"img,omitempty"`
	Gif            string    `json:"gif,omitempty"`
	Seen           bool      `json:"seen"`
	Timestamp      time.Time `json:"timestamp"`
}
