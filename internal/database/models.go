package database

import (
	"time"

	"github.com/npezzotti/go-threads/internal/types"
)

type Conversation struct {
	Id           string
	Participants []string
	LastText     string
	LastSender   string
	LastHasImage bool
	LastHasGif   bool
	LastSeen     bool
	// UnreadCount is the counter of the user the conversation was loaded for.
	UnreadCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Counterpart returns the participant that is not userId.
func (c Conversation) Counterpart(userId string) string {
	for _, p := range c.Participants {
		if p != userId {
			return p
		}
	}
	return ""
}

func (c Conversation) HasParticipant(userId string) bool {
	for _, p := range c.Participants {
		if p == userId {
			return true
		}
	}
	return false
}

func (c Conversation) ToType() types.Conversation {
	return types.Conversation{
		Id:           c.Id,
		Participants: c.Participants,
		LastMessage: types.LastMessage{
			Text:     c.LastText,
			Sender:   c.LastSender,
			HasImage: c.LastHasImage,
			HasGif:   c.LastHasGif,
			Seen:     c.LastSeen,
		},
		UnreadCount: c.UnreadCount,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

type Message struct {
	Id             string
	ConversationId string
	SenderId       string
	Text           string
	Img            string
	Gif            string
	Seen           bool
	CreatedAt      time.Time
}

// MediaRef returns the external media reference of the message, if any.
func (m Message) MediaRef() string {
	if m.Img != "" {
		return m.Img
	}
	return m.Gif
}

func (m Message) ToType() types.Message {
	return types.Message{
		Id:             m.Id,
		ConversationId: m.ConversationId,
		Sender:         m.SenderId,
		Text:           m.Text,
		Img:            m.Img,
		Gif:            m.Gif,
		Seen:           m.Seen,
		Timestamp:      m.CreatedAt,
	}
}

type CreateConversationParams struct {
	Id           string
	Participants [2]string
}
