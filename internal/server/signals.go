package server

import (
	"encoding/json"
	"errors"

	"github.com/npezzotti/go-threads/internal/presence"
)

// handleClientMessage applies one inbound signal. Self-referencing signals
// act on the authenticated user of the connection, never on a payload id.
func (cs *ChatServer) handleClientMessage(c *Client, msg *ClientMessage) {
	switch msg.Event {
	case EventEnteredMessagingSurface:
		cs.tracker.MarkViewingSurface(c.userId)
	case EventLeftMessagingSurface:
		cs.tracker.UnmarkViewingSurface(c.userId)
	case EventViewingConversation:
		sig, ok := cs.parseSignal(c, msg, false)
		if !ok {
			return
		}
		cs.tracker.MarkViewingConversation(c.userId, sig.ConversationId)
	case EventLeftConversation:
		cs.tracker.UnmarkViewingConversation(c.userId)
	case EventTyping:
		sig, ok := cs.parseSignal(c, msg, true)
		if !ok {
			return
		}
		if err := cs.relay.Typing(c.userId, sig.UserId, sig.ConversationId); err != nil {
			replyError(c, msg, sig, err)
		}
	case EventStopTyping:
		sig, ok := cs.parseSignal(c, msg, true)
		if !ok {
			return
		}
		if err := cs.relay.StopTyping(c.userId, sig.UserId, sig.ConversationId); err != nil {
			replyError(c, msg, sig, err)
		}
	case EventMarkMessagesAsSeen:
		sig, ok := cs.parseSignal(c, msg, false)
		if !ok {
			return
		}
		if err := cs.relay.MarkSeen(sig.ConversationId, c.userId); err != nil {
			replyError(c, msg, sig, err)
		}
	default:
		c.log.Warnw("dropping unknown event", "event", msg.Event)
	}
}

// parseSignal decodes a conversation-scoped payload. Malformed payloads are
// logged and dropped.
func (cs *ChatServer) parseSignal(c *Client, msg *ClientMessage, needCounterpart bool) (ConversationSignal, bool) {
	var sig ConversationSignal
	if len(msg.Data) == 0 {
		c.log.Warnw("dropping signal without payload", "event", msg.Event)
		return sig, false
	}

	if err := json.Unmarshal(msg.Data, &sig); err != nil {
		c.log.Warnw("dropping malformed signal", "event", msg.Event, "error", err)
		return sig, false
	}

	if sig.ConversationId == "" {
		c.log.Warnw("dropping signal without conversation id", "event", msg.Event)
		return sig, false
	}

	if needCounterpart && !presence.ValidUserId(sig.UserId) {
		c.log.Warnw("dropping signal without counterpart", "event", msg.Event)
		return sig, false
	}

	return sig, true
}

func replyError(c *Client, msg *ClientMessage, sig ConversationSignal, err error) {
	if errors.Is(err, ErrNotParticipant) {
		c.log.Warnw("rejecting signal", "event", msg.Event, "conversation_id", sig.ConversationId, "error", err)
		c.queueMessage(ErrForbidden(msg.Id))
		return
	}

	c.log.Errorw("handle signal", "event", msg.Event, "conversation_id", sig.ConversationId, "error", err)
	c.queueMessage(ErrInternalError(msg.Id))
}
