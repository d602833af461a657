package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/npezzotti/go-threads/internal/database"
	"github.com/npezzotti/go-threads/internal/media"
	"github.com/npezzotti/go-threads/internal/presence"
	"go.uber.org/zap"
)

var ErrNotParticipant = errors.New("user is not a participant of the conversation")

// participantCacheSize bounds the conversations whose members are kept for
// typing checks.
const participantCacheSize = 4096

// Deliverer sends an event to a user's live connection and reports whether
// it was handed off. Offline users are not an error.
type Deliverer interface {
	SendToUser(userId string, msg *ServerMessage) bool
}

// Relay turns completed store mutations into best-effort notifications.
// Presence checks and unread increments are not atomic with the message
// write that precedes them; readers of the store may observe the write
// before the counter changes.
type Relay struct {
	log     *zap.SugaredLogger
	db      database.ThreadsRepository
	tracker *presence.Tracker
	typing  *presence.Typing
	media   media.Store
	out     Deliverer
	members *lru.Cache
}

func newRelay(logger *zap.SugaredLogger, db database.ThreadsRepository, tracker *presence.Tracker,
	store media.Store, out Deliverer, typingTimeout time.Duration) (*Relay, error) {
	members, err := lru.New(participantCacheSize)
	if err != nil {
		return nil, fmt.Errorf("participant cache: %w", err)
	}

	r := &Relay{
		log:     logger,
		db:      db,
		tracker: tracker,
		media:   store,
		out:     out,
		members: members,
	}
	r.typing = presence.NewTyping(typingTimeout, r.typingExpired)
	return r, nil
}

// NotifyNewMessage runs after msg was stored and conv's last message
// updated. The recipient receives newMessage, then conversationUpdated,
// then updateUnreadCount when the counter was bumped.
func (r *Relay) NotifyNewMessage(msg database.Message, conv database.Conversation, recipientId string) error {
	r.out.SendToUser(recipientId, NewEvent(EventNewMessage, msg.ToType()))
	r.out.SendToUser(recipientId, NewEvent(EventConversationUpdated, conv.ToType()))

	if r.tracker.IsActivelyViewing(recipientId, conv.Id) {
		// the recipient's client marks it seen right away
		return nil
	}

	count, err := r.db.IncrementUnread(conv.Id, recipientId)
	if err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}

	r.out.SendToUser(recipientId, NewEvent(EventUpdateUnreadCount, UnreadCount{
		ConversationId: conv.Id,
		Count:          count,
	}))
	return nil
}

// MarkSeen marks everything readerId received in the conversation as seen
// and tells the counterpart, whose client shows the read receipt.
func (r *Relay) MarkSeen(conversationId, readerId string) error {
	conv, err := r.db.GetConversation(conversationId)
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}
	if !conv.HasParticipant(readerId) {
		return ErrNotParticipant
	}

	if _, err := r.db.MarkMessagesSeen(conversationId, readerId); err != nil {
		return fmt.Errorf("mark messages seen: %w", err)
	}

	r.out.SendToUser(conv.Counterpart(readerId), NewEvent(EventMessagesSeen, MessagesSeen{
		ConversationId: conversationId,
	}))
	return nil
}

// NotifyMessageDeleted releases the message's media and sends the same
// recomputed conversation snapshot to every participant.
func (r *Relay) NotifyMessageDeleted(ctx context.Context, conv database.Conversation, msg database.Message) {
	r.releaseMedia(ctx, conv.Id, msg)

	payload := MessageDeleted{
		ConversationId: conv.Id,
		MessageId:      msg.Id,
		Conversation:   conv.ToType(),
	}
	// unread counts are per user and not part of the shared snapshot
	payload.Conversation.UnreadCount = 0

	for _, userId := range conv.Participants {
		r.out.SendToUser(userId, NewEvent(EventMessageDeleted, payload))
	}
}

// DeleteConversation removes the conversation with all its messages,
// releases their media and notifies the other participant.
func (r *Relay) DeleteConversation(ctx context.Context, conv database.Conversation, requesterId string) error {
	deleted, err := r.db.DeleteConversation(conv.Id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	r.members.Remove(conv.Id)
	r.releaseMedia(ctx, conv.Id, deleted...)

	for _, userId := range conv.Participants {
		if userId == requesterId {
			continue
		}
		r.out.SendToUser(userId, NewEvent(EventConversationDeleted, ConversationDeleted{
			ConversationId: conv.Id,
			DeletedBy:      requesterId,
		}))
	}
	return nil
}

// releaseMedia deletes the media of already deleted messages. Failures leave
// orphaned media behind and are only logged.
func (r *Relay) releaseMedia(ctx context.Context, conversationId string, msgs ...database.Message) {
	for _, msg := range msgs {
		ref := msg.MediaRef()
		if ref == "" {
			continue
		}
		if err := r.media.Delete(ctx, ref); err != nil {
			r.log.Errorw("delete media", "conversation_id", conversationId, "message_id", msg.Id, "ref", ref, "error", err)
		}
	}
}

// ResetUnread zeroes the user's counter and echoes the new count.
func (r *Relay) ResetUnread(conversationId, userId string) error {
	if err := r.db.ResetUnread(conversationId, userId); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}

	r.out.SendToUser(userId, NewEvent(EventUpdateUnreadCount, UnreadCount{
		ConversationId: conversationId,
		Count:          0,
	}))
	return nil
}

// Typing forwards a typing signal and (re)arms the sender's quiet window.
// Both users must be participants of the conversation.
func (r *Relay) Typing(senderId, recipientId, conversationId string) error {
	if err := r.checkPair(conversationId, senderId, recipientId); err != nil {
		return err
	}

	r.typing.Start(senderId, recipientId, conversationId)
	r.out.SendToUser(recipientId, NewEvent(EventUserTyping, TypingNotification{
		ConversationId: conversationId,
		UserId:         senderId,
	}))
	return nil
}

// StopTyping forwards an explicit stop, even if the window already expired.
func (r *Relay) StopTyping(senderId, recipientId, conversationId string) error {
	if err := r.checkPair(conversationId, senderId, recipientId); err != nil {
		return err
	}

	r.typing.Stop(senderId, conversationId)
	r.out.SendToUser(recipientId, NewEvent(EventUserStoppedTyping, TypingNotification{
		ConversationId: conversationId,
		UserId:         senderId,
	}))
	return nil
}

// checkPair verifies that sender and recipient are the two members of the
// conversation. Membership never changes, so it is cached after the first
// lookup until the conversation is deleted.
func (r *Relay) checkPair(conversationId, senderId, recipientId string) error {
	var members []string
	if v, ok := r.members.Get(conversationId); ok {
		members = v.([]string)
	} else {
		conv, err := r.db.GetConversation(conversationId)
		if err != nil {
			return fmt.Errorf("get conversation: %w", err)
		}
		members = conv.Participants
		r.members.Add(conversationId, members)
	}

	if senderId == recipientId || !slices.Contains(members, senderId) || !slices.Contains(members, recipientId) {
		return ErrNotParticipant
	}
	return nil
}

func (r *Relay) typingExpired(senderId, recipientId, conversationId string) {
	r.out.SendToUser(recipientId, NewEvent(EventUserStoppedTyping, TypingNotification{
		ConversationId: conversationId,
		UserId:         senderId,
	}))
}
