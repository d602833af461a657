package database

// ThreadsRepository is the durable store consulted by the REST handlers and
// the event relay. Every mutation returns the updated conversation snapshot
// so callers can build outbound event payloads without a second read.
type ThreadsRepository interface {
	Ping() error
	CreateConversation(params CreateConversationParams) (Conversation, error)
	GetConversation(id string) (Conversation, error)
	GetConversationByParticipants(userA, userB string) (Conversation, error)
	ListConversations(userId string) ([]Conversation, error)
	CreateMessage(msg Message) (Conversation, error)
	GetMessage(id string) (Message, error)
	GetMessages(conversationId string, before int64, limit int) ([]Message, error)
	MarkMessagesSeen(conversationId, readerId string) (Conversation, error)
	DeleteMessage(id string) (Conversation, error)
	DeleteConversation(id string) ([]Message, error)
	IncrementUnread(conversationId, userId string) (int, error)
	ResetUnread(conversationId, userId string) error
}
