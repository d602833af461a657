package database

import (
	"github.com/stretchr/testify/mock"
)

type MockThreadsRepository struct {
	mock.Mock
}

func (m *MockThreadsRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockThreadsRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockThreadsRepository) GetConversation(id string) (Conversation, error) {
	args := m.Called(id)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockThreadsRepository) GetConversationByParticipants(userA, userB string) (Conversation, error) {
	args := m.Called(userA, userB)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockThreadsRepository) ListConversations(userId string) ([]Conversation, error) {
	args := m.Called(userId)
	return args.Get(0).([]Conversation), args.Error(1)
}
func (m *MockThreadsRepository) CreateMessage(msg Message) (Conversation, error) {
	args := m.Called(msg)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockThreadsRepository) GetMessage(id string) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockThreadsRepository) GetMessages(conversationId string, before int64, limit int) ([]Message, error) {
	args := m.Called(conversationId, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockThreadsRepository) MarkMessagesSeen(conversationId, readerId string) (Conversation, error) {
	args := m.Called(conversationId, readerId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockThreadsRepository) DeleteMessage(id string) (Conversation, error) {
	args := m.Called(id)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockThreadsRepository) DeleteConversation(id string) ([]Message, error) {
	args := m.Called(id)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockThreadsRepository) IncrementUnread(conversationId, userId string) (int, error) {
	args := m.Called(conversationId, userId)
	return args.Int(0), args.Error(1)
}
func (m *MockThreadsRepository) ResetUnread(conversationId, userId string) error {
	args := m.Called(conversationId, userId)
	return args.Error(0)
}
