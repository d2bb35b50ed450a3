package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"messaging-core/internal/models"
	"messaging-core/internal/repositories"
)

type RemoteStoreMock struct {
	mock.Mock
}

func (m *RemoteStoreMock) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *RemoteStoreMock) InsertMessage(ctx context.Context, msg models.Message) (repositories.InsertResult, error) {
	args := m.Called(ctx, msg)
	var res repositories.InsertResult
	if val := args.Get(0); val != nil {
		res = val.(repositories.InsertResult)
	}
	return res, args.Error(1)
}

func (m *RemoteStoreMock) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *RemoteStoreMock) UpdateStatus(ctx context.Context, messageID string, from, to models.MessageStatus) (models.Message, models.Conversation, error) {
	args := m.Called(ctx, messageID, from, to)
	var (
		msg  models.Message
		conv models.Conversation
	)
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	if val := args.Get(1); val != nil {
		conv = val.(models.Conversation)
	}
	return msg, conv, args.Error(2)
}

func (m *RemoteStoreMock) MarkAllRead(ctx context.Context, conversationKey, readerID string) ([]models.Message, models.Conversation, error) {
	args := m.Called(ctx, conversationKey, readerID)
	var (
		msgs []models.Message
		conv models.Conversation
	)
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	if val := args.Get(1); val != nil {
		conv = val.(models.Conversation)
	}
	return msgs, conv, args.Error(2)
}

func (m *RemoteStoreMock) SoftDelete(ctx context.Context, messageID, tombstone string) (models.Message, models.Conversation, error) {
	args := m.Called(ctx, messageID, tombstone)
	var (
		msg  models.Message
		conv models.Conversation
	)
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	if val := args.Get(1); val != nil {
		conv = val.(models.Conversation)
	}
	return msg, conv, args.Error(2)
}

func (m *RemoteStoreMock) PageMessages(ctx context.Context, conversationKey string, limit int, cursor models.PageCursor) ([]models.Message, error) {
	args := m.Called(ctx, conversationKey, limit, cursor)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *RemoteStoreMock) GetConversation(ctx context.Context, conversationKey string) (models.Conversation, error) {
	args := m.Called(ctx, conversationKey)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *RemoteStoreMock) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	args := m.Called(ctx, userID)
	var list []models.Conversation
	if val := args.Get(0); val != nil {
		list = val.([]models.Conversation)
	}
	return list, args.Error(1)
}

func (m *RemoteStoreMock) RecountUnread(ctx context.Context, conversationKey string) (models.Conversation, error) {
	args := m.Called(ctx, conversationKey)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *RemoteStoreMock) PutPresence(ctx context.Context, state models.PresenceState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *RemoteStoreMock) GetPresence(ctx context.Context, userID string) (models.PresenceState, error) {
	args := m.Called(ctx, userID)
	var state models.PresenceState
	if val := args.Get(0); val != nil {
		state = val.(models.PresenceState)
	}
	return state, args.Error(1)
}

func (m *RemoteStoreMock) PutTyping(ctx context.Context, state models.TypingState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *RemoteStoreMock) Watch(ctx context.Context) (<-chan repositories.Change, error) {
	args := m.Called(ctx)
	var ch <-chan repositories.Change
	if val := args.Get(0); val != nil {
		ch = val.(<-chan repositories.Change)
	}
	return ch, args.Error(1)
}

func (m *RemoteStoreMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ repositories.RemoteStore = (*RemoteStoreMock)(nil)
