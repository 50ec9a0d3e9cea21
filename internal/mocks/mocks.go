package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	grpcclient "room-service/internal/grpc"
	"room-service/internal/models"
)

type ChatAPIMock struct {
	mock.Mock
}

func (m *ChatAPIMock) ValidateToken(ctx context.Context, token string) (models.User, error) {
	args := m.Called(ctx, token)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *ChatAPIMock) GetUserInfo(ctx context.Context, userID string) (models.Member, error) {
	args := m.Called(ctx, userID)
	var member models.Member
	if val := args.Get(0); val != nil {
		member = val.(models.Member)
	}
	return member, args.Error(1)
}

func messages(args mock.Arguments) ([]models.Message, error) {
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *ChatAPIMock) GetMessages(ctx context.Context, roomID string, t models.RoomType) ([]models.Message, error) {
	return messages(m.Called(ctx, roomID, t))
}

func (m *ChatAPIMock) GetThreadMessages(ctx context.Context, tmid, roomID string) ([]models.Message, error) {
	return messages(m.Called(ctx, tmid, roomID))
}

func (m *ChatAPIMock) GetMoreMessages(ctx context.Context, roomID, tmid string, before time.Time) ([]models.Message, error) {
	return messages(m.Called(ctx, roomID, tmid, before))
}

func (m *ChatAPIMock) LoadSurroundingMessages(ctx context.Context, messageID, roomID string) ([]models.Message, error) {
	return messages(m.Called(ctx, messageID, roomID))
}

func (m *ChatAPIMock) GetSingleMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *ChatAPIMock) GetRoomInfo(ctx context.Context, roomID string) (models.Room, error) {
	args := m.Called(ctx, roomID)
	var room models.Room
	if val := args.Get(0); val != nil {
		room = val.(models.Room)
	}
	return room, args.Error(1)
}

func (m *ChatAPIMock) ReadMessages(ctx context.Context, roomID string) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

func (m *ChatAPIMock) CanAutoTranslate(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *ChatAPIMock) SendMessage(ctx context.Context, roomID, msg, tmid string, tshow bool) (models.Message, error) {
	args := m.Called(ctx, roomID, msg, tmid, tshow)
	var sent models.Message
	if val := args.Get(0); val != nil {
		sent = val.(models.Message)
	}
	return sent, args.Error(1)
}

func (m *ChatAPIMock) EditMessage(ctx context.Context, messageID, roomID, msg string) error {
	args := m.Called(ctx, messageID, roomID, msg)
	return args.Error(0)
}

func (m *ChatAPIMock) SetReaction(ctx context.Context, shortname, messageID string) error {
	args := m.Called(ctx, shortname, messageID)
	return args.Error(0)
}

func (m *ChatAPIMock) JoinRoom(ctx context.Context, roomID, joinCode string, t models.RoomType) error {
	args := m.Called(ctx, roomID, joinCode, t)
	return args.Error(0)
}

func (m *ChatAPIMock) TakeInquiry(ctx context.Context, roomID string) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

func (m *ChatAPIMock) TriggerBlockAction(ctx context.Context, action grpcclient.BlockAction) error {
	args := m.Called(ctx, action)
	return args.Error(0)
}

func (m *ChatAPIMock) ToggleFollowMessage(ctx context.Context, tmid string, follow bool) error {
	args := m.Called(ctx, tmid, follow)
	return args.Error(0)
}

// StreamRoomMessages delivers the messages returned by the mock, then
// blocks until ctx ends unless an error is configured.
func (m *ChatAPIMock) StreamRoomMessages(ctx context.Context, roomID string, fn func(models.Message)) error {
	msgs, err := messages(m.Called(ctx, roomID))
	for _, msg := range msgs {
		fn(msg)
	}
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

var _ grpcclient.ChatAPI = (*ChatAPIMock)(nil)
