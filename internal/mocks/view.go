package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"room-service/internal/models"
	"room-service/internal/view"
)

type HostMock struct {
	mock.Mock
}

func (m *HostMock) Push(screen string, params models.RouteParams) {
	m.Called(screen, params)
}

func (m *HostMock) Navigate(screen string) {
	m.Called(screen)
}

func (m *HostMock) Render(state models.SessionState) {
	m.Called(state)
}

func (m *HostMock) SetHeader(header models.Header) {
	m.Called(header)
}

func (m *HostMock) ShowAlert(message string) {
	m.Called(message)
}

func (m *HostMock) ShowJoinCode(roomID string) {
	m.Called(roomID)
}

func (m *HostMock) JumpResult(outcome models.Outcome) {
	m.Called(outcome)
}

func (m *HostMock) JumpToMessage(ctx context.Context, messageID string) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

func (m *HostMock) CancelJumpToMessage() {
	m.Called()
}

func (m *HostMock) RefreshQuery() {
	m.Called()
}

var _ view.Host = (*HostMock)(nil)
