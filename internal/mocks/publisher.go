package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"messaging-core/internal/telemetry"
)

// PublisherMock stands in for the AMQP publisher behind audit records and websocket
// lifecycle events.
type PublisherMock struct {
	mock.Mock
}

var _ telemetry.Publisher = (*PublisherMock)(nil)

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}
