package app

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/mock"

	"github.com/baderhq/wagateway/internal/core_domain"
	"github.com/baderhq/wagateway/internal/gateway_service/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSentRecord(providerMessageID string) *core_domain.DeliveryStatusRecord {
	return core_domain.NewDeliveryStatusRecord(providerMessageID, uuid.New(), "15550001111", time.Now())
}

// MockConversationRepository is a mock implementation of domain.ConversationRepository
type MockConversationRepository struct {
	mock.Mock
}

func (m *MockConversationRepository) Create(ctx context.Context, conv *domain.Conversation) error {
	args := m.Called(ctx, conv)
	return args.Error(0)
}

func (m *MockConversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepository) FindByContact(ctx context.Context, gatewayID uuid.UUID, contactToken string) (*domain.Conversation, error) {
	args := m.Called(ctx, gatewayID, contactToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepository) SetLastCustomerMessageAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

// MockMessageStore is a mock implementation of domain.MessageStore
type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) Create(ctx context.Context, msg *domain.StoredMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockMessageStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.StoredMessage, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.StoredMessage), args.Error(1)
}

func (m *MockMessageStore) FindByProviderID(ctx context.Context, providerMessageID string) (*domain.StoredMessage, error) {
	args := m.Called(ctx, providerMessageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.StoredMessage), args.Error(1)
}

func (m *MockMessageStore) SetProviderMessageID(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	args := m.Called(ctx, id, providerMessageID)
	return args.Error(0)
}

// MockStatusRecordRepository is a mock implementation of domain.StatusRecordRepository
type MockStatusRecordRepository struct {
	mock.Mock
}

func (m *MockStatusRecordRepository) Create(ctx context.Context, rec *core_domain.DeliveryStatusRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockStatusRecordRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*core_domain.DeliveryStatusRecord, error) {
	args := m.Called(ctx, providerMessageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core_domain.DeliveryStatusRecord), args.Error(1)
}

func (m *MockStatusRecordRepository) Update(ctx context.Context, rec *core_domain.DeliveryStatusRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

// MockNatsClient records published events; subscribe is a no-op.
type MockNatsClient struct {
	mock.Mock
}

func (m *MockNatsClient) Publish(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

func (m *MockNatsClient) SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler func(msg *nats.Msg)) error {
	args := m.Called(ctx, subject, queueGroup, handler)
	return args.Error(0)
}

func (m *MockNatsClient) Close() {}
