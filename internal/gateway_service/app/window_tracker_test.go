package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/baderhq/wagateway/internal/gateway_service/domain"
)

func whatsappGateway() *domain.Gateway {
	return &domain.Gateway{ID: uuid.New(), Type: domain.GatewayTypeCloud}
}

func TestWindowTracker_RecordCustomerMessage(t *testing.T) {
	mockRepo := new(MockConversationRepository)
	tracker := NewWindowTracker(mockRepo, testLogger())

	conv := domain.NewConversation(uuid.New(), "15550001111", "Ada")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mockRepo.On("SetLastCustomerMessageAt", mock.Anything, conv.ID, at).Return(nil)

	err := tracker.RecordCustomerMessage(context.Background(), conv, at)
	assert.NoError(t, err)
	assert.NotNil(t, conv.LastCustomerMessageAt)
	assert.Equal(t, at, *conv.LastCustomerMessageAt)
	mockRepo.AssertExpectations(t)
}

func TestWindowTracker_RecordCustomerMessage_LastWriteWins(t *testing.T) {
	// The field models "most recent contact", not a running maximum: an
	// earlier timestamp recorded later still overwrites.
	mockRepo := new(MockConversationRepository)
	tracker := NewWindowTracker(mockRepo, testLogger())

	conv := domain.NewConversation(uuid.New(), "15550001111", "")
	later := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-2 * time.Hour)

	mockRepo.On("SetLastCustomerMessageAt", mock.Anything, conv.ID, mock.Anything).Return(nil)

	assert.NoError(t, tracker.RecordCustomerMessage(context.Background(), conv, later))
	assert.NoError(t, tracker.RecordCustomerMessage(context.Background(), conv, earlier))
	assert.Equal(t, earlier, *conv.LastCustomerMessageAt)
}

func TestWindowTracker_RecordCustomerMessage_RepoError(t *testing.T) {
	mockRepo := new(MockConversationRepository)
	tracker := NewWindowTracker(mockRepo, testLogger())

	conv := domain.NewConversation(uuid.New(), "15550001111", "")
	mockRepo.On("SetLastCustomerMessageAt", mock.Anything, conv.ID, mock.Anything).Return(errors.New("db down"))

	err := tracker.RecordCustomerMessage(context.Background(), conv, time.Now())
	assert.Error(t, err)
	assert.Nil(t, conv.LastCustomerMessageAt)
}

func TestWindowTracker_Status(t *testing.T) {
	tracker := NewWindowTracker(nil, testLogger())
	gw := whatsappGateway()
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name             string
		lastCustomerAt   *time.Time
		now              time.Time
		wantActive       bool
		wantTemplate     bool
		wantHoursRoughly float64
	}{
		{"no customer message yet", nil, last, false, true, 0},
		{"one hour in", &last, last.Add(1 * time.Hour), true, false, 23},
		{"just inside the boundary", &last, last.Add(24*time.Hour - time.Second), true, false, 0},
		{"exactly at the boundary", &last, last.Add(24 * time.Hour), false, true, 0},
		{"one hour past", &last, last.Add(25 * time.Hour), false, true, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conv := &domain.Conversation{ID: uuid.New(), GatewayID: gw.ID, LastCustomerMessageAt: tc.lastCustomerAt}
			st := tracker.Status(conv, gw, tc.now)
			assert.Equal(t, tc.wantActive, st.WindowActive)
			assert.Equal(t, tc.wantTemplate, st.RequiresTemplate)
			assert.InDelta(t, tc.wantHoursRoughly, st.HoursRemaining, 1.0)
		})
	}
}

func TestWindowTracker_Status_NonWhatsAppGatewayHasNoWindow(t *testing.T) {
	tracker := NewWindowTracker(nil, testLogger())
	gw := &domain.Gateway{ID: uuid.New(), Type: "sms"}
	conv := &domain.Conversation{ID: uuid.New(), GatewayID: gw.ID}

	st := tracker.Status(conv, gw, time.Now())
	assert.True(t, st.WindowActive)
	assert.False(t, st.RequiresTemplate)
}

func TestWindowTracker_Status_ReopensAfterNewCustomerMessage(t *testing.T) {
	mockRepo := new(MockConversationRepository)
	tracker := NewWindowTracker(mockRepo, testLogger())
	gw := whatsappGateway()

	old := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conv := &domain.Conversation{ID: uuid.New(), GatewayID: gw.ID, LastCustomerMessageAt: &old}

	now := old.Add(30 * time.Hour)
	assert.False(t, tracker.Status(conv, gw, now).WindowActive)

	mockRepo.On("SetLastCustomerMessageAt", mock.Anything, conv.ID, mock.Anything).Return(nil)
	assert.NoError(t, tracker.RecordCustomerMessage(context.Background(), conv, now))
	assert.True(t, tracker.Status(conv, gw, now.Add(time.Minute)).WindowActive)
}
