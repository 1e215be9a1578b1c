package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"example.com/backstage/tickets/internal/access"
	"example.com/backstage/tickets/internal/clock"
	"example.com/backstage/tickets/internal/credentials"
	"example.com/backstage/tickets/internal/messaging"
	"example.com/backstage/tickets/internal/models"
	"example.com/backstage/tickets/internal/repositories"
)

// MockEventCache is a testify mock of EventCache
type MockEventCache struct {
	mock.Mock
}

func (m *MockEventCache) GetPublishedEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	args := m.Called(ctx, id)
	if ev, ok := args.Get(0).(*models.Event); ok {
		return ev, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEventCache) SetPublishedEvent(ctx context.Context, event *models.Event) error {
	return m.Called(ctx, event).Error(0)
}

func (m *MockEventCache) InvalidateEvent(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

// MockEventIndex is a testify mock of EventIndex
type MockEventIndex struct {
	mock.Mock
}

func (m *MockEventIndex) EnsureIndex(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockEventIndex) IndexEvent(ctx context.Context, event *models.Event) error {
	return m.Called(ctx, event).Error(0)
}

func (m *MockEventIndex) RemoveEvent(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockEventIndex) SearchEvents(ctx context.Context, query string, page models.PageRequest) ([]uuid.UUID, int64, error) {
	args := m.Called(ctx, query, page)
	ids, _ := args.Get(0).([]uuid.UUID)
	return ids, args.Get(1).(int64), args.Error(2)
}

// MockEventPublisher is a testify mock of EventPublisher
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) PublishEventChanged(ctx context.Context, eventID uuid.UUID, action string) error {
	return m.Called(ctx, eventID, action).Error(0)
}

func (m *MockEventPublisher) PublishTicketPurchased(ctx context.Context, msg messaging.TicketPurchasedMessage) error {
	return m.Called(ctx, msg).Error(0)
}

// MockCredentialIssuer is a testify mock of CredentialIssuer
type MockCredentialIssuer struct {
	mock.Mock
}

func (m *MockCredentialIssuer) Issue(ticketID uuid.UUID) (*credentials.Credential, error) {
	args := m.Called(ticketID)
	if cred, ok := args.Get(0).(*credentials.Credential); ok {
		return cred, args.Error(1)
	}
	return nil, args.Error(1)
}

var testNow = time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)

func newMemoryStore() *repositories.MemoryStore {
	return repositories.NewMemoryStore(clock.NewFixed(testNow), time.Second)
}

func organizer() access.Caller {
	return access.Caller{ID: uuid.New(), Roles: access.NewRoleSet("ROLE_ORGANIZER")}
}

func attendee() access.Caller {
	return access.Caller{ID: uuid.New(), Roles: access.NewRoleSet("ATTENDEE")}
}

func timePtr(t time.Time) *time.Time { return &t }
