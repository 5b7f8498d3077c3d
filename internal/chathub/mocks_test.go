package chathub_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"peersupport/backend/internal/chathub"
	"peersupport/backend/internal/models"
	"peersupport/backend/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStorage is a testify/mock implementation of storage.Storage.
type MockStorage struct {
	mock.Mock
}

var (
	_ storage.Storage = (*MockStorage)(nil)
	_ chathub.Bus     = (*MockBus)(nil)
	_ chathub.Client  = (*mockClient)(nil)
)

func (m *MockStorage) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockStorage) SaveUser(ctx context.Context, user *models.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockStorage) FindPendingRequest(ctx context.Context, requesterID string) (*models.SupportRequest, error) {
	args := m.Called(ctx, requesterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SupportRequest), args.Error(1)
}

func (m *MockStorage) CreateRequest(ctx context.Context, req *models.SupportRequest) error {
	args := m.Called(ctx, req)
	if req.ID == "" {
		req.ID = "req-" + req.RequesterID
	}
	req.Status = models.StatusPending
	return args.Error(0)
}

func (m *MockStorage) ListPendingRequests(ctx context.Context, organizationID string) ([]models.SupportRequest, error) {
	args := m.Called(ctx, organizationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.SupportRequest), args.Error(1)
}

func (m *MockStorage) ListRequestsByRequester(ctx context.Context, requesterID string) ([]models.SupportRequest, error) {
	args := m.Called(ctx, requesterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.SupportRequest), args.Error(1)
}

func (m *MockStorage) ClaimRequest(ctx context.Context, requesterID, responderID string) (*models.ChatSession, error) {
	args := m.Called(ctx, requesterID, responderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatSession), args.Error(1)
}

func (m *MockStorage) CancelPendingRequest(ctx context.Context, requesterID string) (*models.SupportRequest, error) {
	args := m.Called(ctx, requesterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SupportRequest), args.Error(1)
}

func (m *MockStorage) GetSession(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatSession), args.Error(1)
}

func (m *MockStorage) FindOpenSessionForUser(ctx context.Context, userID string) (*models.ChatSession, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatSession), args.Error(1)
}

func (m *MockStorage) EndSession(ctx context.Context, sessionID, userID string) (*models.ChatSession, error) {
	args := m.Called(ctx, sessionID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatSession), args.Error(1)
}

func (m *MockStorage) SaveMessage(ctx context.Context, msg *models.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockStorage) LastMessage(ctx context.Context, sessionID string) (*models.Message, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Message), args.Error(1)
}

func (m *MockStorage) GetMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, sessionID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Message), args.Error(1)
}

// MockVerifier implements auth.Verifier.
type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, credential string) (*models.Identity, error) {
	args := m.Called(ctx, credential)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Identity), args.Error(1)
}

// MockBus records subscription changes.
type MockBus struct {
	mock.Mock
}

func (m *MockBus) Subscribe(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *MockBus) Unsubscribe(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *MockBus) Publish(ctx context.Context, userID string, ev *models.Event) error {
	return m.Called(ctx, userID, ev).Error(0)
}

func (m *MockBus) Advertise(ctx context.Context, ev *models.Event, audience chathub.Audience) error {
	return m.Called(ctx, ev, audience).Error(0)
}

// mockClient implements chathub.Client with a buffered inbox.
type mockClient struct {
	identity *models.Identity
	connID   string
	inbox    chan *models.Event

	mu     sync.Mutex
	closed bool
}

func newMockClient(userID string) *mockClient {
	return newClientWithIdentity(&models.Identity{ID: userID, Role: "student"}, 512)
}

func newResponderClient(userID, organizationID string) *mockClient {
	return newClientWithIdentity(&models.Identity{
		ID:             userID,
		Email:          userID + "@uni.edu",
		Role:           "student",
		OrganizationID: organizationID,
		IsResponder:    true,
	}, 512)
}

func newClientWithIdentity(identity *models.Identity, buffer int) *mockClient {
	return &mockClient{
		identity: identity,
		connID:   uuid.NewString(),
		inbox:    make(chan *models.Event, buffer),
	}
}

func (c *mockClient) GetUserID() string             { return c.identity.ID }
func (c *mockClient) GetConnID() string             { return c.connID }
func (c *mockClient) GetIdentity() *models.Identity { return c.identity }
func (c *mockClient) Run()                          {}

func (c *mockClient) Send(ev *models.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.inbox <- ev:
		return true
	default:
		return false
	}
}

func (c *mockClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *mockClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// next waits briefly for the next event.
func (c *mockClient) next(t *testing.T) *models.Event {
	t.Helper()
	select {
	case ev := <-c.inbox:
		return ev
	case <-time.After(time.Second):
		require.FailNow(t, "no event received", "client %s", c.identity.ID)
		return nil
	}
}

// drain returns everything received so far.
func (c *mockClient) drain() []*models.Event {
	var out []*models.Event
	for {
		select {
		case ev := <-c.inbox:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func typesOf(events []*models.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}
