package storage_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"peersupport/backend/internal/apperror"
	"peersupport/backend/internal/config"
	"peersupport/backend/internal/models"
	"peersupport/backend/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestStorage(t *testing.T) *storage.Service {
	t.Helper()
	return newLoggedTestStorage(t, zap.NewNop())
}

func newLoggedTestStorage(t *testing.T, log *zap.Logger) *storage.Service {
	t.Helper()

	cfg := &config.Config{}
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())

	db, err := storage.Open(cfg, log)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db))
	t.Cleanup(func() { _ = storage.Close(db) })

	return storage.NewStorageService(db)
}

func seedUser(t *testing.T, s *storage.Service, email, org string, volunteer bool) *models.User {
	t.Helper()
	u := &models.User{Email: email, Role: "student", OrganizationID: org, Volunteer: volunteer}
	require.NoError(t, s.SaveUser(context.Background(), u))
	return u
}

func TestGetUserByID(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	u := seedUser(t, s, "r@uni.edu", "org-1", false)

	got, err := s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r@uni.edu", got.Email)

	missing, err := s.GetUserByID(ctx, uuid.NewString())
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateRequest_OnePendingPerRequester(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	u := seedUser(t, s, "r@uni.edu", "", false)

	first := &models.SupportRequest{RequesterID: u.ID}
	require.NoError(t, s.CreateRequest(ctx, first))
	assert.Equal(t, models.StatusPending, first.Status)

	err := s.CreateRequest(ctx, &models.SupportRequest{RequesterID: u.ID})
	assert.ErrorIs(t, err, apperror.ErrDuplicateRequest)

	pending, err := s.FindPendingRequest(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, first.ID, pending.ID)
}

func TestCreateRequest_AllowedAgainAfterCancel(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	u := seedUser(t, s, "r@uni.edu", "", false)

	require.NoError(t, s.CreateRequest(ctx, &models.SupportRequest{RequesterID: u.ID}))
	_, err := s.CancelPendingRequest(ctx, u.ID)
	require.NoError(t, err)

	assert.NoError(t, s.CreateRequest(ctx, &models.SupportRequest{RequesterID: u.ID}))

	all, err := s.ListRequestsByRequester(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestClaimRequest_CreatesSession(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	r := seedUser(t, s, "r@uni.edu", "", false)
	v := seedUser(t, s, "v@uni.edu", "", true)

	req := &models.SupportRequest{RequesterID: r.ID}
	require.NoError(t, s.CreateRequest(ctx, req))

	session, err := s.ClaimRequest(ctx, r.ID, v.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, session.RequestID)
	assert.Equal(t, r.ID, session.RequesterID)
	assert.Equal(t, v.ID, session.ResponderID)
	assert.True(t, session.IsOpen())

	stored, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.RequestID, stored.RequestID)

	var reloaded models.SupportRequest
	require.NoError(t, s.DB.Where("id = ?", req.ID).First(&reloaded).Error)
	assert.Equal(t, models.StatusAccepted, reloaded.Status)
	require.NotNil(t, reloaded.SessionID)
	assert.Equal(t, session.ID, *reloaded.SessionID)

	pending, err := s.FindPendingRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestClaimRequest_MissingAndSecondClaimAreStale(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	r := seedUser(t, s, "r@uni.edu", "", false)

	_, err := s.ClaimRequest(ctx, r.ID, "v1")
	assert.ErrorIs(t, err, apperror.ErrStaleAccept)

	require.NoError(t, s.CreateRequest(ctx, &models.SupportRequest{RequesterID: r.ID}))
	_, err = s.ClaimRequest(ctx, r.ID, "v1")
	require.NoError(t, err)

	_, err = s.ClaimRequest(ctx, r.ID, "v2")
	assert.ErrorIs(t, err, apperror.ErrStaleAccept)
}

func TestClaimRequest_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	r := seedUser(t, s, "r@uni.edu", "", false)
	require.NoError(t, s.CreateRequest(ctx, &models.SupportRequest{RequesterID: r.ID}))

	const claimers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		stale   int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ClaimRequest(ctx, r.ID, fmt.Sprintf("v%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case assert.ErrorIs(t, err, apperror.ErrStaleAccept):
				stale++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, claimers-1, stale)

	var count int64
	require.NoError(t, s.DB.Model(&models.ChatSession{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestCancelPendingRequest(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	r := seedUser(t, s, "r@uni.edu", "", false)

	_, err := s.CancelPendingRequest(ctx, r.ID)
	assert.ErrorIs(t, err, apperror.ErrNotCancellable)

	require.NoError(t, s.CreateRequest(ctx, &models.SupportRequest{RequesterID: r.ID}))
	cancelled, err := s.CancelPendingRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	// Cancelled requests cannot be claimed.
	_, err = s.ClaimRequest(ctx, r.ID, "v1")
	assert.ErrorIs(t, err, apperror.ErrStaleAccept)
}

func TestCancelPendingRequest_AcceptedStaysAccepted(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	r := seedUser(t, s, "r@uni.edu", "", false)
	v := seedUser(t, s, "v@uni.edu", "", true)

	require.NoError(t, s.CreateRequest(ctx, &models.SupportRequest{RequesterID: r.ID}))
	session, err := s.ClaimRequest(ctx, r.ID, v.ID)
	require.NoError(t, err)

	_, err = s.CancelPendingRequest(ctx, r.ID)
	assert.ErrorIs(t, err, apperror.ErrNotCancellable)

	var stored models.SupportRequest
	require.NoError(t, s.DB.Where("requester_id = ?", r.ID).First(&stored).Error)
	assert.Equal(t, models.StatusAccepted, stored.Status)
	require.NotNil(t, stored.SessionID)
	assert.Equal(t, session.ID, *stored.SessionID)
}

func TestQueryLog_ExpectedMissesAreNotErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := newLoggedTestStorage(t, zap.New(core))
	ctx := context.Background()
	r := seedUser(t, s, "r@uni.edu", "", false)

	// every one of these is a normal miss
	pending, err := s.FindPendingRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Nil(t, pending)
	_, err = s.CancelPendingRequest(ctx, r.ID)
	assert.ErrorIs(t, err, apperror.ErrNotCancellable)
	_, err = s.ClaimRequest(ctx, r.ID, "v1")
	assert.ErrorIs(t, err, apperror.ErrStaleAccept)
	last, err := s.LastMessage(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, s.CreateRequest(ctx, &models.SupportRequest{RequesterID: r.ID}))
	err = s.CreateRequest(ctx, &models.SupportRequest{RequesterID: r.ID})
	assert.ErrorIs(t, err, apperror.ErrDuplicateRequest)

	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())

	// a real failure still reaches the log
	require.Error(t, s.DB.Exec("SELECT * FROM no_such_table").Error)
	failed := logs.FilterMessage("query failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "gorm", failed[0].LoggerName)
}

func TestListPendingRequests_OrganisationScope(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	a := seedUser(t, s, "a@uni.edu", "org-a", false)
	b := seedUser(t, s, "b@uni.edu", "org-b", false)
	n := seedUser(t, s, "n@uni.edu", "", false)

	require.NoError(t, s.CreateRequest(ctx, &models.SupportRequest{RequesterID: a.ID, OrganizationID: "org-a"}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.CreateRequest(ctx, &models.SupportRequest{RequesterID: b.ID, OrganizationID: "org-b"}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.CreateRequest(ctx, &models.SupportRequest{RequesterID: n.ID}))

	orgA, err := s.ListPendingRequests(ctx, "org-a")
	require.NoError(t, err)
	require.Len(t, orgA, 2)
	assert.Equal(t, n.ID, orgA[0].RequesterID, "newest first")
	assert.Equal(t, a.ID, orgA[1].RequesterID)
	require.NotNil(t, orgA[1].Requester)
	assert.Equal(t, "a@uni.edu", orgA[1].Requester.Email)

	unscoped, err := s.ListPendingRequests(ctx, "")
	require.NoError(t, err)
	require.Len(t, unscoped, 1, "a responder without an organisation sees unscoped requests only")
	assert.Equal(t, n.ID, unscoped[0].RequesterID)
}

func TestSessions_OpenAndEnd(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	r := seedUser(t, s, "r@uni.edu", "", false)
	v := seedUser(t, s, "v@uni.edu", "", true)
	require.NoError(t, s.CreateRequest(ctx, &models.SupportRequest{RequesterID: r.ID}))
	session, err := s.ClaimRequest(ctx, r.ID, v.ID)
	require.NoError(t, err)

	open, err := s.FindOpenSessionForUser(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, session.ID, open.ID)

	_, err = s.EndSession(ctx, session.ID, "stranger")
	assert.ErrorIs(t, err, apperror.ErrRouting)

	ended, err := s.EndSession(ctx, session.ID, r.ID)
	require.NoError(t, err)
	require.NotNil(t, ended.EndedAt)

	_, err = s.EndSession(ctx, session.ID, v.ID)
	assert.ErrorIs(t, err, apperror.ErrSessionClosed)

	open, err = s.FindOpenSessionForUser(ctx, r.ID)
	require.NoError(t, err)
	assert.Nil(t, open)

	_, err = s.GetSession(ctx, uuid.NewString())
	assert.ErrorIs(t, err, apperror.ErrSessionNotFound)
}

func TestMessages_OrderAndLimit(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	sessionID := uuid.NewString()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	last, err := s.LastMessage(ctx, sessionID)
	require.NoError(t, err)
	assert.Nil(t, last)

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.SaveMessage(ctx, &models.Message{
			SessionID: sessionID,
			Seq:       int64(i),
			SenderID:  "r",
			Body:      fmt.Sprintf("m%d", i),
			SentAt:    base.Add(time.Duration(i) * time.Microsecond),
		}))
	}

	dup := s.SaveMessage(ctx, &models.Message{SessionID: sessionID, Seq: 3, SenderID: "r", Body: "x", SentAt: base})
	assert.ErrorIs(t, dup, apperror.ErrPersistence)

	last, err = s.LastMessage(ctx, sessionID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, last.Seq)

	all, err := s.GetMessages(ctx, sessionID, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, m := range all {
		assert.EqualValues(t, i+1, m.Seq)
	}

	tail, err := s.GetMessages(ctx, sessionID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "m4", tail[0].Body)
	assert.Equal(t, "m5", tail[1].Body)
}
