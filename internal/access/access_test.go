package access

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mediaconsole/internal/accessapi"
	"mediaconsole/internal/models"
	"mediaconsole/internal/querycache"
)

// fakePlatform is an in-memory stand-in for the platform client. Each request
// grants access to its media item for its requester once approved.
type fakePlatform struct {
	mu       sync.Mutex
	nextID   int64
	requests []models.MediaAccessRequest
	locked   map[int64]bool

	permissionCalls int32
	requestCalls    int32
	assetCalls      int32
	mutationCalls   int32
	failMutations   error
	gate            chan struct{}
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{locked: map[int64]bool{}}
}

func (f *fakePlatform) GetAccessRequests(_ context.Context, filter models.AccessRequestFilter) ([]models.MediaAccessRequest, error) {
	atomic.AddInt32(&f.requestCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.MediaAccessRequest{}
	for _, r := range f.requests {
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.MediaID != nil && r.MediaID != *filter.MediaID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakePlatform) CheckAccessPermission(ctx context.Context, mediaID int64, userID *int64, _ *string) (models.AccessPermissionResult, error) {
	atomic.AddInt32(&f.permissionCalls, 1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return models.AccessPermissionResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r.MediaID != mediaID || r.Status != models.AccessApproved {
			continue
		}
		if userID != nil && r.RequesterUserID != nil && *r.RequesterUserID == *userID {
			id := r.ID
			return models.AccessPermissionResult{HasAccess: true, Reason: "approved", RequestID: &id}, nil
		}
	}
	return models.AccessPermissionResult{HasAccess: false, Reason: "no approved request"}, nil
}

func (f *fakePlatform) GetAccessAssets(context.Context, models.AccessAssetFilter) ([]models.AccessAsset, error) {
	atomic.AddInt32(&f.assetCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return []models.AccessAsset{{MediaID: 42, Title: "Session 3", IsLocked: f.locked[42]}}, nil
}

func (f *fakePlatform) GetAccessAsset(_ context.Context, mediaID int64) (models.AccessAsset, error) {
	atomic.AddInt32(&f.assetCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.AccessAsset{MediaID: mediaID, IsLocked: f.locked[mediaID]}, nil
}

func (f *fakePlatform) CreateAccessRequest(_ context.Context, mediaID int64, in models.CreateAccessRequestInput) (models.MediaAccessRequest, error) {
	atomic.AddInt32(&f.mutationCalls, 1)
	if f.failMutations != nil {
		return models.MediaAccessRequest{}, f.failMutations
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r := models.MediaAccessRequest{
		ID:              f.nextID,
		MediaID:         mediaID,
		RequesterUserID: in.RequesterUserID,
		RequestReason:   in.RequestReason,
		Status:          models.AccessPending,
	}
	f.requests = append(f.requests, r)
	return r, nil
}

func (f *fakePlatform) ProcessAccessRequest(_ context.Context, requestID int64, in models.ProcessAccessRequestInput) (models.MediaAccessRequest, error) {
	atomic.AddInt32(&f.mutationCalls, 1)
	if f.failMutations != nil {
		return models.MediaAccessRequest{}, f.failMutations
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.requests {
		r := &f.requests[i]
		if r.ID != requestID {
			continue
		}
		if !r.IsPending() {
			return models.MediaAccessRequest{}, &accessapi.ConflictError{RequestID: requestID, Message: "request is not pending"}
		}
		admin := in.AdminID
		r.Status = in.Status
		r.AdminID = &admin
		r.AdminNotes = in.AdminNotes
		r.ExpiryDate = in.ExpiryDate
		return *r, nil
	}
	return models.MediaAccessRequest{}, &accessapi.RemoteError{Op: "process", StatusCode: 404, Code: "not_found", Message: "no such request"}
}

func (f *fakePlatform) ToggleLockStatus(_ context.Context, mediaID int64, isLocked bool, _ *int64) error {
	atomic.AddInt32(&f.mutationCalls, 1)
	if f.failMutations != nil {
		return f.failMutations
	}
	f.mu.Lock()
	f.locked[mediaID] = isLocked
	f.mu.Unlock()
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.AccessEvent
	err    error
}

func (s *recordingSink) RecordEvent(_ context.Context, ev models.AccessEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) Notify(ctx context.Context, ev models.AccessEvent) error {
	return s.RecordEvent(ctx, ev)
}

func ptr[T any](v T) *T { return &v }

func setup(t *testing.T, opts ...CoordinatorOption) (*fakePlatform, *querycache.Cache, *Queries, *Coordinator) {
	t.Helper()
	api := newFakePlatform()
	cache := querycache.New()
	coord := NewCoordinator(api, cache, zap.NewNop(), opts...)
	t.Cleanup(coord.Close)
	return api, cache, NewQueries(api, cache), coord
}

func TestPermissionKeyLayout(t *testing.T) {
	k := PermissionKey(42, ptr(int64(7)), nil)
	assert.Equal(t, querycache.Key{"accessPermission", "42", "u:7", "d:"}, k)
	assert.True(t, k.HasPrefix(PermissionMediaPrefix(42)))
	assert.False(t, PermissionKey(420, nil, nil).HasPrefix(PermissionMediaPrefix(42)))
	assert.False(t, AssetKey(42).HasPrefix(querycache.NewKey(AssetsQuery)))
}

func TestQueriesCoalesceConcurrentPermissionChecks(t *testing.T) {
	api, _, q, _ := setup(t)
	api.gate = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := q.AccessPermission(context.Background(), 42, ptr(int64(7)), nil)
			assert.NoError(t, err)
			assert.False(t, res.HasAccess)
		}()
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&api.permissionCalls) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(api.gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&api.permissionCalls))
}

func TestFilterVariantsAreCachedSeparately(t *testing.T) {
	api, _, q, _ := setup(t)
	ctx := context.Background()
	pending := models.AccessPending

	_, err := q.AccessRequests(ctx, models.AccessRequestFilter{})
	require.NoError(t, err)
	_, err = q.AccessRequests(ctx, models.AccessRequestFilter{Status: &pending})
	require.NoError(t, err)
	_, err = q.AccessRequests(ctx, models.AccessRequestFilter{})
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&api.requestCalls))
}

func TestCreateInvalidatesRequestsAndMediaPermissions(t *testing.T) {
	api, cache, q, coord := setup(t)
	ctx := context.Background()
	pending := models.AccessPending

	_, err := q.AccessRequests(ctx, models.AccessRequestFilter{Status: &pending})
	require.NoError(t, err)
	_, err = q.AccessPermission(ctx, 42, ptr(int64(7)), nil)
	require.NoError(t, err)
	_, err = q.AccessPermission(ctx, 43, ptr(int64(7)), nil)
	require.NoError(t, err)
	_, err = q.AccessAsset(ctx, 42)
	require.NoError(t, err)

	created, err := coord.CreateAccessRequest(ctx, 42, models.CreateAccessRequestInput{RequesterUserID: ptr(int64(7))})
	require.NoError(t, err)
	assert.Equal(t, models.AccessPending, created.Status)

	_, ok := cache.Get(RequestsKey(models.AccessRequestFilter{Status: &pending}))
	assert.False(t, ok)
	_, ok = cache.Get(PermissionKey(42, ptr(int64(7)), nil))
	assert.False(t, ok)
	_, ok = cache.Get(PermissionKey(43, ptr(int64(7)), nil))
	assert.True(t, ok)
	_, ok = cache.Get(AssetKey(42))
	assert.True(t, ok)

	list, err := q.AccessRequests(ctx, models.AccessRequestFilter{Status: &pending})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&api.mutationCalls))
}

func TestApprovalFlipsCachedPermission(t *testing.T) {
	_, cache, q, coord := setup(t)
	ctx := context.Background()

	req, err := coord.CreateAccessRequest(ctx, 42, models.CreateAccessRequestInput{RequesterUserID: ptr(int64(7))})
	require.NoError(t, err)

	before, err := q.AccessPermission(ctx, 42, ptr(int64(7)), nil)
	require.NoError(t, err)
	assert.False(t, before.HasAccess)
	_, ok := cache.Get(PermissionKey(42, ptr(int64(7)), nil))
	require.True(t, ok)

	processed, err := coord.ProcessAccessRequest(ctx, req.ID, models.ProcessAccessRequestInput{Status: models.AccessApproved, AdminID: 9})
	require.NoError(t, err)
	assert.Equal(t, models.AccessApproved, processed.Status)
	require.NotNil(t, processed.AdminID)

	after, err := q.AccessPermission(ctx, 42, ptr(int64(7)), nil)
	require.NoError(t, err)
	assert.True(t, after.HasAccess)
	require.NotNil(t, after.RequestID)
	assert.Equal(t, req.ID, *after.RequestID)
}

func TestProcessConflictLeavesCacheUntouched(t *testing.T) {
	api, cache, q, coord := setup(t)
	ctx := context.Background()

	req, err := coord.CreateAccessRequest(ctx, 42, models.CreateAccessRequestInput{RequesterUserID: ptr(int64(7))})
	require.NoError(t, err)
	_, err = coord.ProcessAccessRequest(ctx, req.ID, models.ProcessAccessRequestInput{Status: models.AccessRejected, AdminID: 9})
	require.NoError(t, err)

	_, err = q.AccessRequests(ctx, models.AccessRequestFilter{})
	require.NoError(t, err)
	_, err = q.AccessPermission(ctx, 42, ptr(int64(7)), nil)
	require.NoError(t, err)
	before := cache.Snapshot()
	calls := atomic.LoadInt32(&api.mutationCalls)

	_, err = coord.ProcessAccessRequest(ctx, req.ID, models.ProcessAccessRequestInput{Status: models.AccessApproved, AdminID: 9})
	var conflict *accessapi.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, req.ID, conflict.RequestID)

	assert.Equal(t, before, cache.Snapshot())
	assert.Equal(t, calls+1, atomic.LoadInt32(&api.mutationCalls))
}

func TestFailedMutationReturnsErrorUnchanged(t *testing.T) {
	sink := &recordingSink{}
	api, cache, q, coord := setup(t, WithAudit(sink), WithNotifier(sink))
	ctx := context.Background()

	_, err := q.AccessAssets(ctx, models.AccessAssetFilter{})
	require.NoError(t, err)
	_, err = q.AccessAsset(ctx, 42)
	require.NoError(t, err)
	before := cache.Snapshot()

	boom := &accessapi.TransportError{Op: "toggle lock", Err: errors.New("connection refused")}
	api.failMutations = boom

	err = coord.ToggleLockStatus(ctx, 42, true, ptr(int64(9)))
	assert.Same(t, boom, err)
	assert.Equal(t, before, cache.Snapshot())
	coord.Close()
	assert.Empty(t, sink.events)
}

func TestToggleLockInvalidatesAssets(t *testing.T) {
	api, cache, q, coord := setup(t)
	ctx := context.Background()

	_, err := q.AccessAssets(ctx, models.AccessAssetFilter{})
	require.NoError(t, err)
	_, err = q.AccessAsset(ctx, 42)
	require.NoError(t, err)
	_, err = q.AccessAsset(ctx, 43)
	require.NoError(t, err)
	_, err = q.AccessPermission(ctx, 42, nil, nil)
	require.NoError(t, err)

	res, err := coord.Execute(ctx, ToggleLock{MediaID: 42, IsLocked: true, AdminID: ptr(int64(9))})
	require.NoError(t, err)
	assert.Equal(t, models.EventLockChanged, res.Kind)
	assert.Equal(t, 2, res.Invalidated)
	assert.Nil(t, res.Request)

	_, ok := cache.Get(AssetKey(43))
	assert.True(t, ok)
	_, ok = cache.Get(PermissionKey(42, nil, nil))
	assert.True(t, ok)

	asset, err := q.AccessAsset(ctx, 42)
	require.NoError(t, err)
	assert.True(t, asset.IsLocked)
	assets, err := q.AccessAssets(ctx, models.AccessAssetFilter{})
	require.NoError(t, err)
	assert.True(t, assets[0].IsLocked)
	assert.Equal(t, int32(5), atomic.LoadInt32(&api.assetCalls))
}

func TestSuccessfulMutationIsAuditedAndNotified(t *testing.T) {
	audit := &recordingSink{err: errors.New("disk full")}
	notifier := &recordingSink{}
	now := time.Date(2024, 12, 1, 10, 0, 0, 0, time.UTC)
	_, _, _, coord := setup(t, WithAudit(audit), WithNotifier(notifier), WithCoordinatorClock(func() time.Time { return now }))
	ctx := context.Background()

	req, err := coord.CreateAccessRequest(ctx, 42, models.CreateAccessRequestInput{RequesterUserID: ptr(int64(7))})
	require.NoError(t, err)
	_, err = coord.ProcessAccessRequest(ctx, req.ID, models.ProcessAccessRequestInput{
		Status:     models.AccessApproved,
		AdminID:    9,
		AdminNotes: ptr("ok for the review"),
	})
	require.NoError(t, err)
	coord.Close()

	require.Len(t, audit.events, 2)
	require.Len(t, notifier.events, 2)
	ev := audit.events[1]
	assert.Equal(t, models.EventRequestProcessed, ev.Kind)
	assert.Equal(t, int64(42), ev.MediaID)
	assert.Equal(t, models.AccessApproved, ev.Status)
	require.NotNil(t, ev.AdminID)
	assert.Equal(t, int64(9), *ev.AdminID)
	assert.Equal(t, now, ev.OccurredAt)
}

func TestMutationStartedBeforeCancelStillInvalidates(t *testing.T) {
	ctx := context.Background()
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sink := &cancelOnAudit{cancel: cancel}
	_, cache, q, coord := setup(t, WithAudit(sink))
	_, err := q.AccessAsset(ctx, 42)
	require.NoError(t, err)

	require.NoError(t, coord.ToggleLockStatus(cctx, 42, true, nil))
	_, ok := cache.Get(AssetKey(42))
	assert.False(t, ok)
	coord.Close()
	assert.NoError(t, sink.ctxErr)
}

func TestSlowNotifierDoesNotDelayMutation(t *testing.T) {
	notifier := &blockingNotifier{release: make(chan struct{})}
	audit := &recordingSink{}
	_, _, _, coord := setup(t, WithAudit(audit), WithNotifier(notifier))

	done := make(chan error, 1)
	go func() {
		done <- coord.ToggleLockStatus(context.Background(), 42, true, ptr(int64(9)))
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("mutation waited for the notifier")
	}

	close(notifier.release)
	coord.Close()
	assert.Len(t, audit.events, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&notifier.calls))

	// Events after Close are still delivered, inline.
	require.NoError(t, coord.ToggleLockStatus(context.Background(), 42, false, nil))
	assert.Len(t, audit.events, 2)
}

type blockingNotifier struct {
	release chan struct{}
	calls   int32
}

func (n *blockingNotifier) Notify(ctx context.Context, _ models.AccessEvent) error {
	atomic.AddInt32(&n.calls, 1)
	select {
	case <-n.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelOnAudit cancels the caller's context before the audit write runs.
type cancelOnAudit struct {
	cancel context.CancelFunc
	ctxErr error
}

func (c *cancelOnAudit) RecordEvent(ctx context.Context, _ models.AccessEvent) error {
	c.cancel()
	c.ctxErr = ctx.Err()
	return nil
}
