package access

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mediaconsole/internal/models"
	"mediaconsole/internal/querycache"
)

// Writer is the write side of the platform client.
type Writer interface {
	CreateAccessRequest(ctx context.Context, mediaID int64, in models.CreateAccessRequestInput) (models.MediaAccessRequest, error)
	ProcessAccessRequest(ctx context.Context, requestID int64, in models.ProcessAccessRequestInput) (models.MediaAccessRequest, error)
	ToggleLockStatus(ctx context.Context, mediaID int64, isLocked bool, adminID *int64) error
}

type AuditSink interface {
	RecordEvent(ctx context.Context, ev models.AccessEvent) error
}

type Notifier interface {
	Notify(ctx context.Context, ev models.AccessEvent) error
}

// Mutation is one state-changing platform call together with the cache
// families it can make stale.
type Mutation interface {
	Kind() models.AccessEventKind
	apply(ctx context.Context, api Writer) (*models.MediaAccessRequest, error)
	invalidates() []querycache.Key
	event(req *models.MediaAccessRequest) models.AccessEvent
}

type CreateRequest struct {
	MediaID int64
	Input   models.CreateAccessRequestInput
}

func (m CreateRequest) Kind() models.AccessEventKind { return models.EventRequestCreated }

func (m CreateRequest) apply(ctx context.Context, api Writer) (*models.MediaAccessRequest, error) {
	r, err := api.CreateAccessRequest(ctx, m.MediaID, m.Input)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (m CreateRequest) invalidates() []querycache.Key {
	return []querycache.Key{
		querycache.NewKey(RequestsQuery),
		PermissionMediaPrefix(m.MediaID),
	}
}

func (m CreateRequest) event(req *models.MediaAccessRequest) models.AccessEvent {
	return models.AccessEvent{
		Kind:      m.Kind(),
		MediaID:   m.MediaID,
		RequestID: &req.ID,
		Status:    req.Status,
		Notes:     m.Input.RequestReason,
	}
}

// ProcessRequest approves or rejects a pending request. Which media it touches
// is not needed: every permission entry is dropped.
type ProcessRequest struct {
	RequestID int64
	Input     models.ProcessAccessRequestInput
}

func (m ProcessRequest) Kind() models.AccessEventKind { return models.EventRequestProcessed }

func (m ProcessRequest) apply(ctx context.Context, api Writer) (*models.MediaAccessRequest, error) {
	r, err := api.ProcessAccessRequest(ctx, m.RequestID, m.Input)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (m ProcessRequest) invalidates() []querycache.Key {
	return []querycache.Key{
		querycache.NewKey(RequestsQuery),
		querycache.NewKey(PermissionQuery),
	}
}

func (m ProcessRequest) event(req *models.MediaAccessRequest) models.AccessEvent {
	adminID := m.Input.AdminID
	return models.AccessEvent{
		Kind:       m.Kind(),
		MediaID:    req.MediaID,
		RequestID:  &m.RequestID,
		AdminID:    &adminID,
		Status:     m.Input.Status,
		Notes:      m.Input.AdminNotes,
		ExpiryDate: m.Input.ExpiryDate,
	}
}

type ToggleLock struct {
	MediaID  int64
	IsLocked bool
	AdminID  *int64
}

func (m ToggleLock) Kind() models.AccessEventKind { return models.EventLockChanged }

func (m ToggleLock) apply(ctx context.Context, api Writer) (*models.MediaAccessRequest, error) {
	return nil, api.ToggleLockStatus(ctx, m.MediaID, m.IsLocked, m.AdminID)
}

func (m ToggleLock) invalidates() []querycache.Key {
	return []querycache.Key{
		querycache.NewKey(AssetsQuery),
		AssetKey(m.MediaID),
	}
}

func (m ToggleLock) event(*models.MediaAccessRequest) models.AccessEvent {
	locked := m.IsLocked
	return models.AccessEvent{
		Kind:     m.Kind(),
		MediaID:  m.MediaID,
		AdminID:  m.AdminID,
		IsLocked: &locked,
	}
}

type Result struct {
	Kind        models.AccessEventKind
	Request     *models.MediaAccessRequest
	Invalidated int
	CompletedAt time.Time
}

// Coordinator runs mutations against the platform and, only when the platform
// accepts them, drops the cache entries they made stale.
type Coordinator struct {
	api      Writer
	cache    *querycache.Cache
	audit    AuditSink
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	closed bool
	events chan published
	done   chan struct{}
}

type published struct {
	ctx context.Context
	ev  models.AccessEvent
}

const (
	eventQueueSize = 256
	publishTimeout = 10 * time.Second
)

type CoordinatorOption func(*Coordinator)

func WithAudit(s AuditSink) CoordinatorOption { return func(c *Coordinator) { c.audit = s } }

func WithNotifier(n Notifier) CoordinatorOption { return func(c *Coordinator) { c.notifier = n } }

func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(api Writer, cache *querycache.Cache, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{api: api, cache: cache, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.audit != nil || c.notifier != nil {
		c.events = make(chan published, eventQueueSize)
		c.done = make(chan struct{})
		go c.drain()
	}
	return c
}

// Close stops accepting events and waits until the queued ones are delivered.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed || c.events == nil {
		c.closed = true
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.events)
	c.mu.Unlock()
	<-c.done
}

func (c *Coordinator) drain() {
	defer close(c.done)
	for p := range c.events {
		c.publish(p.ctx, p.ev)
	}
}

// enqueue hands ev to the delivery goroutine. It blocks only when the queue
// is full; after Close the event is delivered inline.
func (c *Coordinator) enqueue(ctx context.Context, ev models.AccessEvent) {
	if c.events == nil {
		return
	}
	p := published{ctx: context.WithoutCancel(ctx), ev: ev}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.publish(p.ctx, p.ev)
		return
	}
	c.events <- p
}

// Execute issues exactly one platform call. A failed call leaves the cache
// untouched and its error is returned as is.
func (c *Coordinator) Execute(ctx context.Context, m Mutation) (Result, error) {
	req, err := m.apply(ctx, c.api)
	if err != nil {
		c.logger.Info("Mutation rejected", zap.String("mutation", string(m.Kind())), zap.Error(err))
		return Result{}, err
	}

	res := Result{Kind: m.Kind(), Request: req}
	for _, k := range m.invalidates() {
		res.Invalidated += c.cache.Invalidate(k)
	}
	res.CompletedAt = c.now()

	ev := m.event(req)
	ev.OccurredAt = res.CompletedAt
	c.logger.Info("Mutation applied",
		zap.String("mutation", string(m.Kind())),
		zap.Int64("media_id", ev.MediaID),
		zap.Int("invalidated", res.Invalidated),
	)
	c.enqueue(ctx, ev)
	return res, nil
}

// publish records and announces ev. Failures are logged only: the platform
// already accepted the change.
func (c *Coordinator) publish(ctx context.Context, ev models.AccessEvent) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if c.audit != nil {
		if err := c.audit.RecordEvent(ctx, ev); err != nil {
			c.logger.Error("Failed to record audit entry", zap.String("mutation", string(ev.Kind)), zap.Error(err))
		}
	}
	if c.notifier != nil {
		if err := c.notifier.Notify(ctx, ev); err != nil {
			c.logger.Warn("Failed to send notification", zap.String("mutation", string(ev.Kind)), zap.Error(err))
		}
	}
}

func (c *Coordinator) CreateAccessRequest(ctx context.Context, mediaID int64, in models.CreateAccessRequestInput) (models.MediaAccessRequest, error) {
	res, err := c.Execute(ctx, CreateRequest{MediaID: mediaID, Input: in})
	if err != nil {
		return models.MediaAccessRequest{}, err
	}
	return *res.Request, nil
}

func (c *Coordinator) ProcessAccessRequest(ctx context.Context, requestID int64, in models.ProcessAccessRequestInput) (models.MediaAccessRequest, error) {
	res, err := c.Execute(ctx, ProcessRequest{RequestID: requestID, Input: in})
	if err != nil {
		return models.MediaAccessRequest{}, err
	}
	return *res.Request, nil
}

func (c *Coordinator) ToggleLockStatus(ctx context.Context, mediaID int64, isLocked bool, adminID *int64) error {
	_, err := c.Execute(ctx, ToggleLock{MediaID: mediaID, IsLocked: isLocked, AdminID: adminID})
	return err
}
