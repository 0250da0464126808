package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mediaconsole/internal/access"
	"mediaconsole/internal/models"
	"mediaconsole/internal/permission"
)

// ErrAdminRequired is returned when a decision has no admin to attribute it to.
var ErrAdminRequired = errors.New("admin id required")

type AuditLog interface {
	ListAudit(ctx context.Context, q models.AuditQuery) ([]models.AuditEntry, error)
	GetAudit(ctx context.Context, id string) (models.AuditEntry, error)
	Ping(ctx context.Context) error
}

// Service is what the HTTP handlers talk to: cached reads, coordinated
// writes, permission views and the audit trail.
type Service struct {
	queries *access.Queries
	coord   *access.Coordinator
	audit   AuditLog
	logger  *zap.Logger
	now     func() time.Time
}

func New(queries *access.Queries, coord *access.Coordinator, audit AuditLog, logger *zap.Logger) *Service {
	return &Service{queries: queries, coord: coord, audit: audit, logger: logger, now: time.Now}
}

func (s *Service) CreateAccessRequest(ctx context.Context, mediaID int64, in models.CreateAccessRequestInput) (models.MediaAccessRequest, error) {
	return s.coord.CreateAccessRequest(ctx, mediaID, in)
}

func (s *Service) ListAccessRequests(ctx context.Context, f models.AccessRequestFilter) ([]models.MediaAccessRequest, error) {
	return s.queries.AccessRequests(ctx, f)
}

// ProcessAccessRequest attributes the decision to adminID. A zero adminID
// falls back to in.AdminID, which only unauthenticated deployments send.
func (s *Service) ProcessAccessRequest(ctx context.Context, requestID, adminID int64, in models.ProcessAccessRequestInput) (models.MediaAccessRequest, error) {
	if adminID > 0 {
		in.AdminID = adminID
	}
	if in.AdminID <= 0 {
		return models.MediaAccessRequest{}, ErrAdminRequired
	}
	return s.coord.ProcessAccessRequest(ctx, requestID, in)
}

func (s *Service) Permission(ctx context.Context, mediaID int64, userID *int64, deviceID *string) (permission.View, error) {
	res, err := s.queries.AccessPermission(ctx, mediaID, userID, deviceID)
	if err != nil {
		return permission.View{}, err
	}
	return permission.Derive(res, s.now(), s.logger.With(zap.Int64("media_id", mediaID))), nil
}

func (s *Service) ListAccessAssets(ctx context.Context, f models.AccessAssetFilter) ([]models.AccessAsset, error) {
	return s.queries.AccessAssets(ctx, f)
}

func (s *Service) GetAccessAsset(ctx context.Context, mediaID int64) (models.AccessAsset, error) {
	return s.queries.AccessAsset(ctx, mediaID)
}

func (s *Service) SetLock(ctx context.Context, mediaID int64, isLocked bool, adminID *int64) error {
	return s.coord.ToggleLockStatus(ctx, mediaID, isLocked, adminID)
}

func (s *Service) ListAudit(ctx context.Context, q models.AuditQuery) ([]models.AuditEntry, error) {
	items, err := s.audit.ListAudit(ctx, q)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].SummaryText, items[i].Severity = buildAuditSummary(items[i])
	}
	return items, nil
}

func (s *Service) GetAudit(ctx context.Context, id string) (models.AuditEntry, error) {
	entry, err := s.audit.GetAudit(ctx, id)
	if err != nil {
		return models.AuditEntry{}, err
	}
	entry.SummaryText, entry.Severity = buildAuditSummary(entry)
	return entry, nil
}

func (s *Service) Ready(ctx context.Context) error {
	return s.audit.Ping(ctx)
}

func buildAuditSummary(entry models.AuditEntry) (string, string) {
	meta := parseAuditMetadata(entry.MetadataJSON)
	target := strings.TrimSpace(entry.Target)
	if target == "" {
		target = "(n/a)"
	}
	by := ""
	if entry.AdminID != nil {
		by = fmt.Sprintf(" by admin %d", *entry.AdminID)
	}

	switch models.AccessEventKind(entry.Action) {
	case models.EventRequestCreated:
		return fmt.Sprintf("Access requested for media %s (%s).", meta["media_id"], target), "info"
	case models.EventRequestProcessed:
		status := meta["status"]
		severity := "ok"
		if status == string(models.AccessRejected) {
			severity = "warning"
		}
		text := fmt.Sprintf("Access request %s%s (%s).", status, by, target)
		if exp := meta["expiry_date"]; exp != "" {
			text = fmt.Sprintf("Access request %s%s until %s (%s).", status, by, exp, target)
		}
		return text, severity
	case models.EventLockChanged:
		if meta["is_locked"] == "false" {
			return fmt.Sprintf("Media %s unlocked%s.", meta["media_id"], by), "info"
		}
		return fmt.Sprintf("Media %s locked%s.", meta["media_id"], by), "warning"
	default:
		if action := strings.TrimSpace(entry.Action); action != "" {
			return fmt.Sprintf("Audit event %s on %s.", action, target), "info"
		}
		return fmt.Sprintf("Audit event on %s.", target), "info"
	}
}

func parseAuditMetadata(raw string) map[string]string {
	out := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return out
	}
	for key, value := range decoded {
		switch typed := value.(type) {
		case string:
			out[key] = typed
		case float64:
			out[key] = fmt.Sprintf("%.0f", typed)
		case bool:
			if typed {
				out[key] = "true"
			} else {
				out[key] = "false"
			}
		default:
			out[key] = fmt.Sprintf("%v", typed)
		}
	}
	return out
}
