package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediaconsole/internal/accessapi"
	"mediaconsole/internal/auth"
	"mediaconsole/internal/config"
	"mediaconsole/internal/middleware"
	"mediaconsole/internal/models"
	"mediaconsole/internal/rate"
	"mediaconsole/internal/service"
	"mediaconsole/internal/store"
	"mediaconsole/internal/util"
	"mediaconsole/internal/version"
)

const maxBodyBytes = 64 << 10

type Handlers struct {
	cfg     config.Config
	svc     *service.Service
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewRouter(cfg config.Config, svc *service.Service, verifier *auth.Verifier, logger *zap.Logger) http.Handler {
	h := &Handlers{
		cfg:     cfg,
		svc:     svc,
		limiter: rate.NewLimiter(cfg.RateLimitPerMinute),
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger(logger, cfg.TrustProxy))
	r.Use(middleware.SecurityHeaders)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", h.Ready)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(h.limiter, cfg.TrustProxy))
		r.Use(middleware.AdminAuth(verifier))

		r.Get("/access-requests", h.ListAccessRequests)
		r.Post("/access-requests/{id}/process", h.ProcessAccessRequest)
		r.Get("/access-permission", h.AccessPermission)
		r.Get("/access-assets", h.ListAccessAssets)
		r.Get("/access-assets/{mediaId}", h.GetAccessAsset)
		r.Post("/media/{mediaId}/access-requests", h.CreateAccessRequest)
		r.Post("/media/{mediaId}/lock", h.SetLock)
		r.Get("/admin/audit-log", h.AdminAuditLog)
		r.Get("/admin/audit-log/{id}", h.AdminAuditEntry)
		r.Get("/admin/system/version", func(w http.ResponseWriter, r *http.Request) {
			util.WriteJSON(w, 200, version.Current())
		})
	})
	return r
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ready := map[string]any{"checked_at": time.Now().UTC().Format(time.RFC3339)}
	if err := h.svc.Ready(r.Context()); err != nil {
		ready["status"] = "degraded"
		ready["components"] = map[string]any{"audit_db": map[string]any{"ok": false, "error": err.Error()}}
		util.WriteJSON(w, 503, ready)
		return
	}
	ready["status"] = "ready"
	ready["components"] = map[string]any{"audit_db": map[string]any{"ok": true}}
	util.WriteJSON(w, 200, ready)
}

type createRequestBody struct {
	RequesterUserID   *int64  `json:"requesterUserId"`
	RequesterDeviceID *string `json:"requesterDeviceId"`
	RequestReason     *string `json:"requestReason"`
}

func (h *Handlers) CreateAccessRequest(w http.ResponseWriter, r *http.Request) {
	mediaID, ok := h.pathID(w, r, "mediaId")
	if !ok {
		return
	}
	var body createRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	created, err := h.svc.CreateAccessRequest(r.Context(), mediaID, models.CreateAccessRequestInput{
		RequesterUserID:   body.RequesterUserID,
		RequesterDeviceID: body.RequesterDeviceID,
		RequestReason:     body.RequestReason,
	})
	if err != nil {
		h.writeAccessError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, created)
}

var requestFilterParams = map[string]bool{
	"status": true, "mediaId": true, "userId": true, "deviceId": true, "createdFrom": true, "createdTo": true,
}

func (h *Handlers) ListAccessRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if name, ok := unknownParam(q, requestFilterParams); ok {
		h.badRequest(w, r, fmt.Sprintf("unknown filter %q", name))
		return
	}
	var f models.AccessRequestFilter
	var err error
	if v := q.Get("status"); v != "" {
		s := models.AccessStatus(v)
		if !s.Valid() {
			h.badRequest(w, r, "status must be one of pending, approved, rejected")
			return
		}
		f.Status = &s
	}
	if f.MediaID, err = optionalID(q, "mediaId"); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}
	if f.UserID, err = optionalID(q, "userId"); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}
	f.DeviceID = optionalString(q, "deviceId")
	for _, p := range []struct {
		name string
		dst  **string
	}{{"createdFrom", &f.CreatedFrom}, {"createdTo", &f.CreatedTo}} {
		v := optionalString(q, p.name)
		if v != nil {
			if _, err := models.ParseTimestamp(*v); err != nil {
				h.badRequest(w, r, p.name+" must be an ISO-8601 timestamp")
				return
			}
		}
		*p.dst = v
	}

	items, err := h.svc.ListAccessRequests(r.Context(), f)
	if err != nil {
		h.writeAccessError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]any{"items": items})
}

type processRequestBody struct {
	Status     string  `json:"status"`
	AdminNotes *string `json:"adminNotes"`
	ExpiryDate *string `json:"expiryDate"`
	AdminID    int64   `json:"adminId"`
}

func (h *Handlers) ProcessAccessRequest(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var body processRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	status := models.AccessStatus(body.Status)
	if status != models.AccessApproved && status != models.AccessRejected {
		h.badRequest(w, r, "status must be approved or rejected")
		return
	}
	if body.ExpiryDate != nil {
		if _, err := models.ParseTimestamp(*body.ExpiryDate); err != nil {
			h.badRequest(w, r, "expiryDate must be an ISO-8601 timestamp")
			return
		}
	}
	adminID, _ := middleware.AdminID(r.Context())
	processed, err := h.svc.ProcessAccessRequest(r.Context(), requestID, adminID, models.ProcessAccessRequestInput{
		Status:     status,
		AdminID:    body.AdminID,
		AdminNotes: body.AdminNotes,
		ExpiryDate: body.ExpiryDate,
	})
	if err != nil {
		h.writeAccessError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, processed)
}

func (h *Handlers) AccessPermission(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mediaID, err := optionalID(q, "mediaId")
	if err != nil || mediaID == nil {
		h.badRequest(w, r, "mediaId must be a positive integer")
		return
	}
	userID, err := optionalID(q, "userId")
	if err != nil {
		h.badRequest(w, r, err.Error())
		return
	}
	view, err := h.svc.Permission(r.Context(), *mediaID, userID, optionalString(q, "deviceId"))
	if err != nil {
		h.writeAccessError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, view)
}

func (h *Handlers) ListAccessAssets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f models.AccessAssetFilter
	if v := q.Get("isLocked"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.badRequest(w, r, "isLocked must be true or false")
			return
		}
		f.IsLocked = &b
	}
	f.Search = optionalString(q, "search")
	items, err := h.svc.ListAccessAssets(r.Context(), f)
	if err != nil {
		h.writeAccessError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]any{"items": items})
}

func (h *Handlers) GetAccessAsset(w http.ResponseWriter, r *http.Request) {
	mediaID, ok := h.pathID(w, r, "mediaId")
	if !ok {
		return
	}
	asset, err := h.svc.GetAccessAsset(r.Context(), mediaID)
	if err != nil {
		h.writeAccessError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, asset)
}

type lockBody struct {
	IsLocked *bool `json:"isLocked"`
}

func (h *Handlers) SetLock(w http.ResponseWriter, r *http.Request) {
	mediaID, ok := h.pathID(w, r, "mediaId")
	if !ok {
		return
	}
	var body lockBody
	if !h.decode(w, r, &body) {
		return
	}
	if body.IsLocked == nil {
		h.badRequest(w, r, "isLocked is required")
		return
	}
	var adminID *int64
	if id, ok := middleware.AdminID(r.Context()); ok {
		adminID = &id
	}
	if err := h.svc.SetLock(r.Context(), mediaID, *body.IsLocked, adminID); err != nil {
		h.writeAccessError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]any{"mediaId": mediaID, "isLocked": *body.IsLocked})
}

func (h *Handlers) AdminAuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, pageSize := parsePagination(r)
	aq := models.AuditQuery{
		Action: strings.TrimSpace(q.Get("action")),
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	}
	var err error
	if aq.MediaID, err = optionalID(q, "mediaId"); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}
	if aq.AdminID, err = optionalID(q, "adminId"); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}
	items, err := h.svc.ListAudit(r.Context(), aq)
	if err != nil {
		h.logger.Error("List audit failed", zap.Error(err), zap.String("request_id", middleware.RequestID(r.Context())))
		util.WriteError(w, 500, "internal_error", "audit log unavailable", middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]any{"items": items, "page": page, "page_size": pageSize})
}

func (h *Handlers) AdminAuditEntry(w http.ResponseWriter, r *http.Request) {
	rid := middleware.RequestID(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.badRequest(w, r, "id must be a uuid")
		return
	}
	entry, err := h.svc.GetAudit(r.Context(), id.String())
	if errors.Is(err, store.ErrNotFound) {
		util.WriteError(w, 404, "not_found", "audit entry not found", rid)
		return
	}
	if err != nil {
		h.logger.Error("Get audit failed", zap.Error(err), zap.String("request_id", rid))
		util.WriteError(w, 500, "internal_error", "audit log unavailable", rid)
		return
	}
	util.WriteJSON(w, 200, entry)
}

// writeAccessError maps the platform client's error kinds onto responses.
func (h *Handlers) writeAccessError(w http.ResponseWriter, r *http.Request, err error) {
	rid := middleware.RequestID(r.Context())
	var verr *accessapi.ValidationError
	var conflict *accessapi.ConflictError
	var remote *accessapi.RemoteError
	switch {
	case errors.As(err, &verr):
		util.WriteError(w, 400, "validation_failed", verr.Error(), rid)
	case errors.Is(err, service.ErrAdminRequired):
		util.WriteError(w, 400, "validation_failed", "adminId is required", rid)
	case errors.As(err, &conflict):
		util.WriteError(w, 409, "already_decided", "access request has already been decided", rid)
	case errors.As(err, &remote):
		// 401/403 are about the console's own platform credentials, not the caller's.
		if remote.StatusCode >= 400 && remote.StatusCode < 500 &&
			remote.StatusCode != http.StatusUnauthorized && remote.StatusCode != http.StatusForbidden {
			code := remote.Code
			if code == "" {
				code = "upstream_rejected"
			}
			util.WriteError(w, remote.StatusCode, code, remote.Message, rid)
			return
		}
		h.logger.Warn("Platform error", zap.Error(err), zap.String("request_id", rid))
		util.WriteError(w, 502, "upstream_error", remote.Message, rid)
	case accessapi.IsRetryable(err):
		h.logger.Warn("Platform unreachable", zap.Error(err), zap.String("request_id", rid))
		util.WriteRetryableError(w, 503, "upstream_unavailable", "platform is unreachable", rid)
	default:
		h.logger.Error("Unhandled error", zap.Error(err), zap.String("request_id", rid))
		util.WriteError(w, 500, "internal_error", "internal error", rid)
	}
}

func (h *Handlers) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	util.WriteError(w, 400, "validation_failed", msg, middleware.RequestID(r.Context()))
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return false
	}
	return true
}

func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		h.badRequest(w, r, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func unknownParam(q url.Values, allowed map[string]bool) (string, bool) {
	for name := range q {
		if !allowed[name] {
			return name, true
		}
	}
	return "", false
}

func optionalID(q url.Values, name string) (*int64, error) {
	v := strings.TrimSpace(q.Get(name))
	if v == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("%s must be a positive integer", name)
	}
	return &id, nil
}

func optionalString(q url.Values, name string) *string {
	v := strings.TrimSpace(q.Get(name))
	if v == "" {
		return nil
	}
	return &v
}

func parsePagination(r *http.Request) (int, int) {
	page := 1
	pageSize := 25
	if v := r.URL.Query().Get("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if ps, err := strconv.Atoi(v); err == nil {
			if ps < 1 {
				ps = 1
			}
			if ps > 100 {
				ps = 100
			}
			pageSize = ps
		}
	}
	return page, pageSize
}
