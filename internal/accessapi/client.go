package accessapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"mediaconsole/internal/config"
	"mediaconsole/internal/models"
	"mediaconsole/internal/version"
)

const (
	maxResponseBytes = 4 << 20
	maxMessageLen    = 512
)

// Client talks to the platform's media access endpoints. Every method is a
// single round trip; nothing is retried and nothing is cached here.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

func New(cfg config.Config, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.PlatformAPIBaseURL, "/"),
		token:   strings.TrimSpace(cfg.PlatformAPIToken),
		http:    &http.Client{Timeout: cfg.PlatformHTTPTimeout()},
		logger:  logger,
	}
}

func (c *Client) CreateAccessRequest(ctx context.Context, mediaID int64, in models.CreateAccessRequestInput) (models.MediaAccessRequest, error) {
	if mediaID <= 0 {
		return models.MediaAccessRequest{}, validationErr("mediaId", "must be a positive integer")
	}
	if in.RequesterUserID != nil && *in.RequesterUserID <= 0 {
		return models.MediaAccessRequest{}, validationErr("requesterUserId", "must be a positive integer when set")
	}
	var out models.MediaAccessRequest
	path := fmt.Sprintf("/media/%d/access-requests", mediaID)
	if err := c.do(ctx, "create access request", http.MethodPost, path, nil, in, &out); err != nil {
		return models.MediaAccessRequest{}, err
	}
	c.checkRequest(out)
	return out, nil
}

// GetAccessRequests lists requests matching every set filter. Order is whatever
// the platform returns.
func (c *Client) GetAccessRequests(ctx context.Context, filter models.AccessRequestFilter) ([]models.MediaAccessRequest, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, validationErr("status", "must be pending, approved or rejected")
	}
	var out []models.MediaAccessRequest
	if err := c.do(ctx, "list access requests", http.MethodGet, "/access-requests", filter.Values(), nil, &out); err != nil {
		return nil, err
	}
	for _, r := range out {
		c.checkRequest(r)
	}
	if out == nil {
		out = []models.MediaAccessRequest{}
	}
	return out, nil
}

func (c *Client) ProcessAccessRequest(ctx context.Context, requestID int64, in models.ProcessAccessRequestInput) (models.MediaAccessRequest, error) {
	if requestID <= 0 {
		return models.MediaAccessRequest{}, validationErr("requestId", "must be a positive integer")
	}
	if in.Status != models.AccessApproved && in.Status != models.AccessRejected {
		return models.MediaAccessRequest{}, validationErr("status", "must be approved or rejected")
	}
	if in.AdminID <= 0 {
		return models.MediaAccessRequest{}, validationErr("adminId", "must be a positive integer")
	}
	var out models.MediaAccessRequest
	path := "/access-requests/" + strconv.FormatInt(requestID, 10)
	err := c.do(ctx, "process access request", http.MethodPatch, path, nil, in, &out)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) && isConflict(remote) {
			return models.MediaAccessRequest{}, &ConflictError{RequestID: requestID, Message: remote.Message}
		}
		return models.MediaAccessRequest{}, err
	}
	c.checkRequest(out)
	return out, nil
}

func (c *Client) CheckAccessPermission(ctx context.Context, mediaID int64, userID *int64, deviceID *string) (models.AccessPermissionResult, error) {
	if mediaID <= 0 {
		return models.AccessPermissionResult{}, validationErr("mediaId", "must be a positive integer")
	}
	q := url.Values{}
	q.Set("mediaId", strconv.FormatInt(mediaID, 10))
	if userID != nil {
		q.Set("userId", strconv.FormatInt(*userID, 10))
	}
	if deviceID != nil && *deviceID != "" {
		q.Set("deviceId", *deviceID)
	}
	const op = "check access permission"
	var out models.AccessPermissionResult
	if err := c.do(ctx, op, http.MethodGet, "/access-permission", q, nil, &out); err != nil {
		return models.AccessPermissionResult{}, err
	}
	if strings.TrimSpace(out.Reason) == "" {
		c.logger.Error("Permission result without reason", zap.Int64("media_id", mediaID))
		return models.AccessPermissionResult{}, &RemoteError{Op: op, StatusCode: http.StatusOK, Code: "invalid_response", Message: "permission result is missing a reason"}
	}
	if !out.HasAccess && out.ExpiresAt != nil {
		c.logger.Warn("Denied permission result carried an expiry, dropping it",
			zap.Int64("media_id", mediaID), zap.String("expires_at", *out.ExpiresAt))
		out.ExpiresAt = nil
	}
	return out, nil
}

// ToggleLockStatus is sent even when the item is already in the requested state.
func (c *Client) ToggleLockStatus(ctx context.Context, mediaID int64, isLocked bool, adminID *int64) error {
	if mediaID <= 0 {
		return validationErr("mediaId", "must be a positive integer")
	}
	if adminID != nil && *adminID <= 0 {
		return validationErr("adminId", "must be a positive integer when set")
	}
	path := fmt.Sprintf("/media/%d/lock", mediaID)
	return c.do(ctx, "toggle lock status", http.MethodPost, path, nil, models.LockStatusInput{IsLocked: isLocked, AdminID: adminID}, nil)
}

func (c *Client) GetAccessAssets(ctx context.Context, filter models.AccessAssetFilter) ([]models.AccessAsset, error) {
	var out []models.AccessAsset
	if err := c.do(ctx, "list access assets", http.MethodGet, "/access-assets", filter.Values(), nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.AccessAsset{}
	}
	return out, nil
}

func (c *Client) GetAccessAsset(ctx context.Context, mediaID int64) (models.AccessAsset, error) {
	if mediaID <= 0 {
		return models.AccessAsset{}, validationErr("mediaId", "must be a positive integer")
	}
	var out models.AccessAsset
	path := "/access-assets/" + strconv.FormatInt(mediaID, 10)
	if err := c.do(ctx, "get access asset", http.MethodGet, path, nil, nil, &out); err != nil {
		return models.AccessAsset{}, err
	}
	return out, nil
}

func (c *Client) checkRequest(r models.MediaAccessRequest) {
	if err := r.Validate(); err != nil {
		c.logger.Warn("Platform returned inconsistent access request", zap.Int64("request_id", r.ID), zap.Error(err))
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("Platform request failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.logger.Error("Failed to read platform response", zap.String("op", op), zap.Error(err))
		return &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := remoteError(op, resp.StatusCode, raw)
		c.logger.Warn("Platform returned non-success status",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("code", rerr.Code),
			zap.String("message", rerr.Message),
		)
		return rerr
	}
	if out == nil {
		return nil
	}
	if err := decodeData(raw, out); err != nil {
		c.logger.Error("Failed to decode platform response", zap.String("op", op), zap.Error(err))
		return &RemoteError{Op: op, StatusCode: resp.StatusCode, Code: "invalid_response", Message: err.Error()}
	}
	return nil
}

// decodeData accepts both bare payloads and the {"data": ...} envelope.
func decodeData(raw []byte, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return errors.New("empty response body")
	}
	if trimmed[0] == '{' {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &env); err == nil && len(env.Data) > 0 && string(env.Data) != "null" {
			return json.Unmarshal(env.Data, out)
		}
	}
	return json.Unmarshal(trimmed, out)
}

func remoteError(op string, status int, raw []byte) *RemoteError {
	out := &RemoteError{Op: op, StatusCode: status}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		out.Code = strings.TrimSpace(body.Code)
		out.Message = strings.TrimSpace(body.Message)
		if out.Message == "" {
			out.Message = strings.TrimSpace(body.Error)
		}
	}
	if out.Message == "" {
		text := strings.TrimSpace(string(raw))
		text = truncateRunes(text, maxMessageLen)
		out.Message = text
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}

func isConflict(e *RemoteError) bool {
	if e.StatusCode == http.StatusConflict {
		return true
	}
	switch e.Code {
	case "not_pending", "already_decided", "already_processed":
		return true
	}
	return false
}

// truncateRunes cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
