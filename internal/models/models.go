package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type AccessStatus string

const (
	AccessPending  AccessStatus = "pending"
	AccessApproved AccessStatus = "approved"
	AccessRejected AccessStatus = "rejected"
)

func (s AccessStatus) Valid() bool {
	switch s {
	case AccessPending, AccessApproved, AccessRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s AccessStatus) Terminal() bool {
	return s == AccessApproved || s == AccessRejected
}

func (s *AccessStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v := AccessStatus(raw)
	if !v.Valid() {
		return fmt.Errorf("unknown access status %q", raw)
	}
	*s = v
	return nil
}

// MediaAccessRequest mirrors the platform record. Timestamps are kept as the
// ISO-8601 strings the server sent.
type MediaAccessRequest struct {
	ID                int64        `json:"id"`
	MediaID           int64        `json:"mediaId"`
	RequesterUserID   *int64       `json:"requesterUserId,omitempty"`
	RequesterDeviceID *string      `json:"requesterDeviceId,omitempty"`
	RequestReason     *string      `json:"requestReason,omitempty"`
	Status            AccessStatus `json:"status"`
	AdminID           *int64       `json:"adminId,omitempty"`
	AdminNotes        *string      `json:"adminNotes,omitempty"`
	ExpiryDate        *string      `json:"expiryDate,omitempty"`
	CreatedAt         string       `json:"createdAt"`
	UpdatedAt         string       `json:"updatedAt"`
}

func (r MediaAccessRequest) IsPending() bool { return r.Status == AccessPending }

// Validate checks the pending <=> no admin invariant.
func (r MediaAccessRequest) Validate() error {
	if r.Status == AccessPending && r.AdminID != nil {
		return fmt.Errorf("access request %d is pending but carries admin %d", r.ID, *r.AdminID)
	}
	if r.Status.Terminal() && r.AdminID == nil {
		return fmt.Errorf("access request %d is %s without an admin", r.ID, r.Status)
	}
	return nil
}

type CreateAccessRequestInput struct {
	RequesterUserID   *int64  `json:"requesterUserId,omitempty"`
	RequesterDeviceID *string `json:"requesterDeviceId,omitempty"`
	RequestReason     *string `json:"requestReason,omitempty"`
}

type ProcessAccessRequestInput struct {
	Status     AccessStatus `json:"status"`
	AdminID    int64        `json:"adminId"`
	AdminNotes *string      `json:"adminNotes,omitempty"`
	ExpiryDate *string      `json:"expiryDate,omitempty"`
}

type LockStatusInput struct {
	IsLocked bool   `json:"isLocked"`
	AdminID  *int64 `json:"adminId,omitempty"`
}

// AccessPermissionResult is a point-in-time answer to "may this identity see
// this media item". Reason is always populated.
type AccessPermissionResult struct {
	HasAccess bool    `json:"hasAccess"`
	Reason    string  `json:"reason"`
	ExpiresAt *string `json:"expiresAt,omitempty"`
	RequestID *int64  `json:"requestId,omitempty"`
}

// Expiry returns the parsed grant expiry, if the result carries a valid one.
func (r AccessPermissionResult) Expiry() (time.Time, bool) {
	if r.ExpiresAt == nil || *r.ExpiresAt == "" {
		return time.Time{}, false
	}
	t, err := ParseTimestamp(*r.ExpiresAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// AccessAsset is a protected media item as listed on the lock management screen.
type AccessAsset struct {
	MediaID          int64  `json:"mediaId"`
	Title            string `json:"title"`
	IsLocked         bool   `json:"isLocked"`
	PendingRequests  int    `json:"pendingRequests"`
	ApprovedRequests int    `json:"approvedRequests"`
	UpdatedAt        string `json:"updatedAt,omitempty"`
}

type AuditEntry struct {
	ID           string    `json:"id"`
	AdminID      *int64    `json:"admin_id,omitempty"`
	Action       string    `json:"action"`
	MediaID      *int64    `json:"media_id,omitempty"`
	Target       string    `json:"target"`
	MetadataJSON string    `json:"metadata_json"`
	CreatedAt    time.Time `json:"created_at"`
	SummaryText  string    `json:"summary_text,omitempty"`
	Severity     string    `json:"severity,omitempty"`
}

type AuditQuery struct {
	Action  string
	MediaID *int64
	AdminID *int64
	Limit   int
	Offset  int
}

// ParseTimestamp accepts the ISO-8601 forms the platform emits.
func ParseTimestamp(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", v)
}

type AccessEventKind string

const (
	EventRequestCreated   AccessEventKind = "access_request.create"
	EventRequestProcessed AccessEventKind = "access_request.process"
	EventLockChanged      AccessEventKind = "media.lock"
)

// AccessEvent describes a mutation that the platform accepted.
type AccessEvent struct {
	Kind       AccessEventKind `json:"kind"`
	MediaID    int64           `json:"media_id"`
	RequestID  *int64          `json:"request_id,omitempty"`
	AdminID    *int64          `json:"admin_id,omitempty"`
	Status     AccessStatus    `json:"status,omitempty"`
	IsLocked   *bool           `json:"is_locked,omitempty"`
	Notes      *string         `json:"notes,omitempty"`
	ExpiryDate *string         `json:"expiry_date,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}
