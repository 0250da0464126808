package models

import (
	"net/url"
	"strconv"
	"strings"
)

// AccessRequestFilter is the closed set of list filters the platform accepts.
// Nil fields are omitted; set fields are ANDed server-side.
type AccessRequestFilter struct {
	Status      *AccessStatus
	MediaID     *int64
	UserID      *int64
	DeviceID    *string
	CreatedFrom *string
	CreatedTo   *string
}

func (f AccessRequestFilter) Values() url.Values {
	v := url.Values{}
	if f.Status != nil {
		v.Set("status", string(*f.Status))
	}
	if f.MediaID != nil {
		v.Set("mediaId", strconv.FormatInt(*f.MediaID, 10))
	}
	if f.UserID != nil {
		v.Set("userId", strconv.FormatInt(*f.UserID, 10))
	}
	if f.DeviceID != nil {
		v.Set("deviceId", *f.DeviceID)
	}
	if f.CreatedFrom != nil {
		v.Set("createdFrom", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		v.Set("createdTo", *f.CreatedTo)
	}
	return v
}

// Canonical renders the filter as a stable string, used as a cache key segment.
func (f AccessRequestFilter) Canonical() string {
	return canonical(f.Values())
}

type AccessAssetFilter struct {
	IsLocked *bool
	Search   *string
}

func (f AccessAssetFilter) Values() url.Values {
	v := url.Values{}
	if f.IsLocked != nil {
		v.Set("isLocked", strconv.FormatBool(*f.IsLocked))
	}
	if f.Search != nil && strings.TrimSpace(*f.Search) != "" {
		v.Set("search", strings.TrimSpace(*f.Search))
	}
	return v
}

func (f AccessAssetFilter) Canonical() string {
	return canonical(f.Values())
}

func canonical(v url.Values) string {
	if len(v) == 0 {
		return "*"
	}
	// url.Values.Encode sorts by key.
	return v.Encode()
}
