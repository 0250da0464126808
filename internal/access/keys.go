package access

import (
	"strconv"

	"mediaconsole/internal/models"
	"mediaconsole/internal/querycache"
)

// Query families. Each is the first segment of every key in the family.
const (
	RequestsQuery   = "accessRequests"
	PermissionQuery = "accessPermission"
	AssetsQuery     = "accessAssets"
	AssetQuery      = "accessAsset"
)

func RequestsKey(f models.AccessRequestFilter) querycache.Key {
	return querycache.NewKey(RequestsQuery, f.Canonical())
}

// PermissionKey keys a permission check by media, then user, then device, so
// that every check for one media item shares the prefix [accessPermission, M].
func PermissionKey(mediaID int64, userID *int64, deviceID *string) querycache.Key {
	u, d := "u:", "d:"
	if userID != nil {
		u += strconv.FormatInt(*userID, 10)
	}
	if deviceID != nil {
		d += *deviceID
	}
	return querycache.NewKey(PermissionQuery, mediaKey(mediaID), u, d)
}

func PermissionMediaPrefix(mediaID int64) querycache.Key {
	return querycache.NewKey(PermissionQuery, mediaKey(mediaID))
}

func AssetsKey(f models.AccessAssetFilter) querycache.Key {
	return querycache.NewKey(AssetsQuery, f.Canonical())
}

func AssetKey(mediaID int64) querycache.Key {
	return querycache.NewKey(AssetQuery, mediaKey(mediaID))
}

func mediaKey(id int64) string { return strconv.FormatInt(id, 10) }
