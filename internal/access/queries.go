package access

import (
	"context"

	"mediaconsole/internal/models"
	"mediaconsole/internal/querycache"
)

// Reader is the read side of the platform client.
type Reader interface {
	GetAccessRequests(ctx context.Context, filter models.AccessRequestFilter) ([]models.MediaAccessRequest, error)
	CheckAccessPermission(ctx context.Context, mediaID int64, userID *int64, deviceID *string) (models.AccessPermissionResult, error)
	GetAccessAssets(ctx context.Context, filter models.AccessAssetFilter) ([]models.AccessAsset, error)
	GetAccessAsset(ctx context.Context, mediaID int64) (models.AccessAsset, error)
}

// Queries serves platform reads through the cache. Errors from the client are
// returned as they are.
type Queries struct {
	api   Reader
	cache *querycache.Cache
}

func NewQueries(api Reader, cache *querycache.Cache) *Queries {
	return &Queries{api: api, cache: cache}
}

func (q *Queries) AccessRequests(ctx context.Context, f models.AccessRequestFilter) ([]models.MediaAccessRequest, error) {
	return querycache.Fetch(ctx, q.cache, RequestsKey(f), func(ctx context.Context) ([]models.MediaAccessRequest, error) {
		return q.api.GetAccessRequests(ctx, f)
	})
}

func (q *Queries) AccessPermission(ctx context.Context, mediaID int64, userID *int64, deviceID *string) (models.AccessPermissionResult, error) {
	return querycache.Fetch(ctx, q.cache, PermissionKey(mediaID, userID, deviceID), func(ctx context.Context) (models.AccessPermissionResult, error) {
		return q.api.CheckAccessPermission(ctx, mediaID, userID, deviceID)
	})
}

func (q *Queries) AccessAssets(ctx context.Context, f models.AccessAssetFilter) ([]models.AccessAsset, error) {
	return querycache.Fetch(ctx, q.cache, AssetsKey(f), func(ctx context.Context) ([]models.AccessAsset, error) {
		return q.api.GetAccessAssets(ctx, f)
	})
}

func (q *Queries) AccessAsset(ctx context.Context, mediaID int64) (models.AccessAsset, error) {
	return querycache.Fetch(ctx, q.cache, AssetKey(mediaID), func(ctx context.Context) (models.AccessAsset, error) {
		return q.api.GetAccessAsset(ctx, mediaID)
	})
}
