package permission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"mediaconsole/internal/models"
)

func ptr[T any](v T) *T { return &v }

var now = time.Date(2024, 12, 1, 10, 0, 0, 0, time.UTC)

func TestDeriveMirrorsGrant(t *testing.T) {
	v := Derive(models.AccessPermissionResult{
		HasAccess: true,
		Reason:    "active approval",
		ExpiresAt: ptr("2025-01-01T00:00:00Z"),
		RequestID: ptr(int64(1)),
	}, now, zap.NewNop())

	assert.True(t, v.Granted)
	assert.Equal(t, "active approval", v.Message)
	assert.Equal(t, "2025-01-01T00:00:00Z", *v.ExpiresAt)
	assert.Equal(t, int64(1), *v.RequestID)
	assert.False(t, v.Inconsistent)
}

func TestDeriveDenied(t *testing.T) {
	v := Derive(models.AccessPermissionResult{Reason: "no approval found"}, now, zap.NewNop())
	assert.False(t, v.Granted)
	assert.Nil(t, v.ExpiresAt)
	assert.False(t, v.Inconsistent)
}

func TestDeriveFlagsExpiredGrantButKeepsDecision(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	v := Derive(models.AccessPermissionResult{
		HasAccess: true,
		Reason:    "active approval",
		ExpiresAt: ptr("2024-11-30T00:00:00Z"),
	}, now, zap.New(core))

	assert.True(t, v.Granted)
	assert.True(t, v.Inconsistent)
	assert.Equal(t, 1, logs.FilterMessage("Permission grant already expired").Len())
}

func TestDeriveFlagsUnreadableExpiry(t *testing.T) {
	v := Derive(models.AccessPermissionResult{HasAccess: true, Reason: "ok", ExpiresAt: ptr("soon")}, now, zap.NewNop())
	assert.True(t, v.Granted)
	assert.True(t, v.Inconsistent)
}
