// Package permission turns a permission-check result into what the console
// shows. It never overrides the platform's decision.
package permission

import (
	"time"

	"go.uber.org/zap"

	"mediaconsole/internal/models"
)

type View struct {
	Granted      bool    `json:"granted"`
	Message      string  `json:"message"`
	ExpiresAt    *string `json:"expiresAt"`
	RequestID    *int64  `json:"requestId,omitempty"`
	Inconsistent bool    `json:"inconsistent"`
}

// Derive reports res as is. A grant whose expiry is already behind now, or
// cannot be read, is flagged inconsistent and logged.
func Derive(res models.AccessPermissionResult, now time.Time, logger *zap.Logger) View {
	v := View{
		Granted:   res.HasAccess,
		Message:   res.Reason,
		ExpiresAt: res.ExpiresAt,
		RequestID: res.RequestID,
	}
	if !res.HasAccess || res.ExpiresAt == nil {
		return v
	}
	exp, err := models.ParseTimestamp(*res.ExpiresAt)
	switch {
	case err != nil:
		v.Inconsistent = true
		logger.Warn("Permission grant has unreadable expiry", zap.String("expires_at", *res.ExpiresAt), zap.Error(err))
	case exp.Before(now):
		v.Inconsistent = true
		logger.Warn("Permission grant already expired",
			zap.String("expires_at", *res.ExpiresAt),
			zap.Time("now", now),
		)
	}
	return v
}
