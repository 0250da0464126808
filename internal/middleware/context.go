package middleware

import (
	"context"
	"net/http"
)

type (
	requestIDKey struct{}
	adminIDKey   struct{}
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func WithAdminID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, adminIDKey{}, id)
}

// AdminID is the authenticated admin, absent when admin tokens are disabled.
func AdminID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(adminIDKey{}).(int64)
	return id, ok
}

// Responses are JSON only and hold per-admin data.
var apiHeaders = [][2]string{
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
}

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range apiHeaders {
			h.Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}
