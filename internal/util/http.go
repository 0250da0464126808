package util

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
)

// APIError is the error envelope every /api/v1 failure is rendered as.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON buffers the encoding so a marshal failure still yields a clean 500.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		status = http.StatusInternalServerError
		buf.Reset()
		buf.WriteString(`{"code":"internal_error","message":"response encoding failed"}` + "\n")
	}
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func WriteError(w http.ResponseWriter, status int, code, msg, reqID string) {
	writeAPIError(w, status, APIError{Code: code, Message: msg, RequestID: reqID})
}

// WriteRetryableError marks the failure as transient so callers may retry.
func WriteRetryableError(w http.ResponseWriter, status int, code, msg, reqID string) {
	writeAPIError(w, status, APIError{Code: code, Message: msg, Retryable: true, RequestID: reqID})
}

func writeAPIError(w http.ResponseWriter, status int, e APIError) {
	if status == http.StatusServiceUnavailable && e.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	WriteJSON(w, status, e)
}
