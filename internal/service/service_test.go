package service

import (
	"testing"

	"mediaconsole/internal/models"
)

func TestBuildAuditSummary(t *testing.T) {
	admin := int64(9)
	cases := []struct {
		name     string
		entry    models.AuditEntry
		text     string
		severity string
	}{
		{
			name:     "approved with expiry",
			entry:    models.AuditEntry{Action: "access_request.process", AdminID: &admin, Target: "access_request:1", MetadataJSON: `{"media_id":42,"status":"approved","expiry_date":"2025-01-01T00:00:00Z"}`},
			text:     "Access request approved by admin 9 until 2025-01-01T00:00:00Z (access_request:1).",
			severity: "ok",
		},
		{
			name:     "rejected",
			entry:    models.AuditEntry{Action: "access_request.process", AdminID: &admin, Target: "access_request:2", MetadataJSON: `{"status":"rejected"}`},
			text:     "Access request rejected by admin 9 (access_request:2).",
			severity: "warning",
		},
		{
			name:     "unlock",
			entry:    models.AuditEntry{Action: "media.lock", Target: "media:42", MetadataJSON: `{"media_id":42,"is_locked":false}`},
			text:     "Media 42 unlocked.",
			severity: "info",
		},
		{
			name:     "created",
			entry:    models.AuditEntry{Action: "access_request.create", Target: "access_request:3", MetadataJSON: `{"media_id":42}`},
			text:     "Access requested for media 42 (access_request:3).",
			severity: "info",
		},
		{
			name:     "unknown action with broken metadata",
			entry:    models.AuditEntry{Action: "cache.flush", MetadataJSON: `{`},
			text:     "Audit event cache.flush on (n/a).",
			severity: "info",
		},
	}

	for _, tc := range cases {
		text, severity := buildAuditSummary(tc.entry)
		if text != tc.text || severity != tc.severity {
			t.Fatalf("%s: got (%q, %q) want (%q, %q)", tc.name, text, severity, tc.text, tc.severity)
		}
	}
}
