package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"mediaconsole/internal/models"
)

var ErrNotFound = errors.New("not found")

const (
	DefaultAuditLimit = 50
	MaxAuditLimit     = 200
)

// Store is the audit log. driver selects the placeholder style.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver, now: time.Now}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordEvent stores an accepted mutation as an audit entry.
func (s *Store) RecordEvent(ctx context.Context, ev models.AccessEvent) error {
	meta, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	mediaID := ev.MediaID
	e := models.AuditEntry{
		AdminID:      ev.AdminID,
		Action:       string(ev.Kind),
		MediaID:      &mediaID,
		Target:       eventTarget(ev),
		MetadataJSON: string(meta),
		CreatedAt:    ev.OccurredAt,
	}
	_, err = s.InsertAudit(ctx, e)
	return err
}

func eventTarget(ev models.AccessEvent) string {
	if ev.RequestID != nil {
		return "access_request:" + strconv.FormatInt(*ev.RequestID, 10)
	}
	return "media:" + strconv.FormatInt(ev.MediaID, 10)
}

func (s *Store) InsertAudit(ctx context.Context, e models.AuditEntry) (models.AuditEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)
	if e.MetadataJSON == "" {
		e.MetadataJSON = "{}"
	}
	q := fmt.Sprintf(
		`INSERT INTO audit_log(id,admin_id,action,media_id,target,metadata_json,created_at) VALUES(%s)`,
		s.placeholders(7),
	)
	_, err := s.db.ExecContext(ctx, q,
		e.ID, nullInt(e.AdminID), e.Action, nullInt(e.MediaID), e.Target, e.MetadataJSON, e.CreatedAt,
	)
	return e, err
}

// ListAudit returns entries newest first.
func (s *Store) ListAudit(ctx context.Context, aq models.AuditQuery) ([]models.AuditEntry, error) {
	var where []string
	var args []any
	if aq.Action != "" {
		args = append(args, aq.Action)
		where = append(where, "action="+s.ph(len(args)))
	}
	if aq.MediaID != nil {
		args = append(args, *aq.MediaID)
		where = append(where, "media_id="+s.ph(len(args)))
	}
	if aq.AdminID != nil {
		args = append(args, *aq.AdminID)
		where = append(where, "admin_id="+s.ph(len(args)))
	}
	limit := aq.Limit
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	if limit > MaxAuditLimit {
		limit = MaxAuditLimit
	}
	offset := aq.Offset
	if offset < 0 {
		offset = 0
	}

	q := `SELECT id,admin_id,action,media_id,target,metadata_json,created_at FROM audit_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit, offset)
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %s OFFSET %s", s.ph(len(args)-1), s.ph(len(args)))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.AuditEntry, 0, limit)
	for rows.Next() {
		var e models.AuditEntry
		var adminID, mediaID sql.NullInt64
		if err := rows.Scan(&e.ID, &adminID, &e.Action, &mediaID, &e.Target, &e.MetadataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if adminID.Valid {
			v := adminID.Int64
			e.AdminID = &v
		}
		if mediaID.Valid {
			v := mediaID.Int64
			e.MediaID = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetAudit(ctx context.Context, id string) (models.AuditEntry, error) {
	var e models.AuditEntry
	var adminID, mediaID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id,admin_id,action,media_id,target,metadata_json,created_at FROM audit_log WHERE id=`+s.ph(1), id,
	).Scan(&e.ID, &adminID, &e.Action, &mediaID, &e.Target, &e.MetadataJSON, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AuditEntry{}, ErrNotFound
	}
	if err != nil {
		return models.AuditEntry{}, err
	}
	if adminID.Valid {
		v := adminID.Int64
		e.AdminID = &v
	}
	if mediaID.Valid {
		v := mediaID.Int64
		e.MediaID = &v
	}
	return e, nil
}

// CleanupAuditBefore deletes entries older than cutoff and reports how many
// went.
func (s *Store) CleanupAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < `+s.ph(1), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ph(i int) string {
	if strings.Contains(strings.ToLower(s.driver), "pgx") || strings.Contains(strings.ToLower(s.driver), "postgres") {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func (s *Store) placeholders(n int) string {
	phs := make([]string, n)
	for i := range phs {
		phs[i] = s.ph(i + 1)
	}
	return strings.Join(phs, ",")
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
