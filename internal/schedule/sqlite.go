package schedule

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"pubsched/internal/frequency"
	logx "pubsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// StoreConfig configures the sqlite-backed schedule store.
type StoreConfig struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// OpenSQLite opens (and migrates) the schedules database.
func OpenSQLite(cfg StoreConfig, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("schedule: sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const recordColumns = `id, content_ref, project_ref, scheduled_for, timezone, platforms, priority,
	status, recurrence, publish_delay_ms, retry_count, max_retries, last_error, metadata,
	created_at, updated_at, completed_at`

func (s *sqliteStore) Insert(ctx context.Context, r *Record) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	platforms, err := json.Marshal(r.Platforms)
	if err != nil {
		return err
	}
	var recurrence any
	if r.Recurrence != nil {
		b, merr := json.Marshal(r.Recurrence)
		if merr != nil {
			return merr
		}
		recurrence = string(b)
	}
	meta, err := marshalMeta(r.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (`+recordColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID.String(), r.ContentRef, r.ProjectRef, r.ScheduledFor.UTC().UnixMilli(), r.Timezone,
		string(platforms), r.Priority, string(r.Status), recurrence, r.PublishDelay.Milliseconds(),
		r.RetryCount, r.MaxRetries, nullStr(r.LastError), meta,
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(), nullTime(r.CompletedAt),
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM schedules WHERE id = ?`, id.String())
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) List(ctx context.Context, f ListFilter) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Project != "" {
		where = append(where, "project_ref = ?")
		args = append(args, f.Project)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if !f.From.IsZero() {
		where = append(where, "scheduled_for >= ?")
		args = append(args, f.From.UTC().UnixMilli())
	}
	if !f.To.IsZero() {
		where = append(where, "scheduled_for <= ?")
		args = append(args, f.To.UTC().UnixMilli())
	}
	if f.Platform != "" {
		// platforms is a JSON array of strings; substring match on the
		// quoted ref keeps the query index-friendly enough at this scale.
		where = append(where, "platforms LIKE ?")
		args = append(args, `%"`+f.Platform+`"%`)
	}

	q := `SELECT ` + recordColumns + ` FROM schedules`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY scheduled_for ASC, priority DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *sqliteStore) Due(ctx context.Context, project string, now time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM schedules
		WHERE project_ref = ? AND scheduled_for <= ? AND status IN ('pending','queued')
		ORDER BY scheduled_for ASC, priority DESC
		LIMIT ?`,
		project, now.UTC().UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *sqliteStore) DueProjects(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT project_ref FROM schedules
		WHERE scheduled_for <= ? AND status IN ('pending','queued')
		ORDER BY project_ref`,
		now.UTC().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ActiveWindow(ctx context.Context, project string, from, to time.Time) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM schedules
		WHERE project_ref = ? AND scheduled_for >= ? AND scheduled_for <= ?
		  AND status NOT IN ('completed','failed','cancelled')
		ORDER BY scheduled_for ASC`,
		project, from.UTC().UnixMilli(), to.UTC().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *sqliteStore) ClaimProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.guardedUpdate(ctx, `
		UPDATE schedules SET status = 'processing', updated_at = ?
		WHERE id = ? AND status IN ('pending','queued')`,
		time.Now().UTC().UnixMilli(), id.String())
}

func (s *sqliteStore) Transition(ctx context.Context, id uuid.UUID, from []Status, to Status) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("schedule: transition requires source states")
	}
	ph := make([]string, len(from))
	args := []any{string(to), time.Now().UTC().UnixMilli(), id.String()}
	for i, st := range from {
		ph[i] = "?"
		args = append(args, string(st))
	}
	return s.guardedUpdate(ctx, `
		UPDATE schedules SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (`+strings.Join(ph, ",")+`)`,
		args...)
}

func (s *sqliteStore) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return s.guardedUpdate(ctx, `
		UPDATE schedules SET status = 'completed', completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		at.UTC().UnixMilli(), time.Now().UTC().UnixMilli(), id.String())
}

func (s *sqliteStore) MarkFailedRetry(ctx context.Context, id uuid.UUID, lastError string, nextAt time.Time) (bool, error) {
	return s.guardedUpdate(ctx, `
		UPDATE schedules
		SET status = 'queued', retry_count = retry_count + 1,
		    scheduled_for = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		nextAt.UTC().UnixMilli(), lastError, time.Now().UTC().UnixMilli(), id.String())
}

func (s *sqliteStore) MarkFailedFinal(ctx context.Context, id uuid.UUID, lastError string) (bool, error) {
	return s.guardedUpdate(ctx, `
		UPDATE schedules SET status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		lastError, time.Now().UTC().UnixMilli(), id.String())
}

func (s *sqliteStore) Reschedule(ctx context.Context, id uuid.UUID, newAt time.Time) (bool, error) {
	return s.guardedUpdate(ctx, `
		UPDATE schedules SET status = 'pending', scheduled_for = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending','queued')`,
		newAt.UTC().UnixMilli(), time.Now().UTC().UnixMilli(), id.String())
}

func (s *sqliteStore) TriggerNow(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	return s.guardedUpdate(ctx, `
		UPDATE schedules SET status = 'queued', scheduled_for = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending','queued','paused')`,
		now.UTC().UnixMilli(), time.Now().UTC().UnixMilli(), id.String())
}

func (s *sqliteStore) SetMetadata(ctx context.Context, id uuid.UUID, meta map[string]any) error {
	b, err := marshalMeta(meta)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET metadata = ?, updated_at = ? WHERE id = ?`,
		b, time.Now().UTC().UnixMilli(), id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) guardedUpdate(ctx context.Context, q string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ---- row mapping ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r            Record
		id           string
		scheduledFor int64
		platforms    string
		recurrence   sql.NullString
		delayMS      int64
		lastError    sql.NullString
		meta         sql.NullString
		createdAt    int64
		updatedAt    int64
		completedAt  sql.NullInt64
		status       string
	)
	err := row.Scan(&id, &r.ContentRef, &r.ProjectRef, &scheduledFor, &r.Timezone,
		&platforms, &r.Priority, &status, &recurrence, &delayMS,
		&r.RetryCount, &r.MaxRetries, &lastError, &meta,
		&createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	r.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("schedule: corrupt id %q: %w", id, err)
	}
	r.ScheduledFor = time.UnixMilli(scheduledFor).UTC()
	r.Status = Status(status)
	r.PublishDelay = time.Duration(delayMS) * time.Millisecond
	r.LastError = lastError.String
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		r.CompletedAt = &t
	}

	if err := json.Unmarshal([]byte(platforms), &r.Platforms); err != nil {
		return nil, fmt.Errorf("schedule: corrupt platforms for %s: %w", id, err)
	}
	if recurrence.Valid && recurrence.String != "" {
		r.Recurrence = new(frequency.Spec)
		if err := json.Unmarshal([]byte(recurrence.String), r.Recurrence); err != nil {
			return nil, fmt.Errorf("schedule: corrupt recurrence for %s: %w", id, err)
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("schedule: corrupt metadata for %s: %w", id, err)
		}
	}
	return &r, nil
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func marshalMeta(meta map[string]any) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}
