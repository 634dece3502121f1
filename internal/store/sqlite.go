package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remindbot/internal/recurrence"
	logx "remindbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite-backed store, creating the database file and
// schema as needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store: sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
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

func (s *sqliteStore) Create(ctx context.Context, owner int64, text string, sched Schedule) (int64, error) {
	if err := sched.Validate(); err != nil {
		return 0, err
	}
	fireAt, recur := encodeSchedule(sched)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(owner_id, text, fire_at, recurrence, active, created_at)
		 VALUES(?,?,?,?,1,?)`,
		owner, text, fireAt, recur, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("store: create: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: create: %w", err)
	}
	return id, nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, text, fire_at, recurrence, active, created_at, last_fired_at
		 FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, fmt.Errorf("store: get: %w", err)
	}
	return r, nil
}

func (s *sqliteStore) ListActive(ctx context.Context, owner int64) ([]Reminder, error) {
	return s.list(ctx,
		`SELECT id, owner_id, text, fire_at, recurrence, active, created_at, last_fired_at
		 FROM reminders WHERE owner_id = ? AND active = 1 ORDER BY id ASC`, owner)
}

func (s *sqliteStore) ListAllActive(ctx context.Context) ([]Reminder, error) {
	return s.list(ctx,
		`SELECT id, owner_id, text, fire_at, recurrence, active, created_at, last_fired_at
		 FROM reminders WHERE active = 1 ORDER BY id ASC`)
}

func (s *sqliteStore) list(ctx context.Context, query string, args ...any) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	out := make([]Reminder, 0)
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) Cancel(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: cancel: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) MarkFired(ctx context.Context, id int64, next *Schedule) error {
	now := time.Now().UTC().Format(timeLayout)
	var (
		res sql.Result
		err error
	)
	if next == nil {
		// One-off: firing deactivates the row for good.
		res, err = s.db.ExecContext(ctx,
			`UPDATE reminders SET active = 0, last_fired_at = ? WHERE id = ?`, now, id)
	} else {
		if verr := next.Validate(); verr != nil {
			return verr
		}
		fireAt, recur := encodeSchedule(*next)
		res, err = s.db.ExecContext(ctx,
			`UPDATE reminders SET fire_at = ?, recurrence = ?, last_fired_at = ?
			 WHERE id = ? AND active = 1`,
			fireAt, recur, now, id)
	}
	if err != nil {
		return fmt.Errorf("store: mark fired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: mark fired: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) PruneInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE active = 0 AND last_fired_at < ?`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func encodeSchedule(sched Schedule) (fireAt any, recur any) {
	if sched.FireAt != nil {
		return sched.FireAt.UTC().Format(timeLayout), nil
	}
	return nil, sched.Rule.EncodeCron()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (Reminder, error) {
	var (
		r         Reminder
		fireAt    sql.NullString
		recur     sql.NullString
		active    int
		createdAt string
		lastFired sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Owner, &r.Text, &fireAt, &recur, &active, &createdAt, &lastFired); err != nil {
		return Reminder{}, err
	}
	r.Active = active != 0

	ct, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return Reminder{}, fmt.Errorf("bad created_at %q: %w", createdAt, err)
	}
	r.CreatedAt = ct

	if lastFired.Valid {
		lf, err := time.Parse(timeLayout, lastFired.String)
		if err != nil {
			return Reminder{}, fmt.Errorf("bad last_fired_at %q: %w", lastFired.String, err)
		}
		r.LastFired = &lf
	}

	switch {
	case fireAt.Valid:
		at, err := time.Parse(timeLayout, fireAt.String)
		if err != nil {
			return Reminder{}, fmt.Errorf("bad fire_at %q: %w", fireAt.String, err)
		}
		r.Schedule.FireAt = &at
	case recur.Valid:
		rule, err := recurrence.ParseCron(recur.String)
		if err != nil {
			return Reminder{}, err
		}
		r.Schedule.Rule = &rule
	default:
		return Reminder{}, ErrInvalidSchedule
	}
	return r, nil
}
