package event

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  title TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','locked','cancelled','completed')) DEFAULT 'pending',
  occurs_at DATETIME NOT NULL,
  closes_at DATETIME,
  chat_id INTEGER NOT NULL DEFAULT 0,
  thread_id INTEGER NOT NULL DEFAULT 0,
  started INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_active ON events(status, occurs_at);
CREATE TABLE IF NOT EXISTS signups (
  event_id INTEGER NOT NULL,
  user_id INTEGER NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY(event_id, user_id),
  FOREIGN KEY(event_id) REFERENCES events(id)
);
`
	_, err := db.Exec(schema)
	return err
}

type SQLiteRepo struct{ db *sql.DB }

var _ Repository = (*SQLiteRepo)(nil)

// NewSQLiteRepo returns a Repository backed by SQLite.
func NewSQLiteRepo(db *sql.DB) *SQLiteRepo { return &SQLiteRepo{db: db} }

const eventColumns = `id,title,status,occurs_at,closes_at,chat_id,thread_id,started,created_at,updated_at`

func scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var e Event
	var closesAt sql.NullTime
	var started int
	if err := row.Scan(&e.ID, &e.Title, &e.Status, &e.OccursAt, &closesAt, &e.ChatID, &e.ThreadID, &started, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Event{}, err
	}
	if closesAt.Valid {
		t := closesAt.Time
		e.ClosesAt = &t
	}
	e.Started = started != 0
	return e, nil
}

func (r *SQLiteRepo) ListActive(ctx context.Context) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+eventColumns+`
FROM events WHERE status IN ('pending','locked') ORDER BY occurs_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *SQLiteRepo) Get(ctx context.Context, id int64) (Event, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+eventColumns+`
FROM events WHERE id=?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, nil
	}
	return e, err
}

// Transition applies a scheduler-driven transition. It is idempotent: a
// transition that already happened affects zero rows and returns false.
func (r *SQLiteRepo) Transition(ctx context.Context, id int64, kind TransitionKind) (bool, error) {
	var res sql.Result
	var err error
	switch kind {
	case KindClose:
		res, err = r.db.ExecContext(ctx, `
UPDATE events SET status='locked', updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='pending'`, id)
	case KindStart:
		res, err = r.db.ExecContext(ctx, `
UPDATE events SET started=1, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND started=0 AND status IN ('pending','locked')`, id)
	default:
		return false, errors.New("event: unknown transition kind " + string(kind))
	}
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *SQLiteRepo) Recipients(ctx context.Context, id int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT user_id FROM signups WHERE event_id=? ORDER BY created_at`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		ids = append(ids, uid)
	}
	return ids, rows.Err()
}

// Create inserts a new pending event. Used by the command surface and tests;
// the scheduler itself never creates events.
func (r *SQLiteRepo) Create(ctx context.Context, e Event) (int64, error) {
	if e.Status == "" {
		e.Status = StatusPending
	}
	var closesAt any
	if e.ClosesAt != nil {
		closesAt = e.ClosesAt.UTC()
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO events (title,status,occurs_at,closes_at,chat_id,thread_id)
VALUES (?,?,?,?,?,?)`, e.Title, e.Status, e.OccursAt.UTC(), closesAt, e.ChatID, e.ThreadID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetStatus is the out-of-band status override (cancel/complete).
func (r *SQLiteRepo) SetStatus(ctx context.Context, id int64, status Status) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE events SET status=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, status, id)
	return err
}

// AddSignup registers a recipient for direct reminders. Duplicate signups
// are ignored.
func (r *SQLiteRepo) AddSignup(ctx context.Context, eventID, userID int64) error {
	_, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO signups(event_id, user_id) VALUES (?,?)`, eventID, userID)
	return err
}

// PruneFinished deletes terminal events older than the retention window,
// with their signups. Returns the number of events removed.
func (r *SQLiteRepo) PruneFinished(ctx context.Context, olderThan time.Time) (int, error) {
	if _, err := r.db.ExecContext(ctx, `
DELETE FROM signups WHERE event_id IN (
  SELECT id FROM events WHERE status IN ('cancelled','completed') AND updated_at < ?)`, olderThan.UTC()); err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, `
DELETE FROM events WHERE status IN ('cancelled','completed') AND updated_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
