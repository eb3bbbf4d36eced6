package prefs

import (
	"context"
	"database/sql"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS reminder_prefs (
  user_id INTEGER NOT NULL,
  reminder_type TEXT NOT NULL,
  opted_out INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY(user_id, reminder_type)
);
`
	_, err := db.Exec(schema)
	return err
}

// optOutAllType is the reserved row flagging a global opt-out.
const optOutAllType = "*"

type SQLiteStore struct{ db *sql.DB }

// NewSQLiteStore returns a Store backed by SQLite.
func NewSQLiteStore(db *sql.DB) *SQLiteStore { return &SQLiteStore{db: db} }

func (s *SQLiteStore) GetPreferences(ctx context.Context, recipientID int64) (*Preferences, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT reminder_type, opted_out FROM reminder_prefs WHERE user_id=?`, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var p *Preferences
	for rows.Next() {
		var typ string
		var out int
		if err := rows.Scan(&typ, &out); err != nil {
			return nil, err
		}
		if out == 0 {
			continue
		}
		if p == nil {
			p = &Preferences{OptOut: map[string]bool{}}
		}
		if typ == optOutAllType {
			p.OptOutAll = true
			continue
		}
		p.OptOut[typ] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// SetOptOut flags one reminder type in or out for a recipient.
func (s *SQLiteStore) SetOptOut(ctx context.Context, recipientID int64, reminderType string, optedOut bool) error {
	return s.upsert(ctx, recipientID, reminderType, optedOut)
}

// SetOptOutAll flags every reminder type in or out for a recipient.
func (s *SQLiteStore) SetOptOutAll(ctx context.Context, recipientID int64, optedOut bool) error {
	return s.upsert(ctx, recipientID, optOutAllType, optedOut)
}

func (s *SQLiteStore) upsert(ctx context.Context, recipientID int64, reminderType string, optedOut bool) error {
	out := 0
	if optedOut {
		out = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reminder_prefs(user_id, reminder_type, opted_out) VALUES (?,?,?)
ON CONFLICT(user_id, reminder_type) DO UPDATE SET opted_out=excluded.opted_out`, recipientID, reminderType, out)
	return err
}

var _ Store = (*SQLiteStore)(nil)
