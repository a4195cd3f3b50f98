// Package deliveries is the append-only log of scheduled message sends.
package deliveries

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/dohr-michael/conductor/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS deliveries (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	schedule_id  TEXT NOT NULL,
	kind         TEXT NOT NULL DEFAULT '',
	target       TEXT NOT NULL,
	message      TEXT NOT NULL,
	success      INTEGER NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	sent_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS deliveries_schedule ON deliveries (schedule_id);
CREATE INDEX IF NOT EXISTS deliveries_target ON deliveries (target);
`

// Entry is one delivery attempt. Entries are never modified once written.
type Entry struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	ScheduleID string    `json:"scheduleId"`
	Kind       string    `json:"kind,omitempty"`
	Target     string    `json:"target"`
	Message    string    `json:"message"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	SentAt     time.Time `json:"sentAt"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	ScheduleID string
	Target     string
	Limit      int
}

// Log persists delivery entries in SQLite.
type Log struct {
	db *sql.DB
}

// Open opens (or creates) the delivery log at dbPath. Use ":memory:" in tests.
func Open(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, storage.Unavailable("open delivery log", err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, storage.Unavailable("create delivery schema", err)
	}
	return &Log{db: db}, nil
}

// Close releases the database.
func (l *Log) Close() error { return l.db.Close() }

// Append writes e and returns it with ID, Seq and SentAt filled in.
func (l *Log) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.SentAt.IsZero() {
		e.SentAt = time.Now()
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO deliveries (id, schedule_id, kind, target, message, success, error, sent_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.ScheduleID, e.Kind, e.Target, e.Message, boolInt(e.Success), e.Error, e.SentAt.UnixNano(),
	)
	if err != nil {
		return Entry{}, storage.Unavailable("append delivery", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Entry{}, storage.Unavailable("append delivery", err)
	}
	e.Seq = seq
	return e, nil
}

// List returns matching entries, newest first.
func (l *Log) List(ctx context.Context, f Filter) ([]Entry, error) {
	var where []string
	var args []any
	if f.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	if f.Target != "" {
		where = append(where, "target = ?")
		args = append(args, f.Target)
	}
	query := `SELECT seq, id, schedule_id, kind, target, message, success, error, sent_at FROM deliveries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Unavailable("list deliveries", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var success int
		var sentAt int64
		if err := rows.Scan(&e.Seq, &e.ID, &e.ScheduleID, &e.Kind, &e.Target, &e.Message, &success, &e.Error, &sentAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		e.Success = success != 0
		e.SentAt = time.Unix(0, sentAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Clear removes every entry, or only those of scheduleID when it is set.
// It returns the number of entries removed.
func (l *Log) Clear(ctx context.Context, scheduleID string) (int64, error) {
	var res sql.Result
	var err error
	if scheduleID == "" {
		res, err = l.db.ExecContext(ctx, `DELETE FROM deliveries`)
	} else {
		res, err = l.db.ExecContext(ctx, `DELETE FROM deliveries WHERE schedule_id = ?`, scheduleID)
	}
	if err != nil {
		return 0, storage.Unavailable("clear deliveries", err)
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
