package consumer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"unichat-realtime/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS notifications (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	sender    TEXT NOT NULL,
	chat_id   TEXT NOT NULL,
	course_id TEXT NOT NULL DEFAULT '',
	message   TEXT NOT NULL,
	is_read   INTEGER NOT NULL DEFAULT 0,
	date      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_chat ON notifications(chat_id, is_read);
`

// SQLiteStore keeps the notification list on disk so unread badges survive
// a client restart.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Add(ctx context.Context, n models.Notification) error {
	if n.Date.IsZero() {
		n.Date = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (sender, chat_id, course_id, message, is_read, date) VALUES (?, ?, ?, ?, ?, ?)`,
		n.Sender, n.ChatID, n.CourseID, n.Message, n.IsRead, n.Date.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// List returns every stored notification, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender, chat_id, course_id, message, is_read, date FROM notifications ORDER BY date DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var (
			n    models.Notification
			date string
		)
		if err := rows.Scan(&n.Sender, &n.ChatID, &n.CourseID, &n.Message, &n.IsRead, &date); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if n.Date, err = time.Parse(time.RFC3339Nano, date); err != nil {
			return nil, fmt.Errorf("parse notification date %q: %w", date, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Unread(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE is_read = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// MarkChatRead flags every notification of chatID as read and reports how
// many changed.
func (s *SQLiteStore) MarkChatRead(ctx context.Context, chatID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE chat_id = ? AND is_read = 0`, chatID)
	if err != nil {
		return 0, fmt.Errorf("mark %s read: %w", chatID, err)
	}
	return res.RowsAffected()
}
