package question

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/h1v3-io/coworker/pkg/protocol"
)

// timeFormat is fixed-width UTC so that text comparison in SQL orders like time.
const timeFormat = "2006-01-02T15:04:05.000Z"

const questionColumns = `id, asking_id, asking_email, asking_name, target_id, target_email, target_name,
	target_connector, target_chat_id, question_text, status, created_at, timeout_at,
	reply_text, responder_id, responder_name, replied_at`

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("question store: open: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY between
	// the sweeper and reply handlers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("question store: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS questions (
			id               TEXT PRIMARY KEY,
			asking_id        TEXT NOT NULL,
			asking_email     TEXT NOT NULL DEFAULT '',
			asking_name      TEXT NOT NULL DEFAULT '',
			target_id        TEXT NOT NULL,
			target_email     TEXT NOT NULL DEFAULT '',
			target_name      TEXT NOT NULL DEFAULT '',
			target_connector TEXT NOT NULL,
			target_chat_id   TEXT NOT NULL,
			question_text    TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'pending',
			created_at       TEXT NOT NULL,
			timeout_at       TEXT NOT NULL,
			reply_text       TEXT NOT NULL DEFAULT '',
			responder_id     TEXT NOT NULL DEFAULT '',
			responder_name   TEXT NOT NULL DEFAULT '',
			replied_at       TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_questions_status_timeout ON questions(status, timeout_at);
		CREATE INDEX IF NOT EXISTS idx_questions_channel_status ON questions(target_connector, target_chat_id, status);
	`)
	if err != nil {
		return fmt.Errorf("question store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, q *protocol.Question) error {
	if q.Status == "" {
		q.Status = protocol.QuestionPending
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO questions (`+questionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.AskingIdentity.ID, q.AskingIdentity.Email, q.AskingIdentity.DisplayName,
		q.TargetIdentity.ID, q.TargetIdentity.Email, q.TargetIdentity.DisplayName,
		q.TargetChannel.Connector, q.TargetChannel.ChatID, q.Text, string(q.Status),
		formatTime(q.CreatedAt), formatTime(q.TimeoutAt),
		q.ReplyText, q.ResponderID, q.ResponderName, formatTimePtr(q.RepliedAt))
	if err != nil {
		return fmt.Errorf("question store: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*protocol.Question, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = ?`, id)
	q, err := scanQuestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("question %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("question store: get: %w", err)
	}
	return q, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, from, to protocol.QuestionStatus, reply *Reply) error {
	if from != protocol.QuestionPending || !to.Terminal() {
		return fmt.Errorf("question store: %s → %s: %w", from, to, ErrInvalidTransition)
	}

	var result sql.Result
	var err error
	if to == protocol.QuestionReplied {
		if reply == nil {
			return fmt.Errorf("question store: replied transition without reply: %w", ErrInvalidTransition)
		}
		result, err = s.db.ExecContext(ctx, `UPDATE questions
			SET status = ?, reply_text = ?, responder_id = ?, responder_name = ?, replied_at = ?
			WHERE id = ? AND status = ?`,
			string(to), reply.Text, reply.ResponderID, reply.ResponderName, formatTime(reply.RepliedAt),
			id, string(from))
	} else {
		result, err = s.db.ExecContext(ctx, `UPDATE questions SET status = ? WHERE id = ? AND status = ?`,
			string(to), id, string(from))
	}
	if err != nil {
		return fmt.Errorf("question store: update status: %w", err)
	}

	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}

	// Nothing changed: tell a missing row apart from one another writer moved.
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM questions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("question %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("question store: update status: %w", err)
	}
	return fmt.Errorf("question %q is %s: %w", id, current, ErrStatusConflict)
}

func (s *SQLiteStore) SelectExpiredPending(ctx context.Context, now time.Time) ([]*protocol.Question, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+questionColumns+` FROM questions
		WHERE status = ? AND timeout_at < ? ORDER BY timeout_at`,
		string(protocol.QuestionPending), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("question store: select expired: %w", err)
	}
	return collect(rows)
}

func (s *SQLiteStore) LatestPendingForChannel(ctx context.Context, handle protocol.ChannelHandle) (*protocol.Question, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions
		WHERE target_connector = ? AND target_chat_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`,
		handle.Connector, handle.ChatID, string(protocol.QuestionPending))
	q, err := scanQuestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("question store: latest pending: %w", err)
	}
	return q, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*protocol.Question, error) {
	where, args := filterClause(filter)
	query := `SELECT ` + questionColumns + ` FROM questions` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("question store: list: %w", err)
	}
	return collect(rows)
}

func (s *SQLiteStore) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := filterClause(filter)
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("question store: count: %w", err)
	}
	return count, nil
}

// DB returns the underlying database connection (shared with the channel registry).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

func filterClause(filter Filter) (string, []any) {
	var conds []string
	var args []any
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.TargetID != "" {
		conds = append(conds, "target_id = ?")
		args = append(args, filter.TargetID)
	}
	if filter.AskerID != "" {
		conds = append(conds, "asking_id = ?")
		args = append(args, filter.AskerID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func collect(rows *sql.Rows) ([]*protocol.Question, error) {
	defer rows.Close()
	var out []*protocol.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("question store: scan: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanQuestion(s scannable) (*protocol.Question, error) {
	var q protocol.Question
	var status, createdAt, timeoutAt string
	var repliedAt *string

	err := s.Scan(&q.ID, &q.AskingIdentity.ID, &q.AskingIdentity.Email, &q.AskingIdentity.DisplayName,
		&q.TargetIdentity.ID, &q.TargetIdentity.Email, &q.TargetIdentity.DisplayName,
		&q.TargetChannel.Connector, &q.TargetChannel.ChatID, &q.Text, &status, &createdAt, &timeoutAt,
		&q.ReplyText, &q.ResponderID, &q.ResponderName, &repliedAt)
	if err != nil {
		return nil, err
	}

	q.Status = protocol.QuestionStatus(status)
	q.CreatedAt = parseTime(createdAt)
	q.TimeoutAt = parseTime(timeoutAt)
	if repliedAt != nil {
		t := parseTime(*repliedAt)
		q.RepliedAt = &t
	}
	return &q, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}
