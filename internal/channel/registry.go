// Package channel records where each person can be reached.
package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/h1v3-io/coworker/pkg/protocol"
)

// timeFormat is fixed-width so updated_at sorts as text.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// ErrNotRegistered is returned when a person has no registered channel.
var ErrNotRegistered = errors.New("channel not registered")

// Registration binds an identity to a messaging channel.
type Registration struct {
	IdentityID string
	Email      string
	Handle     protocol.ChannelHandle
	UpdatedAt  time.Time
}

// Registry looks up and stores channel registrations.
type Registry interface {
	GetChannel(ctx context.Context, identityID string) (protocol.ChannelHandle, error)
	GetChannelByEmail(ctx context.Context, email string) (protocol.ChannelHandle, error)
	PutChannel(ctx context.Context, reg Registration) error
	List(ctx context.Context) ([]Registration, error)
}

// SQLiteRegistry implements Registry on a shared SQLite database.
type SQLiteRegistry struct {
	db *sql.DB
}

// NewSQLiteRegistry creates the registrations table on db if needed.
func NewSQLiteRegistry(db *sql.DB) (*SQLiteRegistry, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS channel_registrations (
			identity_id TEXT PRIMARY KEY,
			email       TEXT NOT NULL DEFAULT '',
			connector   TEXT NOT NULL,
			chat_id     TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_channel_registrations_email ON channel_registrations(email);
	`)
	if err != nil {
		return nil, fmt.Errorf("channel registry: migrate: %w", err)
	}
	return &SQLiteRegistry{db: db}, nil
}

func (r *SQLiteRegistry) GetChannel(ctx context.Context, identityID string) (protocol.ChannelHandle, error) {
	return r.lookup(ctx, `SELECT connector, chat_id FROM channel_registrations WHERE identity_id = ?`, identityID)
}

// GetChannelByEmail matches case-insensitively and returns the most recent registration.
func (r *SQLiteRegistry) GetChannelByEmail(ctx context.Context, email string) (protocol.ChannelHandle, error) {
	email = normalizeEmail(email)
	if email == "" {
		return protocol.ChannelHandle{}, ErrNotRegistered
	}
	return r.lookup(ctx, `SELECT connector, chat_id FROM channel_registrations
		WHERE email = ? ORDER BY updated_at DESC LIMIT 1`, email)
}

// PutChannel upserts a registration keyed by identity. When IdentityID is
// empty the lower-cased email is used as the key.
func (r *SQLiteRegistry) PutChannel(ctx context.Context, reg Registration) error {
	if reg.Handle.IsZero() {
		return fmt.Errorf("channel registry: empty channel handle")
	}
	email := normalizeEmail(reg.Email)
	id := reg.IdentityID
	if id == "" {
		id = email
	}
	if id == "" {
		return fmt.Errorf("channel registry: registration needs an identity or email")
	}
	if reg.UpdatedAt.IsZero() {
		reg.UpdatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO channel_registrations (identity_id, email, connector, chat_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity_id) DO UPDATE SET
			email = CASE WHEN excluded.email != '' THEN excluded.email ELSE channel_registrations.email END,
			connector = excluded.connector,
			chat_id = excluded.chat_id,
			updated_at = excluded.updated_at`,
		id, email, reg.Handle.Connector, reg.Handle.ChatID, reg.UpdatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("channel registry: put: %w", err)
	}
	return nil
}

func (r *SQLiteRegistry) List(ctx context.Context) ([]Registration, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT identity_id, email, connector, chat_id, updated_at
		FROM channel_registrations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("channel registry: list: %w", err)
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		var reg Registration
		var updated string
		if err := rows.Scan(&reg.IdentityID, &reg.Email, &reg.Handle.Connector, &reg.Handle.ChatID, &updated); err != nil {
			return nil, fmt.Errorf("channel registry: scan: %w", err)
		}
		reg.UpdatedAt, _ = time.Parse(timeFormat, updated)
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (r *SQLiteRegistry) lookup(ctx context.Context, query string, arg string) (protocol.ChannelHandle, error) {
	var h protocol.ChannelHandle
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&h.Connector, &h.ChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.ChannelHandle{}, ErrNotRegistered
	}
	if err != nil {
		return protocol.ChannelHandle{}, fmt.Errorf("channel registry: get: %w", err)
	}
	return h, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
