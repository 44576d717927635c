package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/thrillee/aegiscert/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS clients (
	sender_id          TEXT PRIMARY KEY,
	contact_email      TEXT NOT NULL DEFAULT '',
	delivery_directory TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
	message_id         TEXT PRIMARY KEY,
	sender_id          TEXT NOT NULL REFERENCES clients(sender_id),
	recipient          TEXT NOT NULL,
	body               TEXT NOT NULL,
	status             TEXT NOT NULL,
	provider_id        TEXT UNIQUE,
	part_count         INTEGER,
	certificate_path   TEXT,
	contact_email      TEXT NOT NULL DEFAULT '',
	delivery_directory TEXT NOT NULL DEFAULT '',
	callback           TEXT NOT NULL DEFAULT '{}',
	received_at        DATETIME NOT NULL,
	submitted_at       DATETIME,
	updated_at         DATETIME NOT NULL,
	last_error         TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_status_received ON messages(status, received_at);
`

// SQLite is the embedded store for single-node deployments and tests. It
// uses a single connection, so transactions are serialized.
type SQLite struct {
	db *sqlx.DB
}

func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) GetClient(ctx context.Context, senderID string) (model.Client, error) {
	var c model.Client
	err := s.db.GetContext(ctx, &c,
		`SELECT sender_id, contact_email, delivery_directory FROM clients WHERE sender_id = ?`, senderID)
	if errors.Is(err, sql.ErrNoRows) {
		return c, model.ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("get client %s: %w", senderID, err)
	}
	return c, nil
}

func (s *SQLite) SaveClient(ctx context.Context, c model.Client) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO clients (sender_id, contact_email, delivery_directory)
		VALUES (:sender_id, :contact_email, :delivery_directory)
		ON CONFLICT (sender_id) DO UPDATE
		SET contact_email = excluded.contact_email, delivery_directory = excluded.delivery_directory`, c)
	if err != nil {
		return fmt.Errorf("save client %s: %w", c.SenderID, err)
	}
	return nil
}

func (s *SQLite) CreateMessage(ctx context.Context, msg *model.Message) error {
	callback, err := encodeCallback(msg.Callback)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, sender_id, recipient, body, status, contact_email,
			delivery_directory, callback, received_at, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.SenderID, msg.Recipient, msg.Body, string(msg.Status), msg.ContactEmail,
		msg.DeliveryDirectory, callback, msg.ReceivedAt.UTC(), msg.SubmittedAt, msg.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.MessageID, err)
	}
	msg.UpdatedAt = msg.ReceivedAt
	return nil
}

func (s *SQLite) getBy(ctx context.Context, column, value string) (model.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE `+column+` = ?`, value)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, model.ErrNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("query message by %s: %w", column, err)
	}
	return row.toModel()
}

func (s *SQLite) GetMessage(ctx context.Context, messageID string) (model.Message, error) {
	return s.getBy(ctx, "message_id", messageID)
}

func (s *SQLite) FindByProviderID(ctx context.Context, providerID string) (model.Message, error) {
	return s.getBy(ctx, "provider_id", providerID)
}

func (s *SQLite) MarkSending(ctx context.Context, messageID, providerID string, partCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'sending', provider_id = ?, part_count = ?, updated_at = ?
		WHERE message_id = ? AND status = 'pending' AND provider_id IS NULL`,
		providerID, partCount, time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark sending %s: %w", messageID, err)
	}
	return s.checkAffected(ctx, res, messageID)
}

func (s *SQLite) MarkFailed(ctx context.Context, messageID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'failed', last_error = ?, updated_at = ?
		WHERE message_id = ? AND status = 'pending'`,
		reason, time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", messageID, err)
	}
	return s.checkAffected(ctx, res, messageID)
}

func (s *SQLite) ApplyReport(ctx context.Context, messageID, event string) (model.ReportOutcome, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.ReportOutcome{}, fmt.Errorf("begin report tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var previous string
	err = tx.GetContext(ctx, &previous, `SELECT status FROM messages WHERE message_id = ?`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReportOutcome{}, model.ErrNotFound
	}
	if err != nil {
		return model.ReportOutcome{}, fmt.Errorf("read message %s: %w", messageID, err)
	}

	out := decideReport(model.Status(previous), NormalizeEvent(event))
	if out.Applied {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = ?, updated_at = ? WHERE message_id = ?`,
			string(out.Current), time.Now().UTC(), messageID); err != nil {
			return model.ReportOutcome{}, fmt.Errorf("apply report %s: %w", messageID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.ReportOutcome{}, fmt.Errorf("commit report %s: %w", messageID, err)
	}
	return out, nil
}

func (s *SQLite) SetCertificatePath(ctx context.Context, messageID, path string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET certificate_path = ?, updated_at = ?
		WHERE message_id = ? AND certificate_path IS NULL`,
		path, time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("set certificate path %s: %w", messageID, err)
	}
	return s.checkAffected(ctx, res, messageID)
}

func (s *SQLite) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]model.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+` FROM messages
		WHERE status = 'pending' AND received_at < ?
		ORDER BY received_at ASC
		LIMIT ?`, olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	msgs := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *SQLite) checkAffected(ctx context.Context, res sql.Result, messageID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", messageID, err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(1) FROM messages WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("check message %s: %w", messageID, err)
	}
	if exists == 0 {
		return model.ErrNotFound
	}
	return ErrConflict
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error { return s.db.Close() }

var _ Store = (*SQLite)(nil)
