package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/thrillee/aegiscert/internal/model"
)

var pgMessageColumns = strings.Replace(messageColumns, "callback,", "callback::text AS callback,", 1)

// Postgres is the production store. The schema is managed by cmd/migration.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	slog.Info("Connecting to database...")
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	slog.Info("Database connection pool established")
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) GetClient(ctx context.Context, senderID string) (model.Client, error) {
	var c model.Client
	err := p.pool.QueryRow(ctx,
		`SELECT sender_id, contact_email, delivery_directory FROM clients WHERE sender_id = $1`,
		senderID,
	).Scan(&c.SenderID, &c.ContactEmail, &c.DeliveryDirectory)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, model.ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("get client %s: %w", senderID, err)
	}
	return c, nil
}

func (p *Postgres) SaveClient(ctx context.Context, c model.Client) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO clients (sender_id, contact_email, delivery_directory)
		VALUES ($1, $2, $3)
		ON CONFLICT (sender_id) DO UPDATE
		SET contact_email = EXCLUDED.contact_email, delivery_directory = EXCLUDED.delivery_directory`,
		c.SenderID, c.ContactEmail, c.DeliveryDirectory)
	if err != nil {
		return fmt.Errorf("save client %s: %w", c.SenderID, err)
	}
	return nil
}

func (p *Postgres) CreateMessage(ctx context.Context, msg *model.Message) error {
	callback, err := encodeCallback(msg.Callback)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO messages (message_id, sender_id, recipient, body, status, contact_email,
			delivery_directory, callback, received_at, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $9)`,
		msg.MessageID, msg.SenderID, msg.Recipient, msg.Body, string(msg.Status), msg.ContactEmail,
		msg.DeliveryDirectory, callback, msg.ReceivedAt.UTC(), msg.SubmittedAt)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.MessageID, err)
	}
	msg.UpdatedAt = msg.ReceivedAt
	return nil
}

func (p *Postgres) getBy(ctx context.Context, column, value string) (model.Message, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+pgMessageColumns+` FROM messages WHERE `+column+` = $1`, value)
	if err != nil {
		return model.Message{}, fmt.Errorf("query message by %s: %w", column, err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[messageRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, model.ErrNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("scan message by %s: %w", column, err)
	}
	return row.toModel()
}

func (p *Postgres) GetMessage(ctx context.Context, messageID string) (model.Message, error) {
	return p.getBy(ctx, "message_id", messageID)
}

func (p *Postgres) FindByProviderID(ctx context.Context, providerID string) (model.Message, error) {
	return p.getBy(ctx, "provider_id", providerID)
}

func (p *Postgres) MarkSending(ctx context.Context, messageID, providerID string, partCount int) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE messages
		SET status = 'sending', provider_id = $2, part_count = $3, updated_at = $4
		WHERE message_id = $1 AND status = 'pending' AND provider_id IS NULL`,
		messageID, providerID, partCount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark sending %s: %w", messageID, err)
	}
	if tag.RowsAffected() == 0 {
		return p.missingOrConflict(ctx, messageID)
	}
	return nil
}

func (p *Postgres) MarkFailed(ctx context.Context, messageID, reason string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE messages SET status = 'failed', last_error = $2, updated_at = $3
		WHERE message_id = $1 AND status = 'pending'`,
		messageID, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", messageID, err)
	}
	if tag.RowsAffected() == 0 {
		return p.missingOrConflict(ctx, messageID)
	}
	return nil
}

func (p *Postgres) ApplyReport(ctx context.Context, messageID, event string) (model.ReportOutcome, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return model.ReportOutcome{}, fmt.Errorf("begin report tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var previous string
	err = tx.QueryRow(ctx, `SELECT status FROM messages WHERE message_id = $1 FOR UPDATE`, messageID).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ReportOutcome{}, model.ErrNotFound
	}
	if err != nil {
		return model.ReportOutcome{}, fmt.Errorf("lock message %s: %w", messageID, err)
	}

	out := decideReport(model.Status(previous), NormalizeEvent(event))
	if out.Applied {
		if _, err := tx.Exec(ctx,
			`UPDATE messages SET status = $2, updated_at = $3 WHERE message_id = $1`,
			messageID, string(out.Current), time.Now().UTC()); err != nil {
			return model.ReportOutcome{}, fmt.Errorf("apply report %s: %w", messageID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return model.ReportOutcome{}, fmt.Errorf("commit report %s: %w", messageID, err)
	}
	return out, nil
}

func (p *Postgres) SetCertificatePath(ctx context.Context, messageID, path string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE messages SET certificate_path = $2, updated_at = $3
		WHERE message_id = $1 AND certificate_path IS NULL`,
		messageID, path, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set certificate path %s: %w", messageID, err)
	}
	if tag.RowsAffected() == 0 {
		return p.missingOrConflict(ctx, messageID)
	}
	return nil
}

func (p *Postgres) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]model.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+pgMessageColumns+` FROM messages
		WHERE status = 'pending' AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2`, olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[messageRow])
	if err != nil {
		return nil, fmt.Errorf("scan stale pending: %w", err)
	}
	msgs := make([]model.Message, 0, len(collected))
	for _, r := range collected {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (p *Postgres) missingOrConflict(ctx context.Context, messageID string) error {
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE message_id = $1)`, messageID).Scan(&exists); err != nil {
		return fmt.Errorf("check message %s: %w", messageID, err)
	}
	if !exists {
		return model.ErrNotFound
	}
	return ErrConflict
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

var _ Store = (*Postgres)(nil)
