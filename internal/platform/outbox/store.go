package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careflow/careflow/internal/platform/db"
)

// Store persists outbox messages.
type Store interface {
	// Insert must join the transaction carried by ctx, if any.
	Insert(ctx context.Context, msgs ...*Message) error
	// ClaimPending returns up to limit due messages and pushes their next
	// attempt time forward by lease so concurrent workers skip them.
	ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*Message, error)
	Update(ctx context.Context, m *Message) error
	Stats(ctx context.Context) (map[string]int64, error)
	RetryAbandoned(ctx context.Context, kind Kind) (int64, error)
	DeleteDelivered(ctx context.Context, before time.Time) (int64, error)
}

type pgStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

const messageCols = `id, kind, payload, status, attempts, max_attempts, next_attempt_at, last_error, created_at, delivered_at`

func (s *pgStore) Insert(ctx context.Context, msgs ...*Message) error {
	q := db.Conn(ctx, s.pool)
	for _, m := range msgs {
		_, err := q.Exec(ctx, `
			INSERT INTO outbox_messages (id, kind, payload, status, attempts, max_attempts, next_attempt_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, string(m.Kind), []byte(m.Payload), m.Status, m.Attempts, m.MaxAttempts, m.NextAttemptAt, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert outbox message %s: %w", m.Kind, err)
		}
	}
	return nil
}

func (s *pgStore) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*Message, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE outbox_messages SET next_attempt_at = NOW() + make_interval(secs => $2)
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = 'pending' AND next_attempt_at <= NOW()
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+messageCols, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var kind string
		var payload []byte
		if err := rows.Scan(&m.ID, &kind, &payload, &m.Status, &m.Attempts, &m.MaxAttempts,
			&m.NextAttemptAt, &m.LastError, &m.CreatedAt, &m.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		m.Kind = Kind(kind)
		m.Payload = payload
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *pgStore) Update(ctx context.Context, m *Message) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages SET status = $2, attempts = $3, next_attempt_at = $4, last_error = $5, delivered_at = $6
		WHERE id = $1`,
		m.ID, m.Status, m.Attempts, m.NextAttemptAt, m.LastError, m.DeliveredAt)
	if err != nil {
		return fmt.Errorf("update outbox message %s: %w", m.ID, err)
	}
	return nil
}

func (s *pgStore) Stats(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM outbox_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{StatusPending: 0, StatusDelivered: 0, StatusAbandoned: 0}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// RetryAbandoned resets abandoned messages to pending. An empty kind matches all.
func (s *pgStore) RetryAbandoned(ctx context.Context, kind Kind) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages SET status = 'pending', attempts = 0, next_attempt_at = NOW()
		WHERE status = 'abandoned' AND ($1 = '' OR kind = $1)`, string(kind))
	if err != nil {
		return 0, fmt.Errorf("retry abandoned outbox messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *pgStore) DeleteDelivered(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM outbox_messages WHERE status = 'delivered' AND delivered_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete delivered outbox messages: %w", err)
	}
	return tag.RowsAffected(), nil
}
