// Package chat stores workflow announcements posted into patient conversations.
// It is an append-only sink; message transport to clients happens elsewhere.
package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careflow/careflow/internal/platform/db"
	"github.com/careflow/careflow/internal/platform/outbox"
)

type Message struct {
	ID              uuid.UUID `json:"id"`
	ConversationKey string    `json:"conversation_key"`
	SenderID        string    `json:"sender_id"`
	Body            string    `json:"body"`
	CreatedAt       time.Time `json:"created_at"`
}

// ConversationKey identifies the thread between a pharmacy and a patient.
func ConversationKey(pharmacyID, patientID string) string {
	return "pharmacy:" + pharmacyID + ":patient:" + patientID
}

// Store appends messages. Append is idempotent on ID.
type Store interface {
	Append(ctx context.Context, m *Message) error
	ListByConversation(ctx context.Context, key string, limit int) ([]*Message, error)
}

type pgStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) Append(ctx context.Context, m *Message) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO chat_messages (id, conversation_key, sender_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.ConversationKey, m.SenderID, m.Body, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	return nil
}

func (s *pgStore) ListByConversation(ctx context.Context, key string, limit int) ([]*Message, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		SELECT id, conversation_key, sender_id, body, created_at
		FROM chat_messages WHERE conversation_key = $1
		ORDER BY created_at, id LIMIT $2`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationKey, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

type MemoryStore struct {
	mu   sync.Mutex
	msgs map[uuid.UUID]*Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{msgs: make(map[uuid.UUID]*Message)}
}

func (s *MemoryStore) Append(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgs[m.ID]; !ok {
		cp := *m
		s.msgs[m.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) ListByConversation(_ context.Context, key string, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for _, m := range s.msgs {
		if m.ConversationKey == key {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OutboxHandler appends chat_message outbox rows, keyed by the outbox message id.
func OutboxHandler(s Store) outbox.Handler {
	return func(ctx context.Context, msg *outbox.Message) error {
		var p outbox.ChatMessagePayload
		if err := msg.Decode(&p); err != nil {
			return fmt.Errorf("decode chat payload: %w", err)
		}
		if p.ConversationKey == "" {
			return fmt.Errorf("chat message %s has no conversation key", msg.ID)
		}
		return s.Append(ctx, &Message{
			ID:              msg.ID,
			ConversationKey: p.ConversationKey,
			SenderID:        p.SenderID,
			Body:            p.Body,
			CreatedAt:       msg.CreatedAt,
		})
	}
}
