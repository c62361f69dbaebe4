package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const DefaultMaxAttempts = 5

// Publisher enqueues messages. Services call it inside their unit of work so
// the messages commit or roll back together with the state change.
type Publisher interface {
	Publish(ctx context.Context, msgs ...*Message) error
}

type Writer struct {
	store       Store
	maxAttempts int
	now         func() time.Time
}

func NewWriter(store Store, maxAttempts int) *Writer {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Writer{store: store, maxAttempts: maxAttempts, now: time.Now}
}

func (w *Writer) Publish(ctx context.Context, msgs ...*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := w.now().UTC()
	for _, m := range msgs {
		if m.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("generate outbox id: %w", err)
			}
			m.ID = id
		}
		if m.Data != nil {
			raw, err := json.Marshal(m.Data)
			if err != nil {
				return fmt.Errorf("encode %s payload: %w", m.Kind, err)
			}
			m.Payload = raw
		}
		if len(m.Payload) == 0 {
			m.Payload = json.RawMessage("{}")
		}
		m.Status = StatusPending
		m.Attempts = 0
		if m.MaxAttempts <= 0 {
			m.MaxAttempts = w.maxAttempts
		}
		m.NextAttemptAt = now
		m.CreatedAt = now
	}
	return w.store.Insert(ctx, msgs...)
}
