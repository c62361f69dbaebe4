package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It does not take part in database
// transactions; tests use it to inspect what a service enqueued.
type MemoryStore struct {
	mu   sync.Mutex
	msgs map[string]*Message
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{msgs: make(map[string]*Message), now: time.Now}
}

func (s *MemoryStore) Insert(_ context.Context, msgs ...*Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		cp := *m
		s.msgs[m.ID.String()] = &cp
	}
	return nil
}

func (s *MemoryStore) ClaimPending(_ context.Context, limit int, lease time.Duration) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*Message
	for _, m := range s.msgs {
		if m.Status == StatusPending && !m.NextAttemptAt.After(now) {
			due = append(due, m)
		}
	}
	sortByCreated(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Message, 0, len(due))
	for _, m := range due {
		m.NextAttemptAt = now.Add(lease)
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.msgs[m.ID.String()] = &cp
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int64{StatusPending: 0, StatusDelivered: 0, StatusAbandoned: 0}
	for _, m := range s.msgs {
		out[m.Status]++
	}
	return out, nil
}

func (s *MemoryStore) RetryAbandoned(_ context.Context, kind Kind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.msgs {
		if m.Status == StatusAbandoned && (kind == "" || m.Kind == kind) {
			m.Status = StatusPending
			m.Attempts = 0
			m.NextAttemptAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteDelivered(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.msgs {
		if m.Status == StatusDelivered && m.DeliveredAt != nil && m.DeliveredAt.Before(before) {
			delete(s.msgs, id)
			n++
		}
	}
	return n, nil
}

// Messages returns a snapshot of every stored message in insertion order.
func (s *MemoryStore) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		cp := *m
		out = append(out, &cp)
	}
	sortByCreated(out)
	return out
}

// ByKind returns the stored messages of one kind in insertion order.
func (s *MemoryStore) ByKind(kind Kind) []*Message {
	var out []*Message
	for _, m := range s.Messages() {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// UUIDv7 ids are time ordered, which keeps ordering stable within the same
// CreatedAt instant.
func sortByCreated(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID.String() < msgs[j].ID.String()
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
