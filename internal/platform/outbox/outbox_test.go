package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careflow/careflow/internal/platform/telemetry"
)

func TestWriter_Publish(t *testing.T) {
	store := NewMemoryStore()
	w := NewWriter(store, 3)

	err := w.Publish(context.Background(),
		Notify("order_status_updated", "Your order was accepted", "patient-1"),
		Broadcast("patient:patient-1", "order_status_updated", map[string]string{"status": "Accepted"}),
	)
	require.NoError(t, err)

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, StatusPending, m.Status)
		assert.Equal(t, 3, m.MaxAttempts)
		assert.NotEmpty(t, m.ID)
		assert.Equal(t, uuid.Version(7), m.ID.Version())
	}

	var p NotificationPayload
	require.NoError(t, store.ByKind(KindNotification)[0].Decode(&p))
	assert.Equal(t, "patient-1", p.TargetUserID)
	assert.Equal(t, "Your order was accepted", p.Message)
}

func TestWriter_PublishNothing(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, NewWriter(store, 0).Publish(context.Background()))
	assert.Empty(t, store.Messages())
}

func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, zerolog.Nop())
	d.BatchSize = 10
	return d
}

func TestDispatcher_DeliversToHandler(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, NewWriter(store, 5).Publish(context.Background(),
		ChatMessage("rx:1", "pharmacy-1", "Your prescription was accepted")))

	var got ChatMessagePayload
	counter := telemetry.NewMemoryCounter()
	d := newTestDispatcher(store)
	d.SetMetrics(counter)
	d.Register(KindChatMessage, func(_ context.Context, m *Message) error {
		return m.Decode(&got)
	})

	n, err := d.DeliverPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "rx:1", got.ConversationKey)

	msg := store.Messages()[0]
	assert.Equal(t, StatusDelivered, msg.Status)
	assert.Equal(t, 1, msg.Attempts)
	assert.NotNil(t, msg.DeliveredAt)
	assert.Equal(t, 1.0, counter.Value("outbox_delivered_total", telemetry.Labels{"kind": "chat_message"}))
}

func TestDispatcher_RetryThenAbandon(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, NewWriter(store, 2).Publish(context.Background(), Notify("x", "y", "u")))

	clock := time.Now()
	store.now = func() time.Time { return clock }
	d := newTestDispatcher(store)
	d.now = func() time.Time { return clock }
	d.Register(KindNotification, func(context.Context, *Message) error {
		return errors.New("smtp down")
	})

	_, err := d.DeliverPending(context.Background())
	require.NoError(t, err)
	msg := store.Messages()[0]
	assert.Equal(t, StatusPending, msg.Status)
	assert.Equal(t, 1, msg.Attempts)
	require.NotNil(t, msg.LastError)
	assert.Equal(t, "smtp down", *msg.LastError)
	assert.Equal(t, clock.Add(30*time.Second), msg.NextAttemptAt)

	// not due yet
	n, _ := d.DeliverPending(context.Background())
	assert.Equal(t, 0, n)

	clock = clock.Add(time.Minute)
	_, err = d.DeliverPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, store.Messages()[0].Status)

	retried, err := store.RetryAbandoned(context.Background(), KindNotification)
	require.NoError(t, err)
	assert.Equal(t, int64(1), retried)
	assert.Equal(t, StatusPending, store.Messages()[0].Status)
}

func TestDispatcher_UnknownKindFails(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, NewWriter(store, 1).Publish(context.Background(), ErxTransmit("tx", "rx")))

	d := newTestDispatcher(store)
	_, err := d.DeliverPending(context.Background())
	require.NoError(t, err)

	msg := store.Messages()[0]
	assert.Equal(t, StatusAbandoned, msg.Status)
	assert.Contains(t, *msg.LastError, "no handler registered")
}

func TestDispatcher_HandlerPanicIsRecovered(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, NewWriter(store, 3).Publish(context.Background(), Audit(AuditPayload{Action: "dispense"})))

	d := newTestDispatcher(store)
	d.Register(KindAudit, func(context.Context, *Message) error { panic("nil map") })

	assert.NotPanics(t, func() { d.DeliverPending(context.Background()) })
	assert.Contains(t, *store.Messages()[0].LastError, "handler panic")
}

func TestDispatcher_StartStopsOnCancel(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore())
	d.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 30 * time.Second},
		{2, 1 * time.Minute},
		{3, 5 * time.Minute},
		{4, 15 * time.Minute},
		{5, 1 * time.Hour},
		{10, 1 * time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, retryBackoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestMemoryStore_DeleteDelivered(t *testing.T) {
	store := NewMemoryStore()
	old := time.Now().Add(-48 * time.Hour)
	m := &Message{Kind: KindAudit, Status: StatusDelivered, DeliveredAt: &old}
	m.ID[0] = 1
	require.NoError(t, store.Insert(context.Background(), m))

	n, err := store.DeleteDelivered(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, store.Messages())
}
