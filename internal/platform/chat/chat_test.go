package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careflow/careflow/internal/platform/outbox"
)

func TestOutboxHandler_AppendsOnce(t *testing.T) {
	store := NewMemoryStore()
	key := ConversationKey("ph1", "pat1")

	msg := outbox.ChatMessage(key, "ph1", "Your order was accepted.")
	require.NoError(t, outbox.NewWriter(outbox.NewMemoryStore(), 0).Publish(context.Background(), msg))

	h := OutboxHandler(store)
	require.NoError(t, h(context.Background(), msg))
	require.NoError(t, h(context.Background(), msg))

	got, err := store.ListByConversation(context.Background(), key, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, msg.ID, got[0].ID)
	assert.Equal(t, "Your order was accepted.", got[0].Body)
}

func TestOutboxHandler_RequiresConversation(t *testing.T) {
	msg := &outbox.Message{Kind: outbox.KindChatMessage, Payload: json.RawMessage(`{"body":"x"}`)}
	assert.Error(t, OutboxHandler(NewMemoryStore())(context.Background(), msg))
}

func TestMemoryStore_OrderedByCreation(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now()
	for i, body := range []string{"first", "second", "third"} {
		m := &Message{ID: [16]byte{byte(i + 1)}, ConversationKey: "k", Body: body, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, store.Append(context.Background(), m))
	}
	got, _ := store.ListByConversation(context.Background(), "k", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Body)
	assert.Equal(t, "second", got[1].Body)
}
