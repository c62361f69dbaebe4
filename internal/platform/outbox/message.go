// Package outbox implements a transactional outbox. Side effects of a workflow
// transition are written as rows in the same transaction as the state change
// and delivered afterwards by the Dispatcher, with retries.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindNotification   Kind = "notification"
	KindAudit          Kind = "audit"
	KindBroadcast      Kind = "broadcast"
	KindLifecycleEvent Kind = "lifecycle_event"
	KindChatMessage    Kind = "chat_message"
	KindErxTransmit    Kind = "erx_transmit"
)

const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusAbandoned = "abandoned"
)

// Message mirrors a row of the outbox_messages table. Data holds the payload
// value until the Writer encodes it into Payload.
type Message struct {
	ID            uuid.UUID
	Kind          Kind
	Payload       json.RawMessage
	Status        string
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	LastError     *string
	CreatedAt     time.Time
	DeliveredAt   *time.Time

	Data interface{} `json:"-"`
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// NotificationPayload is delivered to the notification dispatcher.
type NotificationPayload struct {
	EventType    string `json:"event_type"`
	Message      string `json:"message"`
	TargetUserID string `json:"target_user_id"`
}

type BroadcastPayload struct {
	Channel string      `json:"channel"`
	Event   string      `json:"event"`
	Data    interface{} `json:"data"`
}

// AuditPayload carries one audit record. The message ID becomes the record ID.
type AuditPayload struct {
	ActorID      string      `json:"actor_id"`
	Role         string      `json:"role"`
	Action       string      `json:"action"`
	ResourceType string      `json:"resource_type"`
	ResourceID   string      `json:"resource_id"`
	Diff         interface{} `json:"diff,omitempty"`
	Context      interface{} `json:"context,omitempty"`
}

// LifecycleEventPayload appends an event to a lifecycle. The message ID is
// reused as the event ID so redelivery cannot duplicate the event.
type LifecycleEventPayload struct {
	LifecycleID string      `json:"lifecycle_id"`
	EventType   string      `json:"event_type"`
	ActorID     string      `json:"actor_id"`
	Data        interface{} `json:"data,omitempty"`
}

type ChatMessagePayload struct {
	ConversationKey string `json:"conversation_key"`
	SenderID        string `json:"sender_id"`
	Body            string `json:"body"`
}

type ErxTransmitPayload struct {
	TransactionID  string `json:"transaction_id"`
	PrescriptionID string `json:"prescription_id"`
}

func Notify(eventType, message, targetUserID string) *Message {
	return &Message{Kind: KindNotification, Data: NotificationPayload{
		EventType: eventType, Message: message, TargetUserID: targetUserID,
	}}
}

func Broadcast(channel, event string, data interface{}) *Message {
	return &Message{Kind: KindBroadcast, Data: BroadcastPayload{Channel: channel, Event: event, Data: data}}
}

func Audit(p AuditPayload) *Message {
	return &Message{Kind: KindAudit, Data: p}
}

func LifecycleEvent(lifecycleID, eventType, actorID string, data interface{}) *Message {
	return &Message{Kind: KindLifecycleEvent, Data: LifecycleEventPayload{
		LifecycleID: lifecycleID, EventType: eventType, ActorID: actorID, Data: data,
	}}
}

func ChatMessage(conversationKey, senderID, body string) *Message {
	return &Message{Kind: KindChatMessage, Data: ChatMessagePayload{
		ConversationKey: conversationKey, SenderID: senderID, Body: body,
	}}
}

func ErxTransmit(transactionID, prescriptionID string) *Message {
	return &Message{Kind: KindErxTransmit, Data: ErxTransmitPayload{
		TransactionID: transactionID, PrescriptionID: prescriptionID,
	}}
}
