// Package notification delivers workflow status messages to patients, doctors
// and fulfillment staff. Messages arrive from the outbox, are fanned out to
// the configured senders, and kept in an in-memory inbox per recipient.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careflow/careflow/internal/platform/auth"
	"github.com/careflow/careflow/internal/platform/outbox"
	"github.com/careflow/careflow/internal/platform/websocket"
)

// ---------------------------------------------------------------------------
// Notification
// ---------------------------------------------------------------------------

type Notification struct {
	ID        string     `json:"id"`
	EventType string     `json:"event_type"`
	Recipient string     `json:"recipient"`
	Body      string     `json:"body"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Dispatcher is what workflow code depends on to reach a user.
type Dispatcher interface {
	DispatchEvent(ctx context.Context, eventType, message, targetUserID string) error
}

// Sender is one delivery channel (push, realtime, etc).
type Sender interface {
	Send(ctx context.Context, n *Notification) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

type Template struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Body string `json:"body"`
}

type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{ID: "pharmacy-order-new", Name: "Prescription Routed", Body: "Your prescription {{prescription_id}} was sent to the pharmacy."},
		{ID: "pharmacy-order-Accepted", Name: "Order Accepted", Body: "The pharmacy accepted your prescription order {{order_id}}."},
		{ID: "pharmacy-order-ReadyForPickup", Name: "Ready For Pickup", Body: "Your prescription order {{order_id}} is ready for pickup."},
		{ID: "pharmacy-order-Dispensed", Name: "Order Dispensed", Body: "Your prescription order {{order_id}} was dispensed."},
		{ID: "pharmacy-order-Rejected", Name: "Order Rejected", Body: "The pharmacy rejected prescription order {{order_id}}: {{reason}}."},
		{ID: "pharmacy-order-Canceled", Name: "Order Canceled", Body: "Prescription order {{order_id}} was canceled."},
		{ID: "lab-order-in-progress", Name: "Lab Accepted", Body: "The laboratory started processing {{test_name}}."},
		{ID: "lab-order-results", Name: "Lab Results Uploaded", Body: "New results were uploaded for {{test_name}}."},
		{ID: "lab-order-completed", Name: "Lab Completed", Body: "Your {{test_name}} results are ready."},
		{ID: "lab-order-cancelled", Name: "Lab Rejected", Body: "The laboratory could not process {{test_name}}."},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render performs {{key}} replacement on the template body. Keys absent from
// data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (string, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template %q not found", templateID)
	}
	body := t.Body
	for k, v := range data {
		body = strings.ReplaceAll(body, "{{"+k+"}}", v)
	}
	return body, nil
}

// Templates holds the built-in workflow messages.
var Templates = NewTemplateEngine()

// Message renders templateID from Templates, or fallback when it is unknown.
func Message(templateID, fallback string, data map[string]string) string {
	body, err := Templates.Render(templateID, data)
	if err != nil {
		return fallback
	}
	return body
}

// ---------------------------------------------------------------------------
// Realtime Sender
// ---------------------------------------------------------------------------

// RealtimeSender pushes each notification to the recipient's user channel.
type RealtimeSender struct {
	broadcaster websocket.Broadcaster
}

func NewRealtimeSender(b websocket.Broadcaster) *RealtimeSender {
	return &RealtimeSender{broadcaster: b}
}

func (s *RealtimeSender) Send(ctx context.Context, n *Notification) error {
	return s.broadcaster.ToChannel(websocket.UserChannel(n.Recipient)).Emit(ctx, "notification", n)
}

// ---------------------------------------------------------------------------
// Mock Sender (test double)
// ---------------------------------------------------------------------------

type MockSender struct {
	mu         sync.Mutex
	calls      []Notification
	ShouldFail bool
	FailError  string
}

func (m *MockSender) Send(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, *n)
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

func (m *MockSender) Calls() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.calls))
	copy(out, m.calls)
	return out
}

// ---------------------------------------------------------------------------
// Notification Manager
// ---------------------------------------------------------------------------

const inboxLimit = 200

type NotificationManager struct {
	senders []Sender
	logger  zerolog.Logger

	mu    sync.RWMutex
	inbox map[string][]*Notification
}

func NewNotificationManager(logger zerolog.Logger, senders ...Sender) *NotificationManager {
	return &NotificationManager{
		senders: senders,
		logger:  logger,
		inbox:   make(map[string][]*Notification),
	}
}

// DispatchEvent sends message to every configured sender. It fails only when
// every sender fails, so the outbox retries the whole notification.
func (m *NotificationManager) DispatchEvent(ctx context.Context, eventType, message, targetUserID string) error {
	if targetUserID == "" {
		return fmt.Errorf("target user is required")
	}
	n := &Notification{
		ID:        uuid.New().String(),
		EventType: eventType,
		Recipient: targetUserID,
		Body:      message,
		Status:    "pending",
		CreatedAt: time.Now().UTC(),
	}

	var errs []error
	for _, s := range m.senders {
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}

	if len(m.senders) > 0 && len(errs) == len(m.senders) {
		n.Status = "failed"
		n.Error = errors.Join(errs...).Error()
	} else {
		sentAt := time.Now().UTC()
		n.Status = "sent"
		n.SentAt = &sentAt
		if len(errs) > 0 {
			m.logger.Warn().Str("event_type", eventType).Err(errors.Join(errs...)).Msg("partial notification delivery")
		}
	}
	m.store(n)

	if n.Status == "failed" {
		return fmt.Errorf("deliver %s to %s: %s", eventType, targetUserID, n.Error)
	}
	return nil
}

func (m *NotificationManager) store(n *Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.inbox[n.Recipient], n)
	if len(list) > inboxLimit {
		list = list[len(list)-inboxLimit:]
	}
	m.inbox[n.Recipient] = list
}

// ListByRecipient returns the newest notifications first, up to limit.
func (m *NotificationManager) ListByRecipient(_ context.Context, recipient string, limit int) []*Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.inbox[recipient]
	out := make([]*Notification, 0, len(list))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out
}

// OutboxHandler delivers outbox notification messages through d.
func OutboxHandler(d Dispatcher) outbox.Handler {
	return func(ctx context.Context, msg *outbox.Message) error {
		var p outbox.NotificationPayload
		if err := msg.Decode(&p); err != nil {
			return fmt.Errorf("decode notification payload: %w", err)
		}
		return d.DispatchEvent(ctx, p.EventType, p.Message, p.TargetUserID)
	}
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

type NotificationHandler struct {
	manager *NotificationManager
}

func NewNotificationHandler(mgr *NotificationManager) *NotificationHandler {
	return &NotificationHandler{manager: mgr}
}

func (h *NotificationHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.HandleList)
}

// HandleList returns the caller's own notifications.
func (h *NotificationHandler) HandleList(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing user")
	}
	return c.JSON(http.StatusOK, h.manager.ListByRecipient(c.Request().Context(), userID, 100))
}
