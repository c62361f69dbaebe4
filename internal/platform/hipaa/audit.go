// Package hipaa records who changed which clinical resource. Every workflow
// transition writes one AuditRecord with before/after snapshots.
package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/careflow/careflow/internal/platform/auth"
	"github.com/careflow/careflow/internal/platform/db"
	"github.com/careflow/careflow/internal/platform/outbox"
)

type AuditRecord struct {
	ID           uuid.UUID       `json:"id"`
	ActorID      string          `json:"actor_id"`
	Role         string          `json:"role"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Diff         json.RawMessage `json:"diff,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`
	RecordedAt   time.Time       `json:"recorded_at"`
}

// Diff is the conventional shape of AuditRecord.Diff.
type Diff struct {
	Before interface{} `json:"before"`
	After  interface{} `json:"after"`
}

// AuditLogger persists audit records. Log must be idempotent on record ID.
type AuditLogger interface {
	Log(ctx context.Context, rec *AuditRecord) error
	ListByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]*AuditRecord, error)
}

type pgAuditLogger struct {
	pool *pgxpool.Pool
}

func NewAuditLogger(pool *pgxpool.Pool) AuditLogger {
	return &pgAuditLogger{pool: pool}
}

func (a *pgAuditLogger) Log(ctx context.Context, rec *AuditRecord) error {
	prepare(rec)
	_, err := db.Conn(ctx, a.pool).Exec(ctx, `
		INSERT INTO audit_log (id, actor_id, role, action, resource_type, resource_id, diff, context, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.ActorID, rec.Role, rec.Action, rec.ResourceType, rec.ResourceID,
		nullJSON(rec.Diff), nullJSON(rec.Context), rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert: %w", err)
	}
	return nil
}

func (a *pgAuditLogger) ListByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]*AuditRecord, error) {
	rows, err := db.Conn(ctx, a.pool).Query(ctx, `
		SELECT id, actor_id, role, action, resource_type, resource_id, diff, context, recorded_at
		FROM audit_log WHERE resource_type = $1 AND resource_id = $2
		ORDER BY recorded_at DESC, id DESC LIMIT $3`, resourceType, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: list: %w", err)
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		var r AuditRecord
		var diff, actx []byte
		if err := rows.Scan(&r.ID, &r.ActorID, &r.Role, &r.Action, &r.ResourceType, &r.ResourceID,
			&diff, &actx, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.Diff, r.Context = diff, actx
		out = append(out, &r)
	}
	return out, rows.Err()
}

func prepare(rec *AuditRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
}

func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// MemoryAuditLogger keeps records in memory. Useful in tests and local runs.
type MemoryAuditLogger struct {
	mu      sync.Mutex
	records map[uuid.UUID]*AuditRecord
}

func NewMemoryAuditLogger() *MemoryAuditLogger {
	return &MemoryAuditLogger{records: make(map[uuid.UUID]*AuditRecord)}
}

func (m *MemoryAuditLogger) Log(_ context.Context, rec *AuditRecord) error {
	prepare(rec)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; !exists {
		cp := *rec
		m.records[rec.ID] = &cp
	}
	return nil
}

func (m *MemoryAuditLogger) ListByResource(_ context.Context, resourceType, resourceID string, limit int) ([]*AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditRecord
	for _, r := range m.records {
		if r.ResourceType == resourceType && r.ResourceID == resourceID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryAuditLogger) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// OutboxHandler writes outbox audit messages. The message ID is reused as the
// record ID so redelivery is a no-op.
func OutboxHandler(l AuditLogger) outbox.Handler {
	return func(ctx context.Context, msg *outbox.Message) error {
		var p struct {
			ActorID      string          `json:"actor_id"`
			Role         string          `json:"role"`
			Action       string          `json:"action"`
			ResourceType string          `json:"resource_type"`
			ResourceID   string          `json:"resource_id"`
			Diff         json.RawMessage `json:"diff"`
			Context      json.RawMessage `json:"context"`
		}
		if err := msg.Decode(&p); err != nil {
			return fmt.Errorf("decode audit payload: %w", err)
		}
		return l.Log(ctx, &AuditRecord{
			ID:           msg.ID,
			ActorID:      p.ActorID,
			Role:         p.Role,
			Action:       p.Action,
			ResourceType: p.ResourceType,
			ResourceID:   p.ResourceID,
			Diff:         p.Diff,
			Context:      p.Context,
			RecordedAt:   msg.CreatedAt,
		})
	}
}

// Entry builds an outbox audit message for a state change made by the caller in ctx.
func Entry(ctx context.Context, action, resourceType, resourceID string, before, after interface{}, extra map[string]interface{}) *outbox.Message {
	return outbox.Audit(outbox.AuditPayload{
		ActorID:      auth.UserIDFromContext(ctx),
		Role:         auth.PrimaryRole(ctx),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Diff:         Diff{Before: before, After: after},
		Context:      extra,
	})
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

type AuditHandler struct {
	logger AuditLogger
}

func NewAuditHandler(l AuditLogger) *AuditHandler {
	return &AuditHandler{logger: l}
}

func (h *AuditHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/audit/:resourceType/:resourceId", h.HandleList, auth.RequireRole(auth.RoleAdmin))
}

func (h *AuditHandler) HandleList(c echo.Context) error {
	records, err := h.logger.ListByResource(c.Request().Context(), c.Param("resourceType"), c.Param("resourceId"), 100)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list audit records")
	}
	return c.JSON(http.StatusOK, records)
}
