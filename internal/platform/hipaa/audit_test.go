package hipaa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/careflow/careflow/internal/platform/auth"
	"github.com/careflow/careflow/internal/platform/outbox"
)

func TestEntry_CapturesActorAndDiff(t *testing.T) {
	ctx := auth.WithUser(context.Background(), "pharm-1", []string{auth.RolePharmacist})
	msg := Entry(ctx, "pharmacy_order.dispense", "PharmacyOrder", "o1",
		map[string]string{"status": "Accepted"}, map[string]string{"status": "Dispensed"}, nil)

	p, ok := msg.Data.(outbox.AuditPayload)
	if !ok {
		t.Fatalf("expected AuditPayload, got %T", msg.Data)
	}
	if p.ActorID != "pharm-1" || p.Role != auth.RolePharmacist {
		t.Errorf("unexpected actor %q/%q", p.ActorID, p.Role)
	}
	raw, _ := json.Marshal(p.Diff)
	if string(raw) != `{"before":{"status":"Accepted"},"after":{"status":"Dispensed"}}` {
		t.Errorf("unexpected diff %s", raw)
	}
}

func TestOutboxHandler_IsIdempotent(t *testing.T) {
	store := outbox.NewMemoryStore()
	ctx := auth.WithUser(context.Background(), "lab-1", []string{auth.RoleLabTechnician})
	if err := outbox.NewWriter(store, 1).Publish(ctx, Entry(ctx, "lab.accept", "LabExamination", "l1", nil, nil, nil)); err != nil {
		t.Fatal(err)
	}
	msg := store.Messages()[0]

	logger := NewMemoryAuditLogger()
	h := OutboxHandler(logger)
	for i := 0; i < 2; i++ {
		if err := h(context.Background(), msg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if logger.Count() != 1 {
		t.Fatalf("expected 1 record after redelivery, got %d", logger.Count())
	}

	records, _ := logger.ListByResource(context.Background(), "LabExamination", "l1", 10)
	if len(records) != 1 || records[0].ID != msg.ID {
		t.Fatalf("expected record with message id, got %+v", records)
	}
	if records[0].ActorID != "lab-1" {
		t.Errorf("expected actor lab-1, got %q", records[0].ActorID)
	}
}

func TestAuditHandler_List(t *testing.T) {
	logger := NewMemoryAuditLogger()
	logger.Log(context.Background(), &AuditRecord{ActorID: "a", Action: "x", ResourceType: "PharmacyOrder", ResourceID: "o1"})
	logger.Log(context.Background(), &AuditRecord{ActorID: "a", Action: "y", ResourceType: "PharmacyOrder", ResourceID: "o2"})

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("resourceType", "resourceId")
	c.SetParamValues("PharmacyOrder", "o1")

	if err := NewAuditHandler(logger).HandleList(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out []AuditRecord
	json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out) != 1 || out[0].Action != "x" {
		t.Errorf("unexpected records %+v", out)
	}
}
