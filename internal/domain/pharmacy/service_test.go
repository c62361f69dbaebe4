package pharmacy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/careflow/careflow/internal/domain/lifecycle"
	"github.com/careflow/careflow/internal/platform/apperr"
	"github.com/careflow/careflow/internal/platform/auth"
	"github.com/careflow/careflow/internal/platform/db"
	"github.com/careflow/careflow/internal/platform/outbox"
	"github.com/careflow/careflow/internal/platform/telemetry"
)

// -- Mock Repositories --

type mockOrderRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*Order
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[uuid.UUID]*Order)}
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id uuid.UUID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, apperr.NotFound("PharmacyOrder", id.String())
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) ListByPharmacy(_ context.Context, pharmacyID string, status *OrderStatus, limit, offset int) ([]*Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Order
	for _, o := range m.orders {
		if o.PharmacyID != pharmacyID || (status != nil && o.Status != *status) {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	return result, len(result), nil
}

func (m *mockOrderRepo) ListByPrescription(_ context.Context, prescriptionID uuid.UUID) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Order
	for _, o := range m.orders {
		if o.PrescriptionID == prescriptionID {
			cp := *o
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockOrderRepo) UpdateStatus(_ context.Context, o *Order, prev OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.orders[o.ID]
	if !ok || stored.Status != prev {
		return apperr.Conflict("pharmacy order %s is no longer %s", o.ID, prev)
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

type mockInventoryRepo struct {
	mu        sync.Mutex
	items     map[uuid.UUID]*Inventory
	movements []*StockMovement
}

func newMockInventoryRepo() *mockInventoryRepo {
	return &mockInventoryRepo{items: make(map[uuid.UUID]*Inventory)}
}

func (m *mockInventoryRepo) Create(_ context.Context, inv *Inventory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inv
	m.items[inv.ID] = &cp
	return nil
}

func (m *mockInventoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("PharmacyInventory", id.String())
	}
	cp := *inv
	return &cp, nil
}

func (m *mockInventoryRepo) Decrement(_ context.Context, id uuid.UUID, qty int) (*Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("PharmacyInventory", id.String())
	}
	if inv.QtyOnHand < qty {
		return nil, apperr.InsufficientStock(qty, inv.QtyOnHand)
	}
	inv.QtyOnHand -= qty
	cp := *inv
	return &cp, nil
}

func (m *mockInventoryRepo) AddMovement(_ context.Context, mv *StockMovement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mv
	m.movements = append(m.movements, &cp)
	return nil
}

func (m *mockInventoryRepo) ListMovements(_ context.Context, inventoryID uuid.UUID) ([]*StockMovement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*StockMovement
	for _, mv := range m.movements {
		if mv.InventoryID == inventoryID {
			result = append(result, mv)
		}
	}
	return result, nil
}

func (m *mockInventoryRepo) qty(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id].QtyOnHand
}

type mockRxReader struct {
	mu    sync.Mutex
	infos map[uuid.UUID]*PrescriptionInfo
}

func (m *mockRxReader) add(info *PrescriptionInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos[info.ID] = info
}

func (m *mockRxReader) PrescriptionInfo(_ context.Context, id uuid.UUID) (*PrescriptionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.infos[id]
	if !ok {
		return nil, apperr.NotFound("Prescription", id.String())
	}
	return info, nil
}

type testEnv struct {
	svc       *Service
	orders    *mockOrderRepo
	inventory *mockInventoryRepo
	rx        *mockRxReader
	outbox    *outbox.MemoryStore
	metrics   *telemetry.MemoryCounter
}

func newTestEnv() *testEnv {
	env := &testEnv{
		orders:    newMockOrderRepo(),
		inventory: newMockInventoryRepo(),
		rx:        &mockRxReader{infos: make(map[uuid.UUID]*PrescriptionInfo)},
		outbox:    outbox.NewMemoryStore(),
		metrics:   telemetry.NewMemoryCounter(),
	}
	env.svc = NewService(env.orders, env.inventory, env.rx, db.NoopTx{}, outbox.NewWriter(env.outbox, 0))
	env.svc.SetMetrics(env.metrics)
	return env
}

func pharmacistCtx() context.Context {
	return auth.WithUser(context.Background(), "rph-1", []string{auth.RolePharmacist})
}

// createOrder registers a prescription and opens a New order for it at ph-1.
func createOrder(t *testing.T, env *testEnv, withLifecycle bool) *Order {
	t.Helper()
	info := &PrescriptionInfo{ID: uuid.New(), PatientID: "pat-1", DoctorID: "doc-1"}
	if withLifecycle {
		lid := uuid.New()
		info.LifecycleID = &lid
	}
	env.rx.add(info)
	o, err := env.svc.CreateOrder(pharmacistCtx(), CreateOrderInput{
		PharmacyID: "ph-1", PrescriptionID: info.ID, PatientID: "pat-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return o
}

func createStock(t *testing.T, env *testEnv, pharmacyID string, qty int) *Inventory {
	t.Helper()
	inv, err := env.svc.CreateInventory(pharmacistCtx(), pharmacyID, InventoryInput{
		DrugCode: "RX-AMOX-500", QtyOnHand: qty, ReorderLevel: 1, UnitPrice: decimal.RequireFromString("12.50"),
	})
	if err != nil {
		t.Fatalf("CreateInventory: %v", err)
	}
	return inv
}

func TestCreateOrder_Defaults(t *testing.T) {
	env := newTestEnv()
	o := createOrder(t, env, false)
	if o.Status != StatusNew {
		t.Errorf("expected New, got %s", o.Status)
	}
	if o.FulfillmentType != FulfillmentPickup {
		t.Errorf("expected Pickup, got %s", o.FulfillmentType)
	}
}

func TestCreateOrder_Validation(t *testing.T) {
	env := newTestEnv()
	ctx := pharmacistCtx()
	cases := []CreateOrderInput{
		{PrescriptionID: uuid.New()},
		{PharmacyID: "ph-1"},
		{PharmacyID: "ph-1", PrescriptionID: uuid.New(), FulfillmentType: "Drone"},
	}
	for _, in := range cases {
		if _, err := env.svc.CreateOrder(ctx, in); !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("expected validation error for %+v, got %v", in, err)
		}
	}
}

func TestAccept_FansOut(t *testing.T) {
	env := newTestEnv()
	o := createOrder(t, env, true)

	got, err := env.svc.Accept(pharmacistCtx(), "ph-1", o.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got.Status != StatusAccepted || got.AcceptedAt == nil {
		t.Errorf("unexpected order %+v", got)
	}

	notes := env.outbox.ByKind(outbox.KindNotification)
	if len(notes) != 2 {
		t.Fatalf("expected patient and doctor notifications, got %d", len(notes))
	}
	targets := map[string]bool{}
	for _, m := range notes {
		var p outbox.NotificationPayload
		m.Decode(&p)
		targets[p.TargetUserID] = true
	}
	if !targets["pat-1"] || !targets["doc-1"] {
		t.Errorf("unexpected notification targets %v", targets)
	}
	if n := len(env.outbox.ByKind(outbox.KindBroadcast)); n != 2 {
		t.Errorf("expected 2 broadcasts, got %d", n)
	}
	chats := env.outbox.ByKind(outbox.KindChatMessage)
	if len(chats) != 1 {
		t.Fatalf("expected 1 chat message, got %d", len(chats))
	}
	var cp outbox.ChatMessagePayload
	chats[0].Decode(&cp)
	if cp.ConversationKey != "pharmacy:ph-1:patient:pat-1" {
		t.Errorf("unexpected conversation key %q", cp.ConversationKey)
	}
	if n := len(env.outbox.ByKind(outbox.KindAudit)); n != 1 {
		t.Errorf("expected 1 audit entry, got %d", n)
	}
	if n := len(env.outbox.ByKind(outbox.KindLifecycleEvent)); n != 0 {
		t.Errorf("accept must not record a lifecycle event, got %d", n)
	}
	if v := env.metrics.Value(MetricTransitions, telemetry.Labels{"to": "Accepted"}); v != 1 {
		t.Errorf("expected transition counter 1, got %v", v)
	}
}

func TestTransition_WrongPharmacyIsNotFound(t *testing.T) {
	env := newTestEnv()
	o := createOrder(t, env, false)
	if _, err := env.svc.Accept(pharmacistCtx(), "ph-2", o.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestTransition_InvalidEdge(t *testing.T) {
	env := newTestEnv()
	o := createOrder(t, env, false)
	_, err := env.svc.MarkReady(pharmacistCtx(), "ph-1", o.ID)
	if !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Errorf("New -> ReadyForPickup should be invalid, got %v", err)
	}
	if len(env.outbox.Messages()) != 0 {
		t.Error("failed transition must not publish side effects")
	}
}

func TestTransition_TerminalIsConflict(t *testing.T) {
	env := newTestEnv()
	o := createOrder(t, env, false)
	inv := createStock(t, env, "ph-1", 10)
	ctx := pharmacistCtx()
	env.svc.Accept(ctx, "ph-1", o.ID)
	if _, err := env.svc.Dispense(ctx, "ph-1", o.ID, DispenseInput{InventoryID: inv.ID, Qty: 1}); err != nil {
		t.Fatalf("Dispense: %v", err)
	}

	_, err := env.svc.Accept(ctx, "ph-1", o.ID)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Message != "already terminal: Dispensed" {
		t.Errorf("unexpected error %v", err)
	}
}

func TestReject_RequiresReason(t *testing.T) {
	env := newTestEnv()
	o := createOrder(t, env, false)
	if _, err := env.svc.Reject(pharmacistCtx(), "ph-1", o.ID, ""); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	got, err := env.svc.Reject(pharmacistCtx(), "ph-1", o.ID, "out of formulary")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got.RejectReason == nil || *got.RejectReason != "out of formulary" {
		t.Errorf("unexpected reason %v", got.RejectReason)
	}
}

func TestDispense_Full(t *testing.T) {
	env := newTestEnv()
	o := createOrder(t, env, true)
	inv := createStock(t, env, "ph-1", 10)
	ctx := pharmacistCtx()
	env.svc.Accept(ctx, "ph-1", o.ID)
	env.svc.MarkReady(ctx, "ph-1", o.ID)

	got, err := env.svc.Dispense(ctx, "ph-1", o.ID, DispenseInput{InventoryID: inv.ID, Qty: 4})
	if err != nil {
		t.Fatalf("Dispense: %v", err)
	}
	if got.Status != StatusDispensed || got.DispensedAt == nil {
		t.Errorf("unexpected order %+v", got)
	}
	if q := env.inventory.qty(inv.ID); q != 6 {
		t.Errorf("expected 6 on hand, got %d", q)
	}
	mvs, _ := env.svc.ListMovements(ctx, "ph-1", inv.ID)
	if len(mvs) != 1 || mvs[0].Type != MovementDispense || mvs[0].Qty != 4 || mvs[0].PerformedByID != "rph-1" {
		t.Fatalf("unexpected movements %+v", mvs)
	}
	if mvs[0].PrescriptionID == nil || *mvs[0].PrescriptionID != o.PrescriptionID {
		t.Errorf("movement should reference the prescription")
	}

	events := env.outbox.ByKind(outbox.KindLifecycleEvent)
	if len(events) != 1 {
		t.Fatalf("expected 1 lifecycle event, got %d", len(events))
	}
	var ev outbox.LifecycleEventPayload
	events[0].Decode(&ev)
	if ev.EventType != lifecycle.EventRxDispensed {
		t.Errorf("unexpected event %s", ev.EventType)
	}
}

func TestDispense_WithoutLifecycleCountsSkip(t *testing.T) {
	env := newTestEnv()
	o := createOrder(t, env, false)
	inv := createStock(t, env, "ph-1", 5)
	ctx := pharmacistCtx()
	env.svc.Accept(ctx, "ph-1", o.ID)

	if _, err := env.svc.Dispense(ctx, "ph-1", o.ID, DispenseInput{InventoryID: inv.ID, Qty: 1}); err != nil {
		t.Fatalf("Dispense: %v", err)
	}
	if n := len(env.outbox.ByKind(outbox.KindLifecycleEvent)); n != 0 {
		t.Errorf("expected no lifecycle event, got %d", n)
	}
	if v := env.metrics.Value(MetricLifecycleSkipped, telemetry.Labels{"event": lifecycle.EventRxDispensed}); v != 1 {
		t.Errorf("expected skip counter 1, got %v", v)
	}
}

func TestDispense_InsufficientStock(t *testing.T) {
	env := newTestEnv()
	o := createOrder(t, env, true)
	inv := createStock(t, env, "ph-1", 3)
	ctx := pharmacistCtx()
	env.svc.Accept(ctx, "ph-1", o.ID)

	_, err := env.svc.Dispense(ctx, "ph-1", o.ID, DispenseInput{InventoryID: inv.ID, Qty: 5})
	if !apperr.Is(err, apperr.KindInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if q := env.inventory.qty(inv.ID); q != 3 {
		t.Errorf("stock must be unchanged, got %d", q)
	}
	stored, _ := env.svc.GetOrder(ctx, "ph-1", o.ID)
	if stored.Status != StatusAccepted {
		t.Errorf("order must stay Accepted, got %s", stored.Status)
	}
	if len(env.inventory.movements) != 0 {
		t.Error("no movement expected")
	}
	if v := env.metrics.Value(MetricStockouts, telemetry.Labels{"pharmacy_id": "ph-1"}); v != 1 {
		t.Errorf("expected stockout counter 1, got %v", v)
	}
}

func TestDispense_Validation(t *testing.T) {
	env := newTestEnv()
	o := createOrder(t, env, false)
	inv := createStock(t, env, "ph-1", 3)
	ctx := pharmacistCtx()
	env.svc.Accept(ctx, "ph-1", o.ID)

	if _, err := env.svc.Dispense(ctx, "ph-1", o.ID, DispenseInput{InventoryID: inv.ID}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("zero qty: expected validation error, got %v", err)
	}
	if _, err := env.svc.Dispense(ctx, "ph-1", o.ID, DispenseInput{Qty: 1}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("missing inventory: expected validation error, got %v", err)
	}
}

func TestDispense_OtherPharmacyStockIsNotFound(t *testing.T) {
	env := newTestEnv()
	o := createOrder(t, env, false)
	inv := createStock(t, env, "ph-2", 10)
	ctx := pharmacistCtx()
	env.svc.Accept(ctx, "ph-1", o.ID)

	_, err := env.svc.Dispense(ctx, "ph-1", o.ID, DispenseInput{InventoryID: inv.ID, Qty: 1})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if q := env.inventory.qty(inv.ID); q != 10 {
		t.Errorf("foreign stock must be untouched, got %d", q)
	}
}

func TestDispense_ConcurrentOrdersNeverOversell(t *testing.T) {
	env := newTestEnv()
	inv := createStock(t, env, "ph-1", 3)
	ctx := pharmacistCtx()
	a := createOrder(t, env, false)
	b := createOrder(t, env, false)
	env.svc.Accept(ctx, "ph-1", a.ID)
	env.svc.Accept(ctx, "ph-1", b.ID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []uuid.UUID{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = env.svc.Dispense(ctx, "ph-1", id, DispenseInput{InventoryID: inv.ID, Qty: 2})
		}(i, id)
	}
	wg.Wait()

	ok, short := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.Is(err, apperr.KindInsufficientStock):
			short++
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if ok != 1 || short != 1 {
		t.Errorf("expected one success and one stockout, got %d/%d", ok, short)
	}
	if q := env.inventory.qty(inv.ID); q != 1 {
		t.Errorf("expected 1 on hand, got %d", q)
	}
}

func TestCancelOrdersForPrescription(t *testing.T) {
	env := newTestEnv()
	ctx := pharmacistCtx()
	o := createOrder(t, env, false)
	second, _ := env.svc.CreateOrder(ctx, CreateOrderInput{PharmacyID: "ph-2", PrescriptionID: o.PrescriptionID, PatientID: "pat-1"})
	env.svc.Reject(ctx, "ph-2", second.ID, "closed")

	n, err := env.svc.CancelOrdersForPrescription(ctx, o.PrescriptionID)
	if err != nil {
		t.Fatalf("CancelOrdersForPrescription: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 cancelled, got %d", n)
	}
	stored, _ := env.svc.GetOrder(ctx, "ph-1", o.ID)
	if stored.Status != StatusCanceled {
		t.Errorf("expected Canceled, got %s", stored.Status)
	}
	rejected, _ := env.svc.GetOrder(ctx, "ph-2", second.ID)
	if rejected.Status != StatusRejected {
		t.Errorf("terminal order must be left alone, got %s", rejected.Status)
	}
}

func TestListOrders_StatusFilter(t *testing.T) {
	env := newTestEnv()
	ctx := pharmacistCtx()
	a := createOrder(t, env, false)
	createOrder(t, env, false)
	env.svc.Accept(ctx, "ph-1", a.ID)

	accepted := StatusAccepted
	items, total, err := env.svc.ListOrders(ctx, "ph-1", &accepted, 20, 0)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if total != 1 || items[0].ID != a.ID {
		t.Errorf("unexpected result %d %+v", total, items)
	}
	bogus := OrderStatus("Lost")
	if _, _, err := env.svc.ListOrders(ctx, "ph-1", &bogus, 20, 0); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCreateInventory(t *testing.T) {
	env := newTestEnv()
	ctx := pharmacistCtx()
	inv := createStock(t, env, "ph-1", 3)
	if inv.Visibility != "public" {
		t.Errorf("expected default visibility, got %s", inv.Visibility)
	}
	if !inv.UnitPrice.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("unexpected price %s", inv.UnitPrice)
	}

	bad := []InventoryInput{
		{QtyOnHand: 1},
		{DrugCode: "X", QtyOnHand: -1},
		{DrugCode: "X", UnitPrice: decimal.NewFromInt(-1)},
		{DrugCode: "X", Visibility: "secret"},
	}
	for _, in := range bad {
		if _, err := env.svc.CreateInventory(ctx, "ph-1", in); !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("expected validation error for %+v, got %v", in, err)
		}
	}
	if _, err := env.svc.GetInventory(ctx, "ph-2", inv.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found across pharmacies, got %v", err)
	}
}

func TestMachine_Table(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{StatusNew, StatusAccepted, true},
		{StatusNew, StatusDispensed, false},
		{StatusAccepted, StatusDispensed, true},
		{StatusAccepted, StatusReadyForPickup, true},
		{StatusReadyForPickup, StatusAccepted, false},
		{StatusOutForDelivery, StatusDispensed, true},
		{StatusDispensed, StatusCanceled, false},
	}
	for _, tt := range tests {
		if got := Machine.Can(tt.from, tt.to); got != tt.ok {
			t.Errorf("Can(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
	for _, s := range []OrderStatus{StatusDispensed, StatusRejected, StatusCanceled} {
		if !Machine.IsTerminal(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
}
