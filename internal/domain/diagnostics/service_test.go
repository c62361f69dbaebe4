package diagnostics

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/careflow/careflow/internal/domain/lifecycle"
	"github.com/careflow/careflow/internal/platform/apperr"
	"github.com/careflow/careflow/internal/platform/auth"
	"github.com/careflow/careflow/internal/platform/db"
	"github.com/careflow/careflow/internal/platform/outbox"
)

// -- Mock Repositories --

type mockLabRepo struct {
	mu    sync.Mutex
	exams map[uuid.UUID]*LabExamination
}

func newMockLabRepo() *mockLabRepo {
	return &mockLabRepo{exams: make(map[uuid.UUID]*LabExamination)}
}

func (m *mockLabRepo) Create(_ context.Context, l *LabExamination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.exams[l.ID] = &cp
	return nil
}

func (m *mockLabRepo) GetByID(_ context.Context, id uuid.UUID) (*LabExamination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.exams[id]
	if !ok {
		return nil, apperr.NotFound("LabExamination", id.String())
	}
	cp := *l
	return &cp, nil
}

func (m *mockLabRepo) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*LabExamination, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*LabExamination
	for _, l := range m.exams {
		if l.PatientID == patientID {
			result = append(result, l)
		}
	}
	return result, len(result), nil
}

func (m *mockLabRepo) Update(_ context.Context, l *LabExamination, prev Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.exams[l.ID]
	if !ok || stored.Status != prev {
		return apperr.Conflict("lab examination %s is no longer %s", l.ID, prev)
	}
	cp := *l
	m.exams[l.ID] = &cp
	return nil
}

type mockImagingRepo struct {
	mu      sync.Mutex
	reports map[uuid.UUID]*ImagingReport
}

func newMockImagingRepo() *mockImagingRepo {
	return &mockImagingRepo{reports: make(map[uuid.UUID]*ImagingReport)}
}

func (m *mockImagingRepo) Create(_ context.Context, r *ImagingReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.reports {
		if existing.AccessionNumber == r.AccessionNumber {
			return apperr.Conflict("accession number %s already used", r.AccessionNumber)
		}
	}
	cp := *r
	m.reports[r.ID] = &cp
	return nil
}

func (m *mockImagingRepo) GetByID(_ context.Context, id uuid.UUID) (*ImagingReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, apperr.NotFound("ImagingReport", id.String())
	}
	cp := *r
	return &cp, nil
}

func (m *mockImagingRepo) Update(_ context.Context, r *ImagingReport, prev Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.reports[r.ID]
	if !ok || stored.Status != prev {
		return apperr.Conflict("imaging report %s is no longer %s", r.ID, prev)
	}
	cp := *r
	m.reports[r.ID] = &cp
	return nil
}

type testEnv struct {
	svc     *Service
	labs    *mockLabRepo
	imaging *mockImagingRepo
	outbox  *outbox.MemoryStore
}

func newTestEnv() *testEnv {
	env := &testEnv{labs: newMockLabRepo(), imaging: newMockImagingRepo(), outbox: outbox.NewMemoryStore()}
	env.svc = NewService(env.labs, env.imaging, db.NoopTx{}, outbox.NewWriter(env.outbox, 0))
	return env
}

func newTestService() *Service {
	return newTestEnv().svc
}

func doctorCtx() context.Context {
	return auth.WithUser(context.Background(), "doc-1", []string{auth.RoleDoctor})
}

func lifecycleEvents(t *testing.T, store *outbox.MemoryStore) []outbox.LifecycleEventPayload {
	t.Helper()
	var out []outbox.LifecycleEventPayload
	for _, m := range store.ByKind(outbox.KindLifecycleEvent) {
		var p outbox.LifecycleEventPayload
		if err := m.Decode(&p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func createLab(t *testing.T, env *testEnv, lifecycleID *uuid.UUID) *LabExamination {
	t.Helper()
	exams, err := env.svc.CreateLabOrders(doctorCtx(), LabOrderInput{
		PatientID: "pat-1", DoctorID: "doc-1", LifecycleID: lifecycleID,
		Items: []LabOrderItem{{TestCode: "HGB", TestName: "Hemoglobin"}},
	})
	if err != nil {
		t.Fatalf("create lab order: %v", err)
	}
	return exams[0]
}

// -- Lab Orders --

func TestCreateLabOrders(t *testing.T) {
	env := newTestEnv()
	lid := uuid.New()
	exams, err := env.svc.CreateLabOrders(doctorCtx(), LabOrderInput{
		PatientID: "pat-1", DoctorID: "doc-1", LifecycleID: &lid,
		Items: []LabOrderItem{{TestCode: "CBC"}, {TestCode: "HGB", TestName: "Hemoglobin"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exams) != 2 {
		t.Fatalf("expected 2 exams, got %d", len(exams))
	}
	for _, l := range exams {
		if l.Status != StatusOrdered {
			t.Errorf("expected ordered, got %s", l.Status)
		}
	}
	if exams[0].TestName != "CBC" {
		t.Errorf("expected test name to default to code, got %q", exams[0].TestName)
	}

	events := lifecycleEvents(t, env.outbox)
	if len(events) != 1 || events[0].EventType != lifecycle.EventLabOrdered || events[0].LifecycleID != lid.String() {
		t.Fatalf("expected one LabOrdered event, got %+v", events)
	}
	if len(env.outbox.ByKind(outbox.KindAudit)) != 2 {
		t.Errorf("expected an audit record per exam")
	}
}

func TestCreateLabOrders_NoLifecycleNoEvent(t *testing.T) {
	env := newTestEnv()
	createLab(t, env, nil)
	if n := len(env.outbox.ByKind(outbox.KindLifecycleEvent)); n != 0 {
		t.Errorf("expected no lifecycle events, got %d", n)
	}
}

func TestCreateLabOrders_Validation(t *testing.T) {
	svc := newTestService()
	tests := []LabOrderInput{
		{DoctorID: "d", Items: []LabOrderItem{{TestCode: "X"}}},
		{PatientID: "p", Items: []LabOrderItem{{TestCode: "X"}}},
		{PatientID: "p", DoctorID: "d"},
		{PatientID: "p", DoctorID: "d", Items: []LabOrderItem{{}}},
	}
	for i, in := range tests {
		if _, err := svc.CreateLabOrders(doctorCtx(), in); !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestRouteLabOrder(t *testing.T) {
	env := newTestEnv()
	lid := uuid.New()
	l := createLab(t, env, &lid)

	routed, err := env.svc.RouteLabOrder(doctorCtx(), l.ID, "lab-7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if routed.LabID == nil || *routed.LabID != "lab-7" {
		t.Errorf("expected lab-7, got %v", routed.LabID)
	}

	broadcasts := env.outbox.ByKind(outbox.KindBroadcast)
	if len(broadcasts) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(broadcasts))
	}
	var b outbox.BroadcastPayload
	broadcasts[0].Decode(&b)
	if b.Channel != "lab:lab-7" || b.Event != "lab_order_new" {
		t.Errorf("unexpected broadcast %+v", b)
	}

	events := lifecycleEvents(t, env.outbox)
	if events[len(events)-1].EventType != lifecycle.EventOrderRouted {
		t.Errorf("expected OrderRouted event, got %s", events[len(events)-1].EventType)
	}
}

func TestRouteLabOrder_Terminal(t *testing.T) {
	env := newTestEnv()
	l := createLab(t, env, nil)
	env.svc.UpdateLabStatus(doctorCtx(), l.ID, StatusCancelled)

	_, err := env.svc.RouteLabOrder(doctorCtx(), l.ID, "lab-7")
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestPostLabResults(t *testing.T) {
	env := newTestEnv()
	lid := uuid.New()
	l := createLab(t, env, &lid)

	done, err := env.svc.PostLabResults(doctorCtx(), l.ID, []Result{{Name: "Hemoglobin", Value: 13.5}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.Status != StatusCompleted || done.CompletedAt == nil || len(done.Results) != 1 {
		t.Errorf("unexpected exam %+v", done)
	}
	events := lifecycleEvents(t, env.outbox)
	if events[len(events)-1].EventType != lifecycle.EventResultsPosted {
		t.Errorf("expected ResultsPosted event")
	}
	if len(env.outbox.ByKind(outbox.KindNotification)) != 1 {
		t.Errorf("expected a patient notification")
	}
}

func TestPostLabResults_MissingValueNoWrite(t *testing.T) {
	env := newTestEnv()
	l := createLab(t, env, nil)
	before := len(env.outbox.Messages())

	_, err := env.svc.PostLabResults(doctorCtx(), l.ID, []Result{{Name: "Hemoglobin"}})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	stored, _ := env.labs.GetByID(context.Background(), l.ID)
	if stored.Status != StatusOrdered || len(stored.Results) != 0 {
		t.Errorf("exam was modified: %+v", stored)
	}
	if len(env.outbox.Messages()) != before {
		t.Errorf("side effects were enqueued")
	}
}

func TestPostLabResults_AlreadyCompleted(t *testing.T) {
	env := newTestEnv()
	l := createLab(t, env, nil)
	env.svc.PostLabResults(doctorCtx(), l.ID, []Result{{Name: "A", Value: "1"}})

	_, err := env.svc.PostLabResults(doctorCtx(), l.ID, []Result{{Name: "A", Value: "2"}})
	if !apperr.Is(err, apperr.KindConflict) || !strings.Contains(err.Error(), "already terminal: completed") {
		t.Fatalf("expected terminal conflict, got %v", err)
	}
}

func TestUpdateLabStatus(t *testing.T) {
	env := newTestEnv()
	l := createLab(t, env, nil)

	if _, err := env.svc.UpdateLabStatus(doctorCtx(), l.ID, "bogus"); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := env.svc.UpdateLabStatus(doctorCtx(), l.ID, StatusScheduled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.UpdateLabStatus(doctorCtx(), l.ID, StatusOrdered); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
	done, err := env.svc.UpdateLabStatus(doctorCtx(), l.ID, StatusCompleted)
	if err != nil || done.CompletedAt == nil {
		t.Fatalf("expected completion with timestamp, got %v", err)
	}
}

func TestListLabExamsByPatient(t *testing.T) {
	env := newTestEnv()
	createLab(t, env, nil)
	createLab(t, env, nil)
	items, total, err := env.svc.ListLabExamsByPatient(context.Background(), "pat-1", 20, 0)
	if err != nil || total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 exams, got %d (%v)", total, err)
	}
}

// -- Imaging --

func TestCreateImagingOrder(t *testing.T) {
	env := newTestEnv()
	lid := uuid.New()
	ir, err := env.svc.CreateImagingOrder(doctorCtx(), ImagingOrderInput{
		PatientID: "pat-1", DoctorID: "doc-1", Modality: "MRI", BodyPart: "knee", LifecycleID: &lid,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ir.Status != StatusScheduled {
		t.Errorf("expected scheduled, got %s", ir.Status)
	}
	if !strings.HasPrefix(ir.AccessionNumber, "ACC-") {
		t.Errorf("unexpected accession %q", ir.AccessionNumber)
	}
	events := lifecycleEvents(t, env.outbox)
	if len(events) != 1 || events[0].EventType != lifecycle.EventImagingOrdered {
		t.Fatalf("expected ImagingOrdered event, got %+v", events)
	}
}

func TestAccessionNumber_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		a, err := AccessionNumber()
		if err != nil {
			t.Fatal(err)
		}
		if seen[a] {
			t.Fatalf("duplicate accession %s", a)
		}
		seen[a] = true
	}
}

func TestPostImagingReport(t *testing.T) {
	env := newTestEnv()
	ir, _ := env.svc.CreateImagingOrder(doctorCtx(), ImagingOrderInput{PatientID: "p", DoctorID: "d", Modality: "CT"})

	if _, err := env.svc.PostImagingReport(doctorCtx(), ir.ID, ImagingReportInput{}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	done, err := env.svc.PostImagingReport(doctorCtx(), ir.ID, ImagingReportInput{Findings: "clear", Impression: "normal"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.Status != StatusCompleted || *done.Findings != "clear" {
		t.Errorf("unexpected report %+v", done)
	}
}

func TestUpdateImagingStatus(t *testing.T) {
	env := newTestEnv()
	ir, _ := env.svc.CreateImagingOrder(doctorCtx(), ImagingOrderInput{PatientID: "p", DoctorID: "d", Modality: "CT"})

	if _, err := env.svc.UpdateImagingStatus(doctorCtx(), ir.ID, StatusOrdered); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("ordered is not an imaging status, got %v", err)
	}
	if _, err := env.svc.UpdateImagingStatus(doctorCtx(), ir.ID, StatusInProgress); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.UpdateImagingStatus(doctorCtx(), ir.ID, StatusCancelled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.UpdateImagingStatus(doctorCtx(), ir.ID, StatusInProgress); !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("expected terminal conflict, got %v", err)
	}
}

// -- Machine --

func TestMachine_Table(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusOrdered, StatusScheduled, true},
		{StatusOrdered, StatusCompleted, true},
		{StatusScheduled, StatusOrdered, false},
		{StatusInProgress, StatusInProgress, true},
		{StatusInProgress, StatusScheduled, false},
		{StatusCompleted, StatusCancelled, false},
	}
	for _, tt := range tests {
		if got := Machine.Can(tt.from, tt.to); got != tt.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidateResults(t *testing.T) {
	if err := ValidateResults([]Result{{Name: "A", Value: "1"}, {Name: "B", Value: 2.0}}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateResults([]Result{{Value: "1"}}); err == nil {
		t.Error("expected error for missing name")
	}
	if err := ValidateResults([]Result{{Name: "A", Value: ""}}); err == nil {
		t.Error("expected error for empty value")
	}
}
