package diagnostics

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/careflow/careflow/internal/domain/lifecycle"
	"github.com/careflow/careflow/internal/platform/apperr"
	"github.com/careflow/careflow/internal/platform/auth"
	"github.com/careflow/careflow/internal/platform/db"
	"github.com/careflow/careflow/internal/platform/hipaa"
	"github.com/careflow/careflow/internal/platform/notification"
	"github.com/careflow/careflow/internal/platform/outbox"
	"github.com/careflow/careflow/internal/platform/websocket"
)

type Service struct {
	labs    LabRepository
	imaging ImagingRepository
	tx      db.Transactor
	pub     outbox.Publisher
	now     func() time.Time
}

func NewService(labs LabRepository, imaging ImagingRepository, tx db.Transactor, pub outbox.Publisher) *Service {
	return &Service{labs: labs, imaging: imaging, tx: tx, pub: pub, now: time.Now}
}

// -- Lab orders --

type LabOrderItem struct {
	TestCode string `json:"test_code"`
	TestName string `json:"test_name"`
}

type LabOrderInput struct {
	PatientID   string         `json:"patient_id"`
	DoctorID    string         `json:"doctor_id"`
	LifecycleID *uuid.UUID     `json:"lifecycle_id"`
	Items       []LabOrderItem `json:"items"`
}

// CreateLabOrders creates one examination per item in a single transaction.
func (s *Service) CreateLabOrders(ctx context.Context, in LabOrderInput) ([]*LabExamination, error) {
	if in.PatientID == "" {
		return nil, apperr.Validation("patient_id is required")
	}
	if in.DoctorID == "" {
		return nil, apperr.Validation("doctor_id is required")
	}
	if len(in.Items) == 0 {
		return nil, apperr.Validation("at least one test is required")
	}
	for i, it := range in.Items {
		if it.TestCode == "" && it.TestName == "" {
			return nil, apperr.Validation("items[%d]: test_code or test_name is required", i)
		}
	}

	actor := auth.UserIDFromContext(ctx)
	now := s.now().UTC()
	exams := make([]*LabExamination, 0, len(in.Items))
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var msgs []*outbox.Message
		data := lifecycle.LabOrderedData{}
		for _, it := range in.Items {
			l := &LabExamination{
				ID:          uuid.New(),
				PatientID:   in.PatientID,
				DoctorID:    in.DoctorID,
				TestCode:    it.TestCode,
				TestName:    it.TestName,
				Status:      StatusOrdered,
				Results:     []Result{},
				LifecycleID: in.LifecycleID,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if l.TestName == "" {
				l.TestName = l.TestCode
			}
			if err := s.labs.Create(ctx, l); err != nil {
				return err
			}
			exams = append(exams, l)
			data.LabExaminationIDs = append(data.LabExaminationIDs, l.ID.String())
			data.TestCodes = append(data.TestCodes, l.TestCode)
			msgs = append(msgs, hipaa.Entry(ctx, "lab_order.create", "LabExamination", l.ID.String(), nil, l, nil))
		}
		msgs = lifecycle.WithEvent(msgs, in.LifecycleID, lifecycle.EventLabOrdered, actor, data)
		return s.pub.Publish(ctx, msgs...)
	})
	if err != nil {
		return nil, err
	}
	return exams, nil
}

func (s *Service) GetLabExam(ctx context.Context, id uuid.UUID) (*LabExamination, error) {
	return s.labs.GetByID(ctx, id)
}

func (s *Service) ListLabExamsByPatient(ctx context.Context, patientID string, limit, offset int) ([]*LabExamination, int, error) {
	if patientID == "" {
		return nil, 0, apperr.Validation("patient_id is required")
	}
	return s.labs.ListByPatient(ctx, patientID, limit, offset)
}

// RouteLabOrder assigns a laboratory to an examination that no lab has started yet.
func (s *Service) RouteLabOrder(ctx context.Context, id uuid.UUID, labID string) (*LabExamination, error) {
	if labID == "" {
		return nil, apperr.Validation("lab_id is required")
	}
	actor := auth.UserIDFromContext(ctx)
	var result *LabExamination
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		l, err := s.labs.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if Machine.IsTerminal(l.Status) {
			return apperr.Conflict("already terminal: %s", l.Status)
		}
		if l.Status == StatusInProgress {
			return apperr.Conflict("lab examination %s is already in progress", l.ID)
		}
		before := *l
		l.LabID = &labID
		l.UpdatedAt = s.now().UTC()
		if err := s.labs.Update(ctx, l, l.Status); err != nil {
			return err
		}
		result = l

		msgs := []*outbox.Message{
			outbox.Broadcast(websocket.LabChannel(labID), "lab_order_new", l),
			hipaa.Entry(ctx, "lab_order.route", "LabExamination", l.ID.String(), before.LabID, l.LabID, nil),
		}
		msgs = lifecycle.WithEvent(msgs, l.LifecycleID, lifecycle.EventOrderRouted, actor,
			lifecycle.OrderRoutedData{LabExaminationID: l.ID.String(), LabID: labID})
		return s.pub.Publish(ctx, msgs...)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PostLabResults completes the examination with results.
func (s *Service) PostLabResults(ctx context.Context, id uuid.UUID, results []Result) (*LabExamination, error) {
	if len(results) == 0 {
		return nil, apperr.Validation("results are required")
	}
	if err := ValidateResults(results); err != nil {
		return nil, err
	}
	actor := auth.UserIDFromContext(ctx)
	var result *LabExamination
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		l, err := s.labs.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := Machine.Transition(ctx, l.Status, StatusCompleted); err != nil {
			return err
		}
		before := *l
		now := s.now().UTC()
		l.Status = StatusCompleted
		l.Results = append(append([]Result{}, l.Results...), results...)
		l.CompletedAt = &now
		l.UpdatedAt = now
		if err := s.labs.Update(ctx, l, before.Status); err != nil {
			return err
		}
		result = l

		msgs := []*outbox.Message{
			outbox.Notify("LAB_RESULTS_POSTED",
				notification.Message("lab-order-completed", "Your lab results are ready.", map[string]string{"test_name": l.TestName}),
				l.PatientID),
			hipaa.Entry(ctx, "lab_order.results", "LabExamination", l.ID.String(),
				map[string]Status{"status": before.Status}, map[string]interface{}{"status": l.Status, "results": l.Results}, nil),
		}
		msgs = lifecycle.WithEvent(msgs, l.LifecycleID, lifecycle.EventResultsPosted, actor,
			lifecycle.ResultsPostedData{ResourceType: "LabExamination", ResourceID: l.ID.String(), ResultCount: len(l.Results)})
		return s.pub.Publish(ctx, msgs...)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateLabStatus moves an examination along Machine.
func (s *Service) UpdateLabStatus(ctx context.Context, id uuid.UUID, status Status) (*LabExamination, error) {
	if !validLabStatuses[status] {
		return nil, apperr.Validation("invalid status: %s", status)
	}
	var result *LabExamination
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		l, err := s.labs.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := Machine.Transition(ctx, l.Status, status); err != nil {
			return err
		}
		prev := l.Status
		now := s.now().UTC()
		l.Status = status
		l.UpdatedAt = now
		if status == StatusCompleted {
			l.CompletedAt = &now
		}
		if err := s.labs.Update(ctx, l, prev); err != nil {
			return err
		}
		result = l
		return s.pub.Publish(ctx, hipaa.Entry(ctx, "lab_order.status", "LabExamination", l.ID.String(),
			map[string]Status{"status": prev}, map[string]Status{"status": status}, nil))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// -- Imaging --

type ImagingOrderInput struct {
	PatientID   string     `json:"patient_id"`
	DoctorID    string     `json:"doctor_id"`
	LifecycleID *uuid.UUID `json:"lifecycle_id"`
	Modality    string     `json:"modality"`
	BodyPart    string     `json:"body_part"`
}

// AccessionNumber returns a new collision-free accession token.
func AccessionNumber() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return "ACC-" + id.String(), nil
}

func (s *Service) CreateImagingOrder(ctx context.Context, in ImagingOrderInput) (*ImagingReport, error) {
	if in.PatientID == "" {
		return nil, apperr.Validation("patient_id is required")
	}
	if in.DoctorID == "" {
		return nil, apperr.Validation("doctor_id is required")
	}
	if in.Modality == "" {
		return nil, apperr.Validation("modality is required")
	}
	accession, err := AccessionNumber()
	if err != nil {
		return nil, apperr.Internal("generate accession number", err)
	}
	now := s.now().UTC()
	ir := &ImagingReport{
		ID:              uuid.New(),
		PatientID:       in.PatientID,
		DoctorID:        in.DoctorID,
		Modality:        in.Modality,
		BodyPart:        in.BodyPart,
		AccessionNumber: accession,
		Status:          StatusScheduled,
		LifecycleID:     in.LifecycleID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.imaging.Create(ctx, ir); err != nil {
			return err
		}
		msgs := []*outbox.Message{hipaa.Entry(ctx, "imaging_order.create", "ImagingReport", ir.ID.String(), nil, ir, nil)}
		msgs = lifecycle.WithEvent(msgs, ir.LifecycleID, lifecycle.EventImagingOrdered, auth.UserIDFromContext(ctx),
			lifecycle.ImagingOrderedData{ImagingReportID: ir.ID.String(), AccessionNumber: ir.AccessionNumber, Modality: ir.Modality})
		return s.pub.Publish(ctx, msgs...)
	})
	if err != nil {
		return nil, err
	}
	return ir, nil
}

func (s *Service) GetImagingReport(ctx context.Context, id uuid.UUID) (*ImagingReport, error) {
	return s.imaging.GetByID(ctx, id)
}

type ImagingReportInput struct {
	Findings   string `json:"findings"`
	Impression string `json:"impression"`
}

// PostImagingReport completes the study with findings and impression.
func (s *Service) PostImagingReport(ctx context.Context, id uuid.UUID, in ImagingReportInput) (*ImagingReport, error) {
	if in.Findings == "" && in.Impression == "" {
		return nil, apperr.Validation("findings or impression is required")
	}
	var result *ImagingReport
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ir, err := s.imaging.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := Machine.Transition(ctx, ir.Status, StatusCompleted); err != nil {
			return err
		}
		prev := ir.Status
		now := s.now().UTC()
		ir.Status = StatusCompleted
		if in.Findings != "" {
			ir.Findings = &in.Findings
		}
		if in.Impression != "" {
			ir.Impression = &in.Impression
		}
		ir.CompletedAt = &now
		ir.UpdatedAt = now
		if err := s.imaging.Update(ctx, ir, prev); err != nil {
			return err
		}
		result = ir

		msgs := []*outbox.Message{
			outbox.Notify("IMAGING_REPORT_POSTED", "Your "+ir.Modality+" report is ready.", ir.PatientID),
			hipaa.Entry(ctx, "imaging_order.report", "ImagingReport", ir.ID.String(),
				map[string]Status{"status": prev}, map[string]interface{}{"status": ir.Status, "findings": ir.Findings, "impression": ir.Impression}, nil),
		}
		msgs = lifecycle.WithEvent(msgs, ir.LifecycleID, lifecycle.EventResultsPosted, auth.UserIDFromContext(ctx),
			lifecycle.ResultsPostedData{ResourceType: "ImagingReport", ResourceID: ir.ID.String()})
		return s.pub.Publish(ctx, msgs...)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) UpdateImagingStatus(ctx context.Context, id uuid.UUID, status Status) (*ImagingReport, error) {
	if !validImagingStatuses[status] {
		return nil, apperr.Validation("invalid status: %s", status)
	}
	var result *ImagingReport
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ir, err := s.imaging.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := Machine.Transition(ctx, ir.Status, status); err != nil {
			return err
		}
		prev := ir.Status
		now := s.now().UTC()
		ir.Status = status
		ir.UpdatedAt = now
		if status == StatusCompleted {
			ir.CompletedAt = &now
		}
		if err := s.imaging.Update(ctx, ir, prev); err != nil {
			return err
		}
		result = ir
		return s.pub.Publish(ctx, hipaa.Entry(ctx, "imaging_order.status", "ImagingReport", ir.ID.String(),
			map[string]Status{"status": prev}, map[string]Status{"status": status}, nil))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
