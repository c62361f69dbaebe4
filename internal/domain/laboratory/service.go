// Package laboratory is the lab-side view of lab examinations: the routed
// laboratory accepts the order, uploads results, completes or rejects it.
package laboratory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careflow/careflow/internal/domain/diagnostics"
	"github.com/careflow/careflow/internal/domain/lifecycle"
	"github.com/careflow/careflow/internal/platform/apperr"
	"github.com/careflow/careflow/internal/platform/auth"
	"github.com/careflow/careflow/internal/platform/db"
	"github.com/careflow/careflow/internal/platform/hipaa"
	"github.com/careflow/careflow/internal/platform/notification"
	"github.com/careflow/careflow/internal/platform/outbox"
	"github.com/careflow/careflow/internal/platform/telemetry"
	"github.com/careflow/careflow/internal/platform/websocket"
)

const MetricTransitions = "lab_order_transitions_total"

type Service struct {
	labs    diagnostics.LabRepository
	tx      db.Transactor
	pub     outbox.Publisher
	metrics telemetry.Counter
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(labs diagnostics.LabRepository, tx db.Transactor, pub outbox.Publisher) *Service {
	return &Service{
		labs:    labs,
		tx:      tx,
		pub:     pub,
		metrics: telemetry.Nop{},
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
}

func (s *Service) SetMetrics(c telemetry.Counter) { s.metrics = c }

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "laboratory").Logger()
}

// Get returns the examination when it is routed to labID.
func (s *Service) Get(ctx context.Context, labID string, id uuid.UUID) (*diagnostics.LabExamination, error) {
	l, err := s.labs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.LabID == nil || *l.LabID != labID {
		return nil, apperr.NotFound("LabExamination", id.String())
	}
	return l, nil
}

func (s *Service) Accept(ctx context.Context, labID string, id uuid.UUID) (*diagnostics.LabExamination, error) {
	return s.transition(ctx, labID, id, diagnostics.StatusInProgress, "lab-order-in-progress", nil)
}

// UploadResults appends results and keeps the examination in progress.
func (s *Service) UploadResults(ctx context.Context, labID string, id uuid.UUID, results []diagnostics.Result) (*diagnostics.LabExamination, error) {
	if len(results) == 0 {
		return nil, apperr.Validation("results are required")
	}
	if err := diagnostics.ValidateResults(results); err != nil {
		return nil, err
	}
	return s.transition(ctx, labID, id, diagnostics.StatusInProgress, "lab-order-results", func(l *diagnostics.LabExamination, _ time.Time) {
		l.Results = append(append([]diagnostics.Result{}, l.Results...), results...)
	})
}

func (s *Service) Complete(ctx context.Context, labID string, id uuid.UUID) (*diagnostics.LabExamination, error) {
	return s.transition(ctx, labID, id, diagnostics.StatusCompleted, "lab-order-completed", func(l *diagnostics.LabExamination, now time.Time) {
		l.CompletedAt = &now
	})
}

func (s *Service) Reject(ctx context.Context, labID string, id uuid.UUID) (*diagnostics.LabExamination, error) {
	return s.transition(ctx, labID, id, diagnostics.StatusCancelled, "lab-order-cancelled", nil)
}

func (s *Service) transition(ctx context.Context, labID string, id uuid.UUID, to diagnostics.Status, templateID string,
	mutate func(l *diagnostics.LabExamination, now time.Time)) (*diagnostics.LabExamination, error) {
	var result *diagnostics.LabExamination
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		l, err := s.Get(ctx, labID, id)
		if err != nil {
			return err
		}
		if err := diagnostics.Machine.Transition(ctx, l.Status, to); err != nil {
			return err
		}
		before := *l
		now := s.now().UTC()
		if mutate != nil {
			mutate(l, now)
		}
		l.Status = to
		l.UpdatedAt = now
		if err := s.labs.Update(ctx, l, before.Status); err != nil {
			return err
		}
		result = l
		return s.pub.Publish(ctx, s.effects(ctx, &before, l, templateID)...)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Inc(MetricTransitions, 1, telemetry.Labels{"to": string(to)})
	return result, nil
}

func (s *Service) effects(ctx context.Context, before, l *diagnostics.LabExamination, templateID string) []*outbox.Message {
	body := notification.Message(templateID, "Lab order "+l.TestName+" is now "+string(l.Status)+".",
		map[string]string{"test_name": l.TestName, "order_id": l.ID.String()})
	update := map[string]interface{}{"lab_order_id": l.ID, "status": l.Status, "result_count": len(l.Results)}

	msgs := []*outbox.Message{
		outbox.Notify("LAB_ORDER_UPDATED", body, l.PatientID),
		outbox.Broadcast(websocket.PatientChannel(l.PatientID), "lab_order_updated", update),
	}
	if l.DoctorID != "" {
		msgs = append(msgs,
			outbox.Notify("LAB_ORDER_UPDATED", body, l.DoctorID),
			outbox.Broadcast(websocket.DoctorChannel(l.DoctorID), "lab_order_updated", update))
	}
	if l.Status == diagnostics.StatusCompleted {
		msgs = lifecycle.WithEvent(msgs, l.LifecycleID, lifecycle.EventResultsPosted, auth.UserIDFromContext(ctx),
			lifecycle.ResultsPostedData{ResourceType: "LabExamination", ResourceID: l.ID.String(), ResultCount: len(l.Results)})
	}
	return append(msgs, hipaa.Entry(ctx, "lab_order."+string(l.Status), "LabExamination", l.ID.String(),
		map[string]interface{}{"status": before.Status, "result_count": len(before.Results)},
		map[string]interface{}{"status": l.Status, "result_count": len(l.Results)},
		map[string]interface{}{"lab_id": *l.LabID}))
}
