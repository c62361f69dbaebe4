package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careflow/careflow/internal/platform/apperr"
	"github.com/careflow/careflow/internal/platform/db"
	"github.com/careflow/careflow/internal/platform/fsm"
	"github.com/careflow/careflow/internal/platform/hipaa"
	"github.com/careflow/careflow/internal/platform/outbox"
)

// Machine allows a lifecycle to stay in its stage or move to any later one.
// Closed is terminal.
var Machine = newMachine()

func newMachine() *fsm.Machine[Status] {
	table := make(map[Status][]Status, len(rank))
	for from, fr := range rank {
		for to, tr := range rank {
			if tr >= fr && to != from {
				table[from] = append(table[from], to)
			}
		}
	}
	var nonTerminal []Status
	for s := range rank {
		if s != StatusClosed {
			nonTerminal = append(nonTerminal, s)
		}
	}
	return fsm.New("lifecycle", table, fsm.Terminal(StatusClosed), fsm.AllowSelf(nonTerminal...))
}

type Service struct {
	repo   Repository
	tx     db.Transactor
	pub    outbox.Publisher
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, tx db.Transactor, pub outbox.Publisher) *Service {
	return &Service{repo: repo, tx: tx, pub: pub, logger: zerolog.Nop(), now: time.Now}
}

// SetLogger attaches a logger used by the outbox handler.
func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "lifecycle").Logger()
}

type InitInput struct {
	AppointmentID string `json:"appointment_id"`
	PatientID     string `json:"patient_id"`
	DoctorID      string `json:"doctor_id"`
}

// Init creates a Booked lifecycle for the appointment.
func (s *Service) Init(ctx context.Context, in InitInput, actor string) (*Lifecycle, error) {
	if in.AppointmentID == "" {
		return nil, apperr.Validation("appointment_id is required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperr.Internal("generate lifecycle id", err)
	}
	now := s.now().UTC()
	l := &Lifecycle{
		ID:            id,
		AppointmentID: in.AppointmentID,
		PatientID:     in.PatientID,
		DoctorID:      in.DoctorID,
		CurrentStatus: StatusBooked,
		StartAt:       now,
		LastUpdatedAt: now,
		CreatedAt:     now,
	}
	if actor != "" {
		l.LastUpdatedBy = &actor
	}
	if err := s.repo.Create(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Get returns the appointment's lifecycle with its events. When none exists a
// Booked lifecycle is created first, so this read may write.
func (s *Service) Get(ctx context.Context, appointmentID, actor string) (*View, error) {
	if appointmentID == "" {
		return nil, apperr.Validation("appointment_id is required")
	}
	l, err := s.repo.GetByAppointment(ctx, appointmentID)
	if apperr.Is(err, apperr.KindNotFound) {
		l, err = s.Init(ctx, InitInput{AppointmentID: appointmentID}, actor)
		if apperr.Is(err, apperr.KindConflict) {
			// Created concurrently by another request.
			l, err = s.repo.GetByAppointment(ctx, appointmentID)
		}
	}
	if err != nil {
		return nil, err
	}
	return s.view(ctx, l)
}

// Find is Get without the lazy create: a missing lifecycle is NotFound.
func (s *Service) Find(ctx context.Context, appointmentID string) (*View, error) {
	if appointmentID == "" {
		return nil, apperr.Validation("appointment_id is required")
	}
	l, err := s.repo.GetByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, l)
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*View, error) {
	l, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, l)
}

func (s *Service) view(ctx context.Context, l *Lifecycle) (*View, error) {
	events, err := s.repo.ListEvents(ctx, l.ID)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*Event{}
	}
	return &View{Lifecycle: l, Events: events}, nil
}

type AddEventInput struct {
	// ID makes the insert idempotent when set.
	ID          uuid.UUID       `json:"-"`
	LifecycleID uuid.UUID       `json:"-"`
	EventType   string          `json:"event_type"`
	ActorID     string          `json:"-"`
	Timestamp   time.Time       `json:"-"`
	Payload     json.RawMessage `json:"payload"`
}

// AddEvent appends an event and bumps the lifecycle's last-updated fields.
func (s *Service) AddEvent(ctx context.Context, in AddEventInput) (*Event, error) {
	if in.EventType == "" {
		return nil, apperr.Validation("event_type is required")
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return nil, apperr.Validation("payload must be valid JSON")
	}
	e := &Event{
		ID:          in.ID,
		LifecycleID: in.LifecycleID,
		EventType:   in.EventType,
		ActorID:     in.ActorID,
		Timestamp:   in.Timestamp,
		Payload:     in.Payload,
	}
	if e.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, apperr.Internal("generate event id", err)
		}
		e.ID = id
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.repo.GetByID(ctx, e.LifecycleID); err != nil {
			return err
		}
		inserted, err := s.repo.AppendEvent(ctx, e)
		if err != nil || !inserted {
			return err
		}
		return s.repo.Touch(ctx, e.LifecycleID, e.ActorID, s.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateStatus moves the lifecycle forward. Closed accepts only Closed, which
// is a no-op.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, next Status, actor string, closureNotes *string) (*Lifecycle, error) {
	if !next.Valid() {
		return nil, apperr.Validation("unknown lifecycle status %q", next)
	}

	var result *Lifecycle
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		l, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if l.CurrentStatus == StatusClosed && next == StatusClosed {
			result = l
			return nil
		}
		if err := Machine.Transition(ctx, l.CurrentStatus, next); err != nil {
			return err
		}

		before := *l
		prev := l.CurrentStatus
		now := s.now().UTC()
		l.CurrentStatus = next
		l.LastUpdatedAt = now
		if actor != "" {
			l.LastUpdatedBy = &actor
		}
		if next == StatusClosed {
			l.EndAt = &now
			l.ClosureNotes = closureNotes
		}
		if err := s.repo.UpdateStatus(ctx, l, prev); err != nil {
			return err
		}

		payload, _ := json.Marshal(StatusChangedData{From: prev, To: next, ClosureNotes: closureNotes})
		eventID, err := uuid.NewV7()
		if err != nil {
			return apperr.Internal("generate event id", err)
		}
		if _, err := s.repo.AppendEvent(ctx, &Event{
			ID:          eventID,
			LifecycleID: l.ID,
			EventType:   EventStatusChanged,
			ActorID:     actor,
			Timestamp:   now,
			Payload:     payload,
		}); err != nil {
			return err
		}

		result = l
		return s.pub.Publish(ctx,
			hipaa.Entry(ctx, "lifecycle.status", "Lifecycle", l.ID.String(),
				map[string]Status{"status": before.CurrentStatus}, map[string]Status{"status": next}, nil))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// OutboxHandler appends lifecycle events produced by other workflows. The
// outbox message ID becomes the event ID, so redelivery is harmless.
func (s *Service) OutboxHandler() outbox.Handler {
	return func(ctx context.Context, msg *outbox.Message) error {
		var p struct {
			LifecycleID string          `json:"lifecycle_id"`
			EventType   string          `json:"event_type"`
			ActorID     string          `json:"actor_id"`
			Data        json.RawMessage `json:"data"`
		}
		if err := msg.Decode(&p); err != nil {
			return fmt.Errorf("decode lifecycle event payload: %w", err)
		}
		if string(p.Data) == "null" {
			p.Data = nil
		}
		lifecycleID, err := uuid.Parse(p.LifecycleID)
		if err != nil {
			s.logger.Warn().Str("message_id", msg.ID.String()).Str("lifecycle_id", p.LifecycleID).Msg("dropping lifecycle event with invalid lifecycle id")
			return nil
		}
		_, err = s.AddEvent(ctx, AddEventInput{
			ID:          msg.ID,
			LifecycleID: lifecycleID,
			EventType:   p.EventType,
			ActorID:     p.ActorID,
			Timestamp:   msg.CreatedAt,
			Payload:     p.Data,
		})
		if apperr.Is(err, apperr.KindNotFound) || apperr.Is(err, apperr.KindValidation) {
			s.logger.Warn().Err(err).Str("message_id", msg.ID.String()).Msg("dropping undeliverable lifecycle event")
			return nil
		}
		return err
	}
}
