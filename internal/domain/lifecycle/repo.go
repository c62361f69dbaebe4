package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create returns a Conflict error when the appointment already has a lifecycle.
	Create(ctx context.Context, l *Lifecycle) error
	GetByID(ctx context.Context, id uuid.UUID) (*Lifecycle, error)
	GetByAppointment(ctx context.Context, appointmentID string) (*Lifecycle, error)
	// UpdateStatus writes l only if the stored status still equals prev.
	UpdateStatus(ctx context.Context, l *Lifecycle, prev Status) error
	Touch(ctx context.Context, id uuid.UUID, actor string, at time.Time) error
	// AppendEvent reports false when an event with the same ID already exists.
	AppendEvent(ctx context.Context, e *Event) (bool, error)
	ListEvents(ctx context.Context, lifecycleID uuid.UUID) ([]*Event, error)
}
