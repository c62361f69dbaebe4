package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careflow/careflow/internal/platform/apperr"
	"github.com/careflow/careflow/internal/platform/db"
)

type lifecycleRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &lifecycleRepoPG{pool: pool}
}

const lifecycleCols = `id, appointment_id, patient_id, doctor_id, current_status, start_at, end_at,
	last_updated_at, last_updated_by, closure_notes, created_at`

func scanLifecycle(row pgx.Row) (*Lifecycle, error) {
	var l Lifecycle
	var patientID, doctorID *string
	err := row.Scan(&l.ID, &l.AppointmentID, &patientID, &doctorID, &l.CurrentStatus, &l.StartAt, &l.EndAt,
		&l.LastUpdatedAt, &l.LastUpdatedBy, &l.ClosureNotes, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	if patientID != nil {
		l.PatientID = *patientID
	}
	if doctorID != nil {
		l.DoctorID = *doctorID
	}
	return &l, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *lifecycleRepoPG) Create(ctx context.Context, l *Lifecycle) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO lifecycles (id, appointment_id, patient_id, doctor_id, current_status, start_at,
			last_updated_at, last_updated_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.AppointmentID, nullable(l.PatientID), nullable(l.DoctorID), l.CurrentStatus, l.StartAt,
		l.LastUpdatedAt, l.LastUpdatedBy, l.CreatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("lifecycle already exists for appointment %s", l.AppointmentID)
	}
	if err != nil {
		return apperr.Internal("create lifecycle", err)
	}
	return nil
}

func (r *lifecycleRepoPG) get(ctx context.Context, where string, arg interface{}, key string) (*Lifecycle, error) {
	l, err := scanLifecycle(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+lifecycleCols+` FROM lifecycles WHERE `+where, arg))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("Lifecycle", key)
	}
	if err != nil {
		return nil, apperr.Internal("get lifecycle", err)
	}
	return l, nil
}

func (r *lifecycleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Lifecycle, error) {
	return r.get(ctx, "id = $1", id, id.String())
}

func (r *lifecycleRepoPG) GetByAppointment(ctx context.Context, appointmentID string) (*Lifecycle, error) {
	return r.get(ctx, "appointment_id = $1", appointmentID, appointmentID)
}

func (r *lifecycleRepoPG) UpdateStatus(ctx context.Context, l *Lifecycle, prev Status) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE lifecycles SET current_status = $3, end_at = $4, closure_notes = $5,
			last_updated_at = $6, last_updated_by = $7
		WHERE id = $1 AND current_status = $2`,
		l.ID, prev, l.CurrentStatus, l.EndAt, l.ClosureNotes, l.LastUpdatedAt, l.LastUpdatedBy)
	if err != nil {
		return apperr.Internal("update lifecycle status", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("lifecycle %s is no longer %s", l.ID, prev)
	}
	return nil
}

func (r *lifecycleRepoPG) Touch(ctx context.Context, id uuid.UUID, actor string, at time.Time) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE lifecycles SET last_updated_at = $2, last_updated_by = $3 WHERE id = $1`,
		id, at, nullable(actor))
	if err != nil {
		return apperr.Internal("touch lifecycle", err)
	}
	return nil
}

func (r *lifecycleRepoPG) AppendEvent(ctx context.Context, e *Event) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO lifecycle_events (id, lifecycle_id, event_type, actor_id, timestamp, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.LifecycleID, e.EventType, nullable(e.ActorID), e.Timestamp, []byte(e.Payload))
	if err != nil {
		return false, apperr.Internal("append lifecycle event", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *lifecycleRepoPG) ListEvents(ctx context.Context, lifecycleID uuid.UUID) ([]*Event, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, lifecycle_id, event_type, actor_id, timestamp, payload
		FROM lifecycle_events WHERE lifecycle_id = $1
		ORDER BY timestamp ASC, id ASC`, lifecycleID)
	if err != nil {
		return nil, apperr.Internal("list lifecycle events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var actor *string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.LifecycleID, &e.EventType, &actor, &e.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("scan lifecycle event: %w", err)
		}
		if actor != nil {
			e.ActorID = *actor
		}
		e.Payload = payload
		events = append(events, &e)
	}
	return events, rows.Err()
}
