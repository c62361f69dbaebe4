package lifecycle

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusBooked                Status = "Booked"
	StatusUnderReview           Status = "UnderReview"
	StatusLabOrdered            Status = "LabOrdered"
	StatusImagingOrdered        Status = "ImagingOrdered"
	StatusResultsPosted         Status = "ResultsPosted"
	StatusConsultationCompleted Status = "ConsultationCompleted"
	StatusMedicationPrescribed  Status = "MedicationPrescribed"
	StatusRxRouted              Status = "RxRouted"
	StatusRxDispensed           Status = "RxDispensed"
	StatusFollowUpScheduled     Status = "FollowUpScheduled"
	StatusClosed                Status = "Closed"
)

// rank orders the stages of an encounter. Lab and imaging orders share a rank.
var rank = map[Status]int{
	StatusBooked:                0,
	StatusUnderReview:           1,
	StatusLabOrdered:            2,
	StatusImagingOrdered:        2,
	StatusResultsPosted:         3,
	StatusConsultationCompleted: 4,
	StatusMedicationPrescribed:  5,
	StatusRxRouted:              6,
	StatusRxDispensed:           7,
	StatusFollowUpScheduled:     8,
	StatusClosed:                9,
}

func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Lifecycle maps to the lifecycles table. One row per appointment.
type Lifecycle struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	AppointmentID string     `db:"appointment_id" json:"appointment_id"`
	PatientID     string     `db:"patient_id" json:"patient_id,omitempty"`
	DoctorID      string     `db:"doctor_id" json:"doctor_id,omitempty"`
	CurrentStatus Status     `db:"current_status" json:"current_status"`
	StartAt       time.Time  `db:"start_at" json:"start_at"`
	EndAt         *time.Time `db:"end_at" json:"end_at,omitempty"`
	LastUpdatedAt time.Time  `db:"last_updated_at" json:"last_updated_at"`
	LastUpdatedBy *string    `db:"last_updated_by" json:"last_updated_by,omitempty"`
	ClosureNotes  *string    `db:"closure_notes" json:"closure_notes,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// Event maps to the lifecycle_events table. Rows are never updated.
type Event struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	LifecycleID uuid.UUID       `db:"lifecycle_id" json:"lifecycle_id"`
	EventType   string          `db:"event_type" json:"event_type"`
	ActorID     string          `db:"actor_id" json:"actor_id,omitempty"`
	Timestamp   time.Time       `db:"timestamp" json:"timestamp"`
	Payload     json.RawMessage `db:"payload" json:"payload,omitempty"`
}

// View is a lifecycle together with its events in chronological order.
type View struct {
	*Lifecycle
	Events []*Event `json:"events"`
}
