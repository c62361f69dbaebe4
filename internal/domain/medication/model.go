package medication

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TransmissionStatus string

const (
	TransmissionDraft     TransmissionStatus = "Draft"
	TransmissionQueued    TransmissionStatus = "Queued"
	TransmissionSent      TransmissionStatus = "Sent"
	TransmissionFailed    TransmissionStatus = "Failed"
	TransmissionCancelled TransmissionStatus = "Cancelled"
)

type TransactionType string

const (
	TransactionNew    TransactionType = "New"
	TransactionChange TransactionType = "Change"
	TransactionCancel TransactionType = "Cancel"
	TransactionRefill TransactionType = "Refill"
)

type TransactionStatus string

const (
	TxQueued TransactionStatus = "Queued"
	TxSent   TransactionStatus = "Sent"
	TxFailed TransactionStatus = "Failed"
)

// Prescription maps to the prescriptions table.
type Prescription struct {
	ID                 uuid.UUID          `db:"id" json:"id"`
	PatientID          string             `db:"patient_id" json:"patient_id"`
	DoctorID           string             `db:"doctor_id" json:"doctor_id"`
	DrugCode           string             `db:"drug_code" json:"drug_code"`
	DrugDisplay        string             `db:"drug_display" json:"drug_display"`
	Dose               *string            `db:"dose" json:"dose,omitempty"`
	DoseUnit           *string            `db:"dose_unit" json:"dose_unit,omitempty"`
	Route              *string            `db:"route" json:"route,omitempty"`
	Frequency          *string            `db:"frequency" json:"frequency,omitempty"`
	DurationDays       *int               `db:"duration_days" json:"duration_days,omitempty"`
	Quantity           *int               `db:"quantity" json:"quantity,omitempty"`
	RefillsAllowed     int                `db:"refills_allowed" json:"refills_allowed"`
	RefillsUsed        int                `db:"refills_used" json:"refills_used"`
	PharmacyID         *string            `db:"pharmacy_id" json:"pharmacy_id,omitempty"`
	TransmissionStatus TransmissionStatus `db:"transmission_status" json:"transmission_status"`
	CancelReason       *string            `db:"cancel_reason" json:"cancel_reason,omitempty"`
	LifecycleID        *uuid.UUID         `db:"lifecycle_id" json:"lifecycle_id,omitempty"`
	CreatedAt          time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time          `db:"updated_at" json:"updated_at"`
}

// RefillsRemaining never goes below zero.
func (p *Prescription) RefillsRemaining() int {
	if p.RefillsUsed >= p.RefillsAllowed {
		return 0
	}
	return p.RefillsAllowed - p.RefillsUsed
}

// Snapshot holds the mutable columns an update is conditioned on.
type Snapshot struct {
	Status      TransmissionStatus
	PharmacyID  *string
	RefillsUsed int
}

func (p *Prescription) Snapshot() Snapshot {
	s := Snapshot{Status: p.TransmissionStatus, RefillsUsed: p.RefillsUsed}
	if p.PharmacyID != nil {
		id := *p.PharmacyID
		s.PharmacyID = &id
	}
	return s
}

// Matches reports whether p still holds the snapshotted values.
func (s Snapshot) Matches(p *Prescription) bool {
	if p.TransmissionStatus != s.Status || p.RefillsUsed != s.RefillsUsed {
		return false
	}
	if p.PharmacyID == nil || s.PharmacyID == nil {
		return p.PharmacyID == nil && s.PharmacyID == nil
	}
	return *p.PharmacyID == *s.PharmacyID
}

// ErxTransaction maps to the erx_transactions table. Only the status,
// response, ack and error columns change after insert.
type ErxTransaction struct {
	ID              uuid.UUID         `db:"id" json:"id"`
	PrescriptionID  uuid.UUID         `db:"prescription_id" json:"prescription_id"`
	Type            TransactionType   `db:"type" json:"type"`
	Status          TransactionStatus `db:"status" json:"status"`
	RequestPayload  json.RawMessage   `db:"request_payload" json:"request_payload,omitempty"`
	ResponsePayload json.RawMessage   `db:"response_payload" json:"response_payload,omitempty"`
	AckAt           *time.Time        `db:"ack_at" json:"ack_at,omitempty"`
	Error           *string           `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updated_at"`
}
