package diagnostics

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusOrdered    Status = "ordered"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var validLabStatuses = map[Status]bool{
	StatusOrdered: true, StatusScheduled: true, StatusInProgress: true,
	StatusCompleted: true, StatusCancelled: true,
}

var validImagingStatuses = map[Status]bool{
	StatusScheduled: true, StatusInProgress: true, StatusCompleted: true, StatusCancelled: true,
}

// Result is one analyte reading on a lab examination.
type Result struct {
	Name           string      `json:"name"`
	Value          interface{} `json:"value"`
	Unit           *string     `json:"unit,omitempty"`
	ReferenceRange *string     `json:"reference_range,omitempty"`
	Flag           *string     `json:"flag,omitempty"`
}

// LabExamination maps to the lab_examinations table.
type LabExamination struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	PatientID   string     `db:"patient_id" json:"patient_id"`
	DoctorID    string     `db:"doctor_id" json:"doctor_id"`
	TestCode    string     `db:"test_code" json:"test_code"`
	TestName    string     `db:"test_name" json:"test_name"`
	Status      Status     `db:"status" json:"status"`
	LabID       *string    `db:"lab_id" json:"lab_id,omitempty"`
	Results     []Result   `db:"results" json:"results"`
	LifecycleID *uuid.UUID `db:"lifecycle_id" json:"lifecycle_id,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// ImagingReport maps to the imaging_reports table.
type ImagingReport struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	PatientID       string     `db:"patient_id" json:"patient_id"`
	DoctorID        string     `db:"doctor_id" json:"doctor_id"`
	Modality        string     `db:"modality" json:"modality"`
	BodyPart        string     `db:"body_part" json:"body_part"`
	AccessionNumber string     `db:"accession_number" json:"accession_number"`
	Status          Status     `db:"status" json:"status"`
	Findings        *string    `db:"findings" json:"findings,omitempty"`
	Impression      *string    `db:"impression" json:"impression,omitempty"`
	LifecycleID     *uuid.UUID `db:"lifecycle_id" json:"lifecycle_id,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}
