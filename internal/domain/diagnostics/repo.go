package diagnostics

import (
	"context"

	"github.com/google/uuid"
)

type LabRepository interface {
	Create(ctx context.Context, l *LabExamination) error
	GetByID(ctx context.Context, id uuid.UUID) (*LabExamination, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*LabExamination, int, error)
	// Update writes l only if the stored status still equals prev.
	Update(ctx context.Context, l *LabExamination, prev Status) error
}

type ImagingRepository interface {
	Create(ctx context.Context, r *ImagingReport) error
	GetByID(ctx context.Context, id uuid.UUID) (*ImagingReport, error)
	Update(ctx context.Context, r *ImagingReport, prev Status) error
}
