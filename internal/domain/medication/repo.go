package medication

import (
	"context"

	"github.com/google/uuid"
)

type PrescriptionRepository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Prescription, int, error)
	// Update writes p only if the stored status, pharmacy and refill count
	// still equal prev.
	Update(ctx context.Context, p *Prescription, prev Snapshot) error
}

type TransactionRepository interface {
	Create(ctx context.Context, t *ErxTransaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*ErxTransaction, error)
	ListByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*ErxTransaction, error)
	UpdateResult(ctx context.Context, t *ErxTransaction) error
}
