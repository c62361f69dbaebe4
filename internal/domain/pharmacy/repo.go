package pharmacy

import (
	"context"

	"github.com/google/uuid"
)

type OrderRepository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	ListByPharmacy(ctx context.Context, pharmacyID string, status *OrderStatus, limit, offset int) ([]*Order, int, error)
	ListByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*Order, error)
	// UpdateStatus writes o only if the stored status still equals prev.
	UpdateStatus(ctx context.Context, o *Order, prev OrderStatus) error
}

type InventoryRepository interface {
	Create(ctx context.Context, inv *Inventory) error
	GetByID(ctx context.Context, id uuid.UUID) (*Inventory, error)
	// Decrement subtracts qty only when enough stock remains, returning the
	// updated row or an InsufficientStock error.
	Decrement(ctx context.Context, id uuid.UUID, qty int) (*Inventory, error)
	AddMovement(ctx context.Context, m *StockMovement) error
	ListMovements(ctx context.Context, inventoryID uuid.UUID) ([]*StockMovement, error)
}

// PrescriptionReader resolves the prescription behind an order.
type PrescriptionReader interface {
	PrescriptionInfo(ctx context.Context, id uuid.UUID) (*PrescriptionInfo, error)
}
