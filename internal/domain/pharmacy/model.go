package pharmacy

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusNew            OrderStatus = "New"
	StatusAccepted       OrderStatus = "Accepted"
	StatusReadyForPickup OrderStatus = "ReadyForPickup"
	StatusOutForDelivery OrderStatus = "OutForDelivery"
	StatusDispensed      OrderStatus = "Dispensed"
	StatusRejected       OrderStatus = "Rejected"
	StatusCanceled       OrderStatus = "Canceled"
)

var validStatuses = map[OrderStatus]bool{
	StatusNew: true, StatusAccepted: true, StatusReadyForPickup: true, StatusOutForDelivery: true,
	StatusDispensed: true, StatusRejected: true, StatusCanceled: true,
}

type FulfillmentType string

const (
	FulfillmentPickup   FulfillmentType = "Pickup"
	FulfillmentDelivery FulfillmentType = "Delivery"
)

const MovementDispense = "Dispense"

// Order maps to the pharmacy_orders table.
type Order struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	PharmacyID      string          `db:"pharmacy_id" json:"pharmacy_id"`
	PrescriptionID  uuid.UUID       `db:"prescription_id" json:"prescription_id"`
	PatientID       string          `db:"patient_id" json:"patient_id"`
	Status          OrderStatus     `db:"status" json:"status"`
	FulfillmentType FulfillmentType `db:"fulfillment_type" json:"fulfillment_type"`
	RejectReason    *string         `db:"reject_reason" json:"reject_reason,omitempty"`
	AcceptedAt      *time.Time      `db:"accepted_at" json:"accepted_at,omitempty"`
	DispensedAt     *time.Time      `db:"dispensed_at" json:"dispensed_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Inventory maps to the pharmacy_inventory table. qty_on_hand never goes negative.
type Inventory struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	PharmacyID   string          `db:"pharmacy_id" json:"pharmacy_id"`
	DrugCode     string          `db:"drug_code" json:"drug_code"`
	SKU          *string         `db:"sku" json:"sku,omitempty"`
	BatchNumber  *string         `db:"batch_number" json:"batch_number,omitempty"`
	QtyOnHand    int             `db:"qty_on_hand" json:"qty_on_hand"`
	ReorderLevel int             `db:"reorder_level" json:"reorder_level"`
	UnitPrice    decimal.Decimal `db:"unit_price" json:"unit_price"`
	Visibility   string          `db:"visibility" json:"visibility"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// BelowReorderLevel reports whether stock should be replenished.
func (i *Inventory) BelowReorderLevel() bool {
	return i.QtyOnHand <= i.ReorderLevel
}

// StockMovement maps to the pharmacy_stock_movements table. Append-only.
type StockMovement struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	InventoryID    uuid.UUID  `db:"inventory_id" json:"inventory_id"`
	Type           string     `db:"type" json:"type"`
	Qty            int        `db:"qty" json:"qty"`
	Reason         *string    `db:"reason" json:"reason,omitempty"`
	PrescriptionID *uuid.UUID `db:"prescription_id" json:"prescription_id,omitempty"`
	PerformedByID  string     `db:"performed_by_id" json:"performed_by_id"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// PrescriptionInfo is what order fan-out needs to know about the prescription.
type PrescriptionInfo struct {
	ID          uuid.UUID
	PatientID   string
	DoctorID    string
	LifecycleID *uuid.UUID
}
