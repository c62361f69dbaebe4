package pharmacy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/careflow/careflow/internal/domain/lifecycle"
	"github.com/careflow/careflow/internal/platform/apperr"
	"github.com/careflow/careflow/internal/platform/auth"
	"github.com/careflow/careflow/internal/platform/chat"
	"github.com/careflow/careflow/internal/platform/db"
	"github.com/careflow/careflow/internal/platform/fsm"
	"github.com/careflow/careflow/internal/platform/hipaa"
	"github.com/careflow/careflow/internal/platform/notification"
	"github.com/careflow/careflow/internal/platform/outbox"
	"github.com/careflow/careflow/internal/platform/telemetry"
	"github.com/careflow/careflow/internal/platform/websocket"
)

// OrderFlow is the pharmacy order adjacency table.
var OrderFlow = map[OrderStatus][]OrderStatus{
	StatusNew:            {StatusAccepted, StatusRejected, StatusCanceled},
	StatusAccepted:       {StatusReadyForPickup, StatusDispensed, StatusRejected, StatusCanceled},
	StatusReadyForPickup: {StatusDispensed, StatusRejected, StatusCanceled},
	StatusOutForDelivery: {StatusDispensed, StatusRejected, StatusCanceled},
}

var Machine = fsm.New("pharmacy_order", OrderFlow,
	fsm.Terminal(StatusDispensed, StatusRejected, StatusCanceled))

const (
	MetricStockouts        = "pharmacy_stockouts_total"
	MetricTransitions      = "pharmacy_order_transitions_total"
	MetricLifecycleSkipped = "lifecycle_event_skipped_total"
)

type Service struct {
	orders    OrderRepository
	inventory InventoryRepository
	rx        PrescriptionReader
	tx        db.Transactor
	pub       outbox.Publisher
	metrics   telemetry.Counter
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(orders OrderRepository, inventory InventoryRepository, rx PrescriptionReader, tx db.Transactor, pub outbox.Publisher) *Service {
	return &Service{
		orders:    orders,
		inventory: inventory,
		rx:        rx,
		tx:        tx,
		pub:       pub,
		metrics:   telemetry.Nop{},
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
}

func (s *Service) SetMetrics(c telemetry.Counter) { s.metrics = c }

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "pharmacy").Logger()
}

// -- Orders --

type CreateOrderInput struct {
	PharmacyID      string
	PrescriptionID  uuid.UUID
	PatientID       string
	FulfillmentType FulfillmentType
}

// CreateOrder opens a New order. Called by prescription routing inside its
// own transaction, so it only writes the row.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*Order, error) {
	if in.PharmacyID == "" {
		return nil, apperr.Validation("pharmacy_id is required")
	}
	if in.PrescriptionID == uuid.Nil {
		return nil, apperr.Validation("prescription_id is required")
	}
	if in.FulfillmentType == "" {
		in.FulfillmentType = FulfillmentPickup
	}
	if in.FulfillmentType != FulfillmentPickup && in.FulfillmentType != FulfillmentDelivery {
		return nil, apperr.Validation("invalid fulfillment_type: %s", in.FulfillmentType)
	}
	now := s.now().UTC()
	o := &Order{
		ID:              uuid.New(),
		PharmacyID:      in.PharmacyID,
		PrescriptionID:  in.PrescriptionID,
		PatientID:       in.PatientID,
		Status:          StatusNew,
		FulfillmentType: in.FulfillmentType,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrder returns the order when it belongs to pharmacyID.
func (s *Service) GetOrder(ctx context.Context, pharmacyID string, id uuid.UUID) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.PharmacyID != pharmacyID {
		return nil, apperr.NotFound("PharmacyOrder", id.String())
	}
	return o, nil
}

func (s *Service) ListOrders(ctx context.Context, pharmacyID string, status *OrderStatus, limit, offset int) ([]*Order, int, error) {
	if status != nil && !validStatuses[*status] {
		return nil, 0, apperr.Validation("invalid status: %s", *status)
	}
	return s.orders.ListByPharmacy(ctx, pharmacyID, status, limit, offset)
}

func (s *Service) Accept(ctx context.Context, pharmacyID string, id uuid.UUID) (*Order, error) {
	return s.transition(ctx, pharmacyID, id, StatusAccepted, func(_ context.Context, o *Order, now time.Time) (interface{}, error) {
		o.AcceptedAt = &now
		return nil, nil
	})
}

func (s *Service) MarkReady(ctx context.Context, pharmacyID string, id uuid.UUID) (*Order, error) {
	return s.transition(ctx, pharmacyID, id, StatusReadyForPickup, nil)
}

func (s *Service) Reject(ctx context.Context, pharmacyID string, id uuid.UUID, reason string) (*Order, error) {
	if reason == "" {
		return nil, apperr.Validation("reason is required")
	}
	return s.transition(ctx, pharmacyID, id, StatusRejected, func(_ context.Context, o *Order, _ time.Time) (interface{}, error) {
		o.RejectReason = &reason
		return nil, nil
	})
}

func (s *Service) Cancel(ctx context.Context, pharmacyID string, id uuid.UUID) (*Order, error) {
	return s.transition(ctx, pharmacyID, id, StatusCanceled, nil)
}

type DispenseInput struct {
	InventoryID uuid.UUID `json:"inventory_id"`
	Qty         int       `json:"qty"`
}

// Dispense decrements stock, records the movement and marks the order
// Dispensed in one transaction.
func (s *Service) Dispense(ctx context.Context, pharmacyID string, id uuid.UUID, in DispenseInput) (*Order, error) {
	if in.InventoryID == uuid.Nil {
		return nil, apperr.Validation("inventory_id is required")
	}
	if in.Qty <= 0 {
		return nil, apperr.Validation("qty must be positive")
	}
	o, err := s.transition(ctx, pharmacyID, id, StatusDispensed, func(ctx context.Context, o *Order, now time.Time) (interface{}, error) {
		inv, err := s.inventory.GetByID(ctx, in.InventoryID)
		if err != nil {
			return nil, err
		}
		if inv.PharmacyID != pharmacyID {
			return nil, apperr.NotFound("PharmacyInventory", in.InventoryID.String())
		}
		if inv.QtyOnHand < in.Qty {
			return nil, apperr.InsufficientStock(in.Qty, inv.QtyOnHand)
		}
		updated, err := s.inventory.Decrement(ctx, inv.ID, in.Qty)
		if err != nil {
			return nil, err
		}
		rxID := o.PrescriptionID
		if err := s.inventory.AddMovement(ctx, &StockMovement{
			ID:             uuid.New(),
			InventoryID:    inv.ID,
			Type:           MovementDispense,
			Qty:            in.Qty,
			PrescriptionID: &rxID,
			PerformedByID:  auth.UserIDFromContext(ctx),
			CreatedAt:      now,
		}); err != nil {
			return nil, err
		}
		o.DispensedAt = &now
		if updated.BelowReorderLevel() {
			s.logger.Info().Str("inventory_id", inv.ID.String()).Int("qty_on_hand", updated.QtyOnHand).Msg("inventory at reorder level")
		}
		return lifecycle.RxDispensedData{
			PrescriptionID:  o.PrescriptionID.String(),
			PharmacyOrderID: o.ID.String(),
			InventoryID:     inv.ID.String(),
			Qty:             in.Qty,
		}, nil
	})
	if apperr.Is(err, apperr.KindInsufficientStock) {
		s.metrics.Inc(MetricStockouts, 1, telemetry.Labels{"pharmacy_id": pharmacyID})
	}
	return o, err
}

// CancelOrdersForPrescription cancels every open order of the prescription.
func (s *Service) CancelOrdersForPrescription(ctx context.Context, prescriptionID uuid.UUID) (int, error) {
	orders, err := s.orders.ListByPrescription(ctx, prescriptionID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range orders {
		if Machine.IsTerminal(o.Status) {
			continue
		}
		if _, err := s.Cancel(ctx, o.PharmacyID, o.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// mutateFunc applies transition-specific changes inside the transaction. A
// non-nil result is used as the RxDispensed payload.
type mutateFunc func(ctx context.Context, o *Order, now time.Time) (interface{}, error)

func (s *Service) transition(ctx context.Context, pharmacyID string, id uuid.UUID, to OrderStatus, mutate mutateFunc) (*Order, error) {
	var result *Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.GetOrder(ctx, pharmacyID, id)
		if err != nil {
			return err
		}
		if err := Machine.Transition(ctx, o.Status, to); err != nil {
			return err
		}
		rx, err := s.rx.PrescriptionInfo(ctx, o.PrescriptionID)
		if err != nil {
			return err
		}

		before := *o
		now := s.now().UTC()
		var dispensed interface{}
		if mutate != nil {
			if dispensed, err = mutate(ctx, o, now); err != nil {
				return err
			}
		}
		o.Status = to
		o.UpdatedAt = now
		if err := s.orders.UpdateStatus(ctx, o, before.Status); err != nil {
			return err
		}
		result = o
		return s.pub.Publish(ctx, s.effects(ctx, &before, o, rx, dispensed)...)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Inc(MetricTransitions, 1, telemetry.Labels{"to": string(to)})
	return result, nil
}

func (s *Service) effects(ctx context.Context, before, o *Order, rx *PrescriptionInfo, dispensed interface{}) []*outbox.Message {
	vars := map[string]string{"order_id": o.ID.String(), "prescription_id": o.PrescriptionID.String()}
	if o.RejectReason != nil {
		vars["reason"] = *o.RejectReason
	}
	body := notification.Message("pharmacy-order-"+string(o.Status), "Prescription order "+o.ID.String()+" is now "+string(o.Status)+".", vars)
	eventType := "PHARMACY_ORDER_" + string(o.Status)
	update := map[string]interface{}{"order_id": o.ID, "prescription_id": o.PrescriptionID, "status": o.Status}

	patientID := o.PatientID
	if patientID == "" {
		patientID = rx.PatientID
	}
	var msgs []*outbox.Message
	if patientID != "" {
		msgs = append(msgs,
			outbox.Notify(eventType, body, patientID),
			outbox.Broadcast(websocket.PatientChannel(patientID), "order_status_updated", update))
	}
	if rx.DoctorID != "" {
		msgs = append(msgs,
			outbox.Notify(eventType, body, rx.DoctorID),
			outbox.Broadcast(websocket.DoctorChannel(rx.DoctorID), "order_status_updated", update))
	}
	if o.Status == StatusAccepted && patientID != "" {
		msgs = append(msgs, outbox.ChatMessage(chat.ConversationKey(o.PharmacyID, patientID), o.PharmacyID, body))
	}
	if dispensed != nil {
		if rx.LifecycleID == nil || *rx.LifecycleID == uuid.Nil {
			s.logger.Warn().Str("prescription_id", o.PrescriptionID.String()).Msg("prescription has no lifecycle; RxDispensed not recorded")
			s.metrics.Inc(MetricLifecycleSkipped, 1, telemetry.Labels{"event": lifecycle.EventRxDispensed})
		}
		msgs = lifecycle.WithEvent(msgs, rx.LifecycleID, lifecycle.EventRxDispensed, auth.UserIDFromContext(ctx), dispensed)
	}
	return append(msgs, hipaa.Entry(ctx, "pharmacy_order."+string(o.Status), "PharmacyOrder", o.ID.String(), before, o,
		map[string]interface{}{"pharmacy_id": o.PharmacyID}))
}

// -- Inventory --

type InventoryInput struct {
	DrugCode     string          `json:"drug_code"`
	SKU          *string         `json:"sku"`
	BatchNumber  *string         `json:"batch_number"`
	QtyOnHand    int             `json:"qty_on_hand"`
	ReorderLevel int             `json:"reorder_level"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Visibility   string          `json:"visibility"`
}

func (s *Service) CreateInventory(ctx context.Context, pharmacyID string, in InventoryInput) (*Inventory, error) {
	if pharmacyID == "" {
		return nil, apperr.Validation("pharmacy_id is required")
	}
	if in.DrugCode == "" {
		return nil, apperr.Validation("drug_code is required")
	}
	if in.QtyOnHand < 0 || in.ReorderLevel < 0 {
		return nil, apperr.Validation("quantities must not be negative")
	}
	if in.UnitPrice.IsNegative() {
		return nil, apperr.Validation("unit_price must not be negative")
	}
	if in.Visibility == "" {
		in.Visibility = "public"
	}
	if in.Visibility != "public" && in.Visibility != "private" {
		return nil, apperr.Validation("invalid visibility: %s", in.Visibility)
	}
	now := s.now().UTC()
	inv := &Inventory{
		ID:           uuid.New(),
		PharmacyID:   pharmacyID,
		DrugCode:     in.DrugCode,
		SKU:          in.SKU,
		BatchNumber:  in.BatchNumber,
		QtyOnHand:    in.QtyOnHand,
		ReorderLevel: in.ReorderLevel,
		UnitPrice:    in.UnitPrice,
		Visibility:   in.Visibility,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.inventory.Create(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) GetInventory(ctx context.Context, pharmacyID string, id uuid.UUID) (*Inventory, error) {
	inv, err := s.inventory.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.PharmacyID != pharmacyID {
		return nil, apperr.NotFound("PharmacyInventory", id.String())
	}
	return inv, nil
}

func (s *Service) ListMovements(ctx context.Context, pharmacyID string, inventoryID uuid.UUID) ([]*StockMovement, error) {
	if _, err := s.GetInventory(ctx, pharmacyID, inventoryID); err != nil {
		return nil, err
	}
	return s.inventory.ListMovements(ctx, inventoryID)
}
