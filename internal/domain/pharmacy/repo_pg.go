package pharmacy

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/careflow/careflow/internal/platform/apperr"
	"github.com/careflow/careflow/internal/platform/db"
)

// =========== Order Repository ===========

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

const orderCols = `id, pharmacy_id, prescription_id, patient_id, status, fulfillment_type, reject_reason,
	accepted_at, dispensed_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.PharmacyID, &o.PrescriptionID, &o.PatientID, &o.Status, &o.FulfillmentType, &o.RejectReason,
		&o.AcceptedAt, &o.DispensedAt, &o.CreatedAt, &o.UpdatedAt)
	return &o, err
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO pharmacy_orders (id, pharmacy_id, prescription_id, patient_id, status, fulfillment_type,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		o.ID, o.PharmacyID, o.PrescriptionID, o.PatientID, o.Status, o.FulfillmentType, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return apperr.Internal("create pharmacy order", err)
	}
	return nil
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+orderCols+` FROM pharmacy_orders WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("PharmacyOrder", id.String())
	}
	if err != nil {
		return nil, apperr.Internal("get pharmacy order", err)
	}
	return o, nil
}

func (r *orderRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Order, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal("list pharmacy orders", err)
	}
	defer rows.Close()
	var items []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, apperr.Internal("scan pharmacy order", err)
		}
		items = append(items, o)
	}
	return items, rows.Err()
}

func (r *orderRepoPG) ListByPharmacy(ctx context.Context, pharmacyID string, status *OrderStatus, limit, offset int) ([]*Order, int, error) {
	where := `pharmacy_id = $1`
	args := []interface{}{pharmacyID}
	if status != nil {
		where += ` AND status = $2`
		args = append(args, *status)
	}

	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM pharmacy_orders WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, apperr.Internal("count pharmacy orders", err)
	}
	query := fmt.Sprintf(`SELECT `+orderCols+` FROM pharmacy_orders WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	items, err := r.list(ctx, query, append(args, limit, offset)...)
	return items, total, err
}

func (r *orderRepoPG) ListByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*Order, error) {
	return r.list(ctx, `SELECT `+orderCols+` FROM pharmacy_orders WHERE prescription_id = $1 ORDER BY created_at`, prescriptionID)
}

func (r *orderRepoPG) UpdateStatus(ctx context.Context, o *Order, prev OrderStatus) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE pharmacy_orders SET status=$3, reject_reason=$4, accepted_at=$5, dispensed_at=$6, updated_at=$7
		WHERE id = $1 AND status = $2`,
		o.ID, prev, o.Status, o.RejectReason, o.AcceptedAt, o.DispensedAt, o.UpdatedAt)
	if err != nil {
		return apperr.Internal("update pharmacy order", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("pharmacy order %s is no longer %s", o.ID, prev)
	}
	return nil
}

// =========== Inventory Repository ===========

type inventoryRepoPG struct{ pool *pgxpool.Pool }

func NewInventoryRepoPG(pool *pgxpool.Pool) InventoryRepository {
	return &inventoryRepoPG{pool: pool}
}

// unit_price is read as text so decimal.Decimal keeps full precision.
const inventoryCols = `id, pharmacy_id, drug_code, sku, batch_number, qty_on_hand, reorder_level,
	unit_price::text, visibility, created_at, updated_at`

func scanInventory(row pgx.Row) (*Inventory, error) {
	var inv Inventory
	var price string
	err := row.Scan(&inv.ID, &inv.PharmacyID, &inv.DrugCode, &inv.SKU, &inv.BatchNumber, &inv.QtyOnHand, &inv.ReorderLevel,
		&price, &inv.Visibility, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if inv.UnitPrice, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse unit_price %q: %w", price, err)
	}
	return &inv, nil
}

func (r *inventoryRepoPG) Create(ctx context.Context, inv *Inventory) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO pharmacy_inventory (id, pharmacy_id, drug_code, sku, batch_number, qty_on_hand, reorder_level,
			unit_price, visibility, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9,$10,$11)`,
		inv.ID, inv.PharmacyID, inv.DrugCode, inv.SKU, inv.BatchNumber, inv.QtyOnHand, inv.ReorderLevel,
		inv.UnitPrice.String(), inv.Visibility, inv.CreatedAt, inv.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("inventory for %s batch already exists", inv.DrugCode)
	}
	if err != nil {
		return apperr.Internal("create inventory", err)
	}
	return nil
}

func (r *inventoryRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Inventory, error) {
	inv, err := scanInventory(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+inventoryCols+` FROM pharmacy_inventory WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("PharmacyInventory", id.String())
	}
	if err != nil {
		return nil, apperr.Internal("get inventory", err)
	}
	return inv, nil
}

func (r *inventoryRepoPG) Decrement(ctx context.Context, id uuid.UUID, qty int) (*Inventory, error) {
	inv, err := scanInventory(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE pharmacy_inventory SET qty_on_hand = qty_on_hand - $2, updated_at = NOW()
		WHERE id = $1 AND qty_on_hand >= $2
		RETURNING `+inventoryCols, id, qty))
	if err == nil {
		return inv, nil
	}
	if db.IsCheckViolation(err) {
		return nil, apperr.InsufficientStock(qty, 0)
	}
	if !db.IsNoRows(err) {
		return nil, apperr.Internal("decrement inventory", err)
	}
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, apperr.InsufficientStock(qty, current.QtyOnHand)
}

func (r *inventoryRepoPG) AddMovement(ctx context.Context, m *StockMovement) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO pharmacy_stock_movements (id, inventory_id, type, qty, reason, prescription_id, performed_by_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.InventoryID, m.Type, m.Qty, m.Reason, m.PrescriptionID, m.PerformedByID, m.CreatedAt)
	if err != nil {
		return apperr.Internal("insert stock movement", err)
	}
	return nil
}

func (r *inventoryRepoPG) ListMovements(ctx context.Context, inventoryID uuid.UUID) ([]*StockMovement, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, inventory_id, type, qty, reason, prescription_id, performed_by_id, created_at
		FROM pharmacy_stock_movements WHERE inventory_id = $1 ORDER BY created_at, id`, inventoryID)
	if err != nil {
		return nil, apperr.Internal("list stock movements", err)
	}
	defer rows.Close()
	var out []*StockMovement
	for rows.Next() {
		var m StockMovement
		if err := rows.Scan(&m.ID, &m.InventoryID, &m.Type, &m.Qty, &m.Reason, &m.PrescriptionID, &m.PerformedByID, &m.CreatedAt); err != nil {
			return nil, apperr.Internal("scan stock movement", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
