package medication

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careflow/careflow/internal/platform/apperr"
	"github.com/careflow/careflow/internal/platform/db"
)

// =========== Prescription Repository ===========

type prescriptionRepoPG struct{ pool *pgxpool.Pool }

func NewPrescriptionRepoPG(pool *pgxpool.Pool) PrescriptionRepository {
	return &prescriptionRepoPG{pool: pool}
}

const prescriptionCols = `id, patient_id, doctor_id, drug_code, drug_display, dose, dose_unit, route, frequency,
	duration_days, quantity, refills_allowed, refills_used, pharmacy_id, transmission_status, cancel_reason,
	lifecycle_id, created_at, updated_at`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(&p.ID, &p.PatientID, &p.DoctorID, &p.DrugCode, &p.DrugDisplay, &p.Dose, &p.DoseUnit, &p.Route, &p.Frequency,
		&p.DurationDays, &p.Quantity, &p.RefillsAllowed, &p.RefillsUsed, &p.PharmacyID, &p.TransmissionStatus, &p.CancelReason,
		&p.LifecycleID, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO prescriptions (`+prescriptionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		p.ID, p.PatientID, p.DoctorID, p.DrugCode, p.DrugDisplay, p.Dose, p.DoseUnit, p.Route, p.Frequency,
		p.DurationDays, p.Quantity, p.RefillsAllowed, p.RefillsUsed, p.PharmacyID, p.TransmissionStatus, p.CancelReason,
		p.LifecycleID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return apperr.Internal("create prescription", err)
	}
	return nil
}

func (r *prescriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := scanPrescription(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+prescriptionCols+` FROM prescriptions WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("Prescription", id.String())
	}
	if err != nil {
		return nil, apperr.Internal("get prescription", err)
	}
	return p, nil
}

func (r *prescriptionRepoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Prescription, int, error) {
	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM prescriptions WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, apperr.Internal("count prescriptions", err)
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+prescriptionCols+` FROM prescriptions WHERE patient_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, apperr.Internal("list prescriptions", err)
	}
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, 0, apperr.Internal("scan prescription", err)
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *prescriptionRepoPG) Update(ctx context.Context, p *Prescription, prev Snapshot) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE prescriptions SET transmission_status=$3, cancel_reason=$4, pharmacy_id=$5, refills_used=$6, updated_at=$7
		WHERE id = $1 AND transmission_status = $2
		  AND pharmacy_id IS NOT DISTINCT FROM $8 AND refills_used = $9`,
		p.ID, prev.Status, p.TransmissionStatus, p.CancelReason, p.PharmacyID, p.RefillsUsed, p.UpdatedAt,
		prev.PharmacyID, prev.RefillsUsed)
	if err != nil {
		return apperr.Internal("update prescription", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("prescription %s was modified concurrently", p.ID)
	}
	return nil
}

// =========== Transaction Repository ===========

type transactionRepoPG struct{ pool *pgxpool.Pool }

func NewTransactionRepoPG(pool *pgxpool.Pool) TransactionRepository {
	return &transactionRepoPG{pool: pool}
}

const transactionCols = `id, prescription_id, type, status, request_payload, response_payload, ack_at, error,
	created_at, updated_at`

func scanTransaction(row pgx.Row) (*ErxTransaction, error) {
	var t ErxTransaction
	err := row.Scan(&t.ID, &t.PrescriptionID, &t.Type, &t.Status, &t.RequestPayload, &t.ResponsePayload, &t.AckAt, &t.Error,
		&t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

func (r *transactionRepoPG) Create(ctx context.Context, t *ErxTransaction) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO erx_transactions (id, prescription_id, type, status, request_payload, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.ID, t.PrescriptionID, t.Type, t.Status, t.RequestPayload, t.CreatedAt, t.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("erx transaction %s already exists", t.ID)
	}
	if err != nil {
		return apperr.Internal("create erx transaction", err)
	}
	return nil
}

func (r *transactionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ErxTransaction, error) {
	t, err := scanTransaction(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+transactionCols+` FROM erx_transactions WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("ErxTransaction", id.String())
	}
	if err != nil {
		return nil, apperr.Internal("get erx transaction", err)
	}
	return t, nil
}

func (r *transactionRepoPG) ListByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*ErxTransaction, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+transactionCols+` FROM erx_transactions WHERE prescription_id = $1 ORDER BY created_at, id`, prescriptionID)
	if err != nil {
		return nil, apperr.Internal("list erx transactions", err)
	}
	defer rows.Close()
	var items []*ErxTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, apperr.Internal("scan erx transaction", err)
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *transactionRepoPG) UpdateResult(ctx context.Context, t *ErxTransaction) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE erx_transactions SET status=$2, response_payload=$3, ack_at=$4, error=$5, updated_at=$6
		WHERE id = $1`,
		t.ID, t.Status, t.ResponsePayload, t.AckAt, t.Error, t.UpdatedAt)
	if err != nil {
		return apperr.Internal("update erx transaction", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("ErxTransaction", t.ID.String())
	}
	return nil
}
