package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careflow/careflow/internal/platform/apperr"
	"github.com/careflow/careflow/internal/platform/db"
)

// =========== LabExamination Repository ===========

type labRepoPG struct{ pool *pgxpool.Pool }

func NewLabRepoPG(pool *pgxpool.Pool) LabRepository {
	return &labRepoPG{pool: pool}
}

const labCols = `id, patient_id, doctor_id, test_code, test_name, status, lab_id, results,
	lifecycle_id, completed_at, created_at, updated_at`

func scanLab(row pgx.Row) (*LabExamination, error) {
	var l LabExamination
	var results []byte
	err := row.Scan(&l.ID, &l.PatientID, &l.DoctorID, &l.TestCode, &l.TestName, &l.Status, &l.LabID, &results,
		&l.LifecycleID, &l.CompletedAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Results = []Result{}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &l.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	return &l, nil
}

func encodeResults(results []Result) ([]byte, error) {
	if results == nil {
		results = []Result{}
	}
	return json.Marshal(results)
}

func (r *labRepoPG) Create(ctx context.Context, l *LabExamination) error {
	results, err := encodeResults(l.Results)
	if err != nil {
		return apperr.Internal("encode results", err)
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO lab_examinations (id, patient_id, doctor_id, test_code, test_name, status, lab_id, results,
			lifecycle_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		l.ID, l.PatientID, l.DoctorID, l.TestCode, l.TestName, l.Status, l.LabID, results,
		l.LifecycleID, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return apperr.Internal("create lab examination", err)
	}
	return nil
}

func (r *labRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*LabExamination, error) {
	l, err := scanLab(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+labCols+` FROM lab_examinations WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("LabExamination", id.String())
	}
	if err != nil {
		return nil, apperr.Internal("get lab examination", err)
	}
	return l, nil
}

func (r *labRepoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*LabExamination, int, error) {
	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM lab_examinations WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, apperr.Internal("count lab examinations", err)
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+labCols+` FROM lab_examinations WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, apperr.Internal("list lab examinations", err)
	}
	defer rows.Close()
	var items []*LabExamination
	for rows.Next() {
		l, err := scanLab(rows)
		if err != nil {
			return nil, 0, apperr.Internal("scan lab examination", err)
		}
		items = append(items, l)
	}
	return items, total, rows.Err()
}

func (r *labRepoPG) Update(ctx context.Context, l *LabExamination, prev Status) error {
	results, err := encodeResults(l.Results)
	if err != nil {
		return apperr.Internal("encode results", err)
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE lab_examinations SET status=$3, lab_id=$4, results=$5, completed_at=$6, updated_at=$7
		WHERE id = $1 AND status = $2`,
		l.ID, prev, l.Status, l.LabID, results, l.CompletedAt, l.UpdatedAt)
	if err != nil {
		return apperr.Internal("update lab examination", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("lab examination %s is no longer %s", l.ID, prev)
	}
	return nil
}

// =========== ImagingReport Repository ===========

type imagingRepoPG struct{ pool *pgxpool.Pool }

func NewImagingRepoPG(pool *pgxpool.Pool) ImagingRepository {
	return &imagingRepoPG{pool: pool}
}

const imagingCols = `id, patient_id, doctor_id, modality, body_part, accession_number, status,
	findings, impression, lifecycle_id, completed_at, created_at, updated_at`

func (r *imagingRepoPG) Create(ctx context.Context, ir *ImagingReport) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO imaging_reports (id, patient_id, doctor_id, modality, body_part, accession_number, status,
			lifecycle_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		ir.ID, ir.PatientID, ir.DoctorID, ir.Modality, ir.BodyPart, ir.AccessionNumber, ir.Status,
		ir.LifecycleID, ir.CreatedAt, ir.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("accession number %s already used", ir.AccessionNumber)
	}
	if err != nil {
		return apperr.Internal("create imaging report", err)
	}
	return nil
}

func (r *imagingRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ImagingReport, error) {
	var ir ImagingReport
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+imagingCols+` FROM imaging_reports WHERE id = $1`, id).Scan(
		&ir.ID, &ir.PatientID, &ir.DoctorID, &ir.Modality, &ir.BodyPart, &ir.AccessionNumber, &ir.Status,
		&ir.Findings, &ir.Impression, &ir.LifecycleID, &ir.CompletedAt, &ir.CreatedAt, &ir.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("ImagingReport", id.String())
	}
	if err != nil {
		return nil, apperr.Internal("get imaging report", err)
	}
	return &ir, nil
}

func (r *imagingRepoPG) Update(ctx context.Context, ir *ImagingReport, prev Status) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE imaging_reports SET status=$3, findings=$4, impression=$5, completed_at=$6, updated_at=$7
		WHERE id = $1 AND status = $2`,
		ir.ID, prev, ir.Status, ir.Findings, ir.Impression, ir.CompletedAt, ir.UpdatedAt)
	if err != nil {
		return apperr.Internal("update imaging report", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("imaging report %s is no longer %s", ir.ID, prev)
	}
	return nil
}
