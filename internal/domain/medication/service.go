package medication

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careflow/careflow/internal/domain/lifecycle"
	"github.com/careflow/careflow/internal/domain/pharmacy"
	"github.com/careflow/careflow/internal/platform/apperr"
	"github.com/careflow/careflow/internal/platform/auth"
	"github.com/careflow/careflow/internal/platform/db"
	"github.com/careflow/careflow/internal/platform/erx"
	"github.com/careflow/careflow/internal/platform/hipaa"
	"github.com/careflow/careflow/internal/platform/notification"
	"github.com/careflow/careflow/internal/platform/outbox"
	"github.com/careflow/careflow/internal/platform/telemetry"
	"github.com/careflow/careflow/internal/platform/websocket"
)

const MetricTransmissions = "erx_transmissions_total"

// OrderRouter opens and cancels pharmacy orders. Satisfied by *pharmacy.Service.
type OrderRouter interface {
	CreateOrder(ctx context.Context, in pharmacy.CreateOrderInput) (*pharmacy.Order, error)
	CancelOrdersForPrescription(ctx context.Context, prescriptionID uuid.UUID) (int, error)
}

type Service struct {
	prescriptions PrescriptionRepository
	transactions  TransactionRepository
	orders        OrderRouter
	gateway       erx.Gateway
	tx            db.Transactor
	pub           outbox.Publisher
	metrics       telemetry.Counter
	logger        zerolog.Logger
	now           func() time.Time
}

func NewService(prescriptions PrescriptionRepository, transactions TransactionRepository, orders OrderRouter,
	gateway erx.Gateway, tx db.Transactor, pub outbox.Publisher) *Service {
	return &Service{
		prescriptions: prescriptions,
		transactions:  transactions,
		orders:        orders,
		gateway:       gateway,
		tx:            tx,
		pub:           pub,
		metrics:       telemetry.Nop{},
		logger:        zerolog.Nop(),
		now:           time.Now,
	}
}

func (s *Service) SetMetrics(c telemetry.Counter) { s.metrics = c }

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "medication").Logger()
}

// -- Prescriptions --

type CreatePrescriptionInput struct {
	PatientID      string     `json:"patient_id"`
	DoctorID       string     `json:"doctor_id"`
	DrugCode       string     `json:"drug_code"`
	DrugDisplay    string     `json:"drug_display"`
	Dose           *string    `json:"dose"`
	DoseUnit       *string    `json:"dose_unit"`
	Route          *string    `json:"route"`
	Frequency      *string    `json:"frequency"`
	DurationDays   *int       `json:"duration_days"`
	Quantity       *int       `json:"quantity"`
	RefillsAllowed int        `json:"refills_allowed"`
	LifecycleID    *uuid.UUID `json:"lifecycle_id"`
}

func (in CreatePrescriptionInput) validate() error {
	if in.PatientID == "" {
		return apperr.Validation("patient_id is required")
	}
	if in.DoctorID == "" {
		return apperr.Validation("doctor_id is required")
	}
	if in.DrugCode == "" {
		return apperr.Validation("drug_code is required")
	}
	if in.RefillsAllowed < 0 {
		return apperr.Validation("refills_allowed must not be negative")
	}
	if in.Quantity != nil && *in.Quantity <= 0 {
		return apperr.Validation("quantity must be positive")
	}
	if in.DurationDays != nil && *in.DurationDays <= 0 {
		return apperr.Validation("duration_days must be positive")
	}
	return nil
}

// CreatePrescription stores a Draft prescription.
func (s *Service) CreatePrescription(ctx context.Context, in CreatePrescriptionInput) (*Prescription, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	p := &Prescription{
		ID:                 uuid.New(),
		PatientID:          in.PatientID,
		DoctorID:           in.DoctorID,
		DrugCode:           in.DrugCode,
		DrugDisplay:        in.DrugDisplay,
		Dose:               in.Dose,
		DoseUnit:           in.DoseUnit,
		Route:              in.Route,
		Frequency:          in.Frequency,
		DurationDays:       in.DurationDays,
		Quantity:           in.Quantity,
		RefillsAllowed:     in.RefillsAllowed,
		TransmissionStatus: TransmissionDraft,
		LifecycleID:        in.LifecycleID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.prescriptions.Create(ctx, p); err != nil {
			return err
		}
		msgs := lifecycle.WithEvent(nil, p.LifecycleID, lifecycle.EventMedicationPrescribed, auth.UserIDFromContext(ctx),
			lifecycle.MedicationPrescribedData{PrescriptionID: p.ID.String(), DrugCode: p.DrugCode, DrugDisplay: p.DrugDisplay})
		msgs = append(msgs, hipaa.Entry(ctx, "prescription.create", "Prescription", p.ID.String(), nil, p, nil))
		return s.pub.Publish(ctx, msgs...)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.prescriptions.GetByID(ctx, id)
}

func (s *Service) ListPrescriptionsByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Prescription, int, error) {
	return s.prescriptions.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListTransactions(ctx context.Context, prescriptionID uuid.UUID) ([]*ErxTransaction, error) {
	if _, err := s.prescriptions.GetByID(ctx, prescriptionID); err != nil {
		return nil, err
	}
	return s.transactions.ListByPrescription(ctx, prescriptionID)
}

// SendPrescription queues a New transaction for the gateway. Draft and
// Failed prescriptions can be sent.
func (s *Service) SendPrescription(ctx context.Context, id uuid.UUID) (*Prescription, *ErxTransaction, error) {
	var rx *Prescription
	var txn *ErxTransaction
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.requireOpen(ctx, id)
		if err != nil {
			return err
		}
		if p.TransmissionStatus != TransmissionDraft && p.TransmissionStatus != TransmissionFailed {
			return apperr.Conflict("prescription %s is already %s", p.ID, p.TransmissionStatus)
		}
		if txn, err = s.queueTransaction(ctx, p, TransactionNew); err != nil {
			return err
		}
		snap := p.Snapshot()
		prev := p.TransmissionStatus
		p.TransmissionStatus = TransmissionQueued
		p.UpdatedAt = txn.CreatedAt
		if err := s.prescriptions.Update(ctx, p, snap); err != nil {
			return err
		}
		rx = p
		msgs := lifecycle.WithEvent(nil, p.LifecycleID, lifecycle.EventRxQueued, auth.UserIDFromContext(ctx),
			lifecycle.RxTransactionData{PrescriptionID: p.ID.String(), TransactionID: txn.ID.String()})
		msgs = append(msgs,
			outbox.ErxTransmit(txn.ID.String(), p.ID.String()),
			hipaa.Entry(ctx, "prescription.send", "Prescription", p.ID.String(),
				map[string]interface{}{"transmission_status": prev}, map[string]interface{}{"transmission_status": p.TransmissionStatus},
				map[string]interface{}{"transaction_id": txn.ID}))
		return s.pub.Publish(ctx, msgs...)
	})
	if err != nil {
		return nil, nil, err
	}
	return rx, txn, nil
}

// CancelPrescription marks the prescription Cancelled, records a Cancel
// transaction and cancels its open pharmacy orders.
func (s *Service) CancelPrescription(ctx context.Context, id uuid.UUID, reason string) (*Prescription, error) {
	var rx *Prescription
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.requireOpen(ctx, id)
		if err != nil {
			return err
		}
		wasTransmitted := p.TransmissionStatus != TransmissionDraft
		txn, err := s.queueTransaction(ctx, p, TransactionCancel)
		if err != nil {
			return err
		}
		if _, err := s.orders.CancelOrdersForPrescription(ctx, p.ID); err != nil {
			return err
		}

		snap := p.Snapshot()
		p.TransmissionStatus = TransmissionCancelled
		if reason != "" {
			p.CancelReason = &reason
		}
		p.PharmacyID = nil
		p.UpdatedAt = txn.CreatedAt
		if err := s.prescriptions.Update(ctx, p, snap); err != nil {
			return err
		}
		rx = p

		msgs := lifecycle.WithEvent(nil, p.LifecycleID, lifecycle.EventRxCancelled, auth.UserIDFromContext(ctx),
			lifecycle.RxTransactionData{PrescriptionID: p.ID.String(), TransactionID: txn.ID.String(), Reason: reason})
		if wasTransmitted {
			msgs = append(msgs, outbox.ErxTransmit(txn.ID.String(), p.ID.String()))
		}
		msgs = append(msgs, hipaa.Entry(ctx, "prescription.cancel", "Prescription", p.ID.String(),
			map[string]interface{}{"transmission_status": snap.Status}, map[string]interface{}{"transmission_status": p.TransmissionStatus},
			map[string]interface{}{"reason": reason}))
		return s.pub.Publish(ctx, msgs...)
	})
	if err != nil {
		return nil, err
	}
	return rx, nil
}

// RefillPrescription consumes one refill and queues a Refill transaction.
func (s *Service) RefillPrescription(ctx context.Context, id uuid.UUID) (*Prescription, *ErxTransaction, error) {
	var rx *Prescription
	var txn *ErxTransaction
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.requireOpen(ctx, id)
		if err != nil {
			return err
		}
		if p.TransmissionStatus == TransmissionDraft {
			return apperr.Conflict("prescription %s has not been sent", p.ID)
		}
		if p.RefillsRemaining() == 0 {
			return apperr.Validation("no refills remaining (%d of %d used)", p.RefillsUsed, p.RefillsAllowed)
		}
		if txn, err = s.queueTransaction(ctx, p, TransactionRefill); err != nil {
			return err
		}
		snap := p.Snapshot()
		p.RefillsUsed++
		p.UpdatedAt = txn.CreatedAt
		if err := s.prescriptions.Update(ctx, p, snap); err != nil {
			return err
		}
		rx = p
		msgs := lifecycle.WithEvent(nil, p.LifecycleID, lifecycle.EventRxRefillQueued, auth.UserIDFromContext(ctx),
			lifecycle.RxTransactionData{PrescriptionID: p.ID.String(), TransactionID: txn.ID.String()})
		msgs = append(msgs,
			outbox.ErxTransmit(txn.ID.String(), p.ID.String()),
			hipaa.Entry(ctx, "prescription.refill", "Prescription", p.ID.String(),
				map[string]interface{}{"refills_used": p.RefillsUsed - 1}, map[string]interface{}{"refills_used": p.RefillsUsed},
				map[string]interface{}{"transaction_id": txn.ID}))
		return s.pub.Publish(ctx, msgs...)
	})
	if err != nil {
		return nil, nil, err
	}
	return rx, txn, nil
}

type RouteInput struct {
	PharmacyID      string                   `json:"pharmacy_id"`
	FulfillmentType pharmacy.FulfillmentType `json:"fulfillment_type"`
}

// RouteToPharmacy opens a New pharmacy order for the prescription.
func (s *Service) RouteToPharmacy(ctx context.Context, id uuid.UUID, in RouteInput) (*pharmacy.Order, error) {
	if in.PharmacyID == "" {
		return nil, apperr.Validation("pharmacy_id is required")
	}
	var order *pharmacy.Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.requireOpen(ctx, id)
		if err != nil {
			return err
		}
		if p.PharmacyID != nil {
			return apperr.Conflict("prescription %s is already routed to %s", p.ID, *p.PharmacyID)
		}
		order, err = s.orders.CreateOrder(ctx, pharmacy.CreateOrderInput{
			PharmacyID:      in.PharmacyID,
			PrescriptionID:  p.ID,
			PatientID:       p.PatientID,
			FulfillmentType: in.FulfillmentType,
		})
		if err != nil {
			return err
		}
		snap := p.Snapshot()
		p.PharmacyID = &in.PharmacyID
		p.UpdatedAt = s.now().UTC()
		if err := s.prescriptions.Update(ctx, p, snap); err != nil {
			return err
		}

		body := notification.Message("pharmacy-order-new", "Your prescription was sent to the pharmacy.",
			map[string]string{"prescription_id": p.ID.String(), "order_id": order.ID.String()})
		msgs := lifecycle.WithEvent(nil, p.LifecycleID, lifecycle.EventRxRouted, auth.UserIDFromContext(ctx),
			lifecycle.RxRoutedData{
				PrescriptionID:  p.ID.String(),
				PharmacyID:      in.PharmacyID,
				PharmacyOrderID: order.ID.String(),
				FulfillmentType: string(order.FulfillmentType),
			})
		msgs = append(msgs,
			outbox.Notify("PHARMACY_ORDER_NEW", body, p.PatientID),
			outbox.Broadcast(websocket.PharmacyChannel(in.PharmacyID), "order_new", order),
			hipaa.Entry(ctx, "prescription.route", "Prescription", p.ID.String(), nil,
				map[string]interface{}{"pharmacy_id": in.PharmacyID, "pharmacy_order_id": order.ID}, nil))
		return s.pub.Publish(ctx, msgs...)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// CancelRouting cancels every open pharmacy order of the prescription and
// clears its pharmacy.
func (s *Service) CancelRouting(ctx context.Context, id uuid.UUID) (*Prescription, int, error) {
	var rx *Prescription
	var n int
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.prescriptions.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if n, err = s.orders.CancelOrdersForPrescription(ctx, p.ID); err != nil {
			return err
		}
		rx = p
		if p.PharmacyID == nil {
			return nil
		}
		snap := p.Snapshot()
		before := *p.PharmacyID
		p.PharmacyID = nil
		p.UpdatedAt = s.now().UTC()
		if err := s.prescriptions.Update(ctx, p, snap); err != nil {
			return err
		}
		return s.pub.Publish(ctx, hipaa.Entry(ctx, "prescription.unroute", "Prescription", p.ID.String(),
			map[string]interface{}{"pharmacy_id": before}, map[string]interface{}{"pharmacy_id": nil},
			map[string]interface{}{"orders_cancelled": n}))
	})
	if err != nil {
		return nil, 0, err
	}
	return rx, n, nil
}

func (s *Service) requireOpen(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := s.prescriptions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.TransmissionStatus == TransmissionCancelled {
		return nil, apperr.Conflict("prescription %s is cancelled", p.ID)
	}
	return p, nil
}

func (s *Service) queueTransaction(ctx context.Context, p *Prescription, typ TransactionType) (*ErxTransaction, error) {
	req, err := json.Marshal(map[string]interface{}{"type": typ, "prescription": p})
	if err != nil {
		return nil, apperr.Internal("encode erx request", err)
	}
	now := s.now().UTC()
	t := &ErxTransaction{
		ID:             uuid.New(),
		PrescriptionID: p.ID,
		Type:           typ,
		Status:         TxQueued,
		RequestPayload: req,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.transactions.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// -- Transmission --

// Transmit sends one queued or failed transaction to the gateway. Sent
// transactions are skipped. A gateway failure marks the transaction Failed
// and is returned so the outbox retries it. Only New transactions move the
// prescription between Sent and Failed.
func (s *Service) Transmit(ctx context.Context, transactionID uuid.UUID) error {
	t, err := s.transactions.GetByID(ctx, transactionID)
	if err != nil {
		return err
	}
	if t.Status == TxSent {
		return nil
	}
	ack, sendErr := s.gateway.Transmit(ctx, &erx.Transmission{
		TransactionID:  t.ID.String(),
		PrescriptionID: t.PrescriptionID.String(),
		Type:           string(t.Type),
		Payload:        t.RequestPayload,
	})

	now := s.now().UTC()
	t.UpdatedAt = now
	rxStatus := TransmissionSent
	if sendErr != nil {
		msg := sendErr.Error()
		t.Status = TxFailed
		t.Error = &msg
		rxStatus = TransmissionFailed
	} else {
		t.Status = TxSent
		t.Error = nil
		t.AckAt = &now
		t.ResponsePayload = ackPayload(ack)
	}
	s.metrics.Inc(MetricTransmissions, 1, telemetry.Labels{"type": string(t.Type), "status": string(t.Status)})

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.transactions.UpdateResult(ctx, t); err != nil {
			return err
		}
		if t.Type != TransactionNew {
			return nil
		}
		p, err := s.prescriptions.GetByID(ctx, t.PrescriptionID)
		if err != nil {
			return err
		}
		if p.TransmissionStatus == TransmissionCancelled || p.TransmissionStatus == rxStatus {
			return nil
		}
		snap := p.Snapshot()
		p.TransmissionStatus = rxStatus
		p.UpdatedAt = now
		return s.prescriptions.Update(ctx, p, snap)
	})
	if err != nil {
		return err
	}
	if sendErr != nil {
		s.logger.Warn().Err(sendErr).Str("transaction_id", t.ID.String()).Msg("erx transmission failed")
		return sendErr
	}
	return nil
}

func ackPayload(ack *erx.Ack) json.RawMessage {
	if ack == nil {
		return nil
	}
	if len(ack.Raw) > 0 {
		return ack.Raw
	}
	b, _ := json.Marshal(ack)
	return b
}

// OutboxHandler delivers erx_transmit messages. Unknown transactions are
// dropped.
func (s *Service) OutboxHandler() outbox.Handler {
	return func(ctx context.Context, m *outbox.Message) error {
		var p outbox.ErxTransmitPayload
		if err := m.Decode(&p); err != nil {
			return err
		}
		id, err := uuid.Parse(p.TransactionID)
		if err != nil {
			s.logger.Warn().Str("transaction_id", p.TransactionID).Msg("dropping erx message with invalid transaction id")
			return nil
		}
		err = s.Transmit(ctx, id)
		if apperr.Is(err, apperr.KindNotFound) {
			s.logger.Warn().Err(err).Msg("dropping erx message")
			return nil
		}
		return err
	}
}

// -- Pharmacy adapter --

type prescriptionReader struct {
	repo PrescriptionRepository
}

// NewPrescriptionReader exposes prescriptions to the pharmacy service.
func NewPrescriptionReader(repo PrescriptionRepository) pharmacy.PrescriptionReader {
	return prescriptionReader{repo: repo}
}

func (r prescriptionReader) PrescriptionInfo(ctx context.Context, id uuid.UUID) (*pharmacy.PrescriptionInfo, error) {
	p, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &pharmacy.PrescriptionInfo{ID: p.ID, PatientID: p.PatientID, DoctorID: p.DoctorID, LifecycleID: p.LifecycleID}, nil
}
