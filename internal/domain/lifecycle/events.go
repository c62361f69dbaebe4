package lifecycle

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/careflow/careflow/internal/platform/outbox"
)

// Event types written by the workflow services. The set is open: AddEvent
// accepts any non-empty type.
const (
	EventLabOrdered           = "LabOrdered"
	EventImagingOrdered       = "ImagingOrdered"
	EventOrderRouted          = "OrderRouted"
	EventResultsPosted        = "ResultsPosted"
	EventMedicationPrescribed = "MedicationPrescribed"
	EventRxQueued             = "RxQueued"
	EventRxCancelled          = "RxCancelled"
	EventRxRefillQueued       = "RxRefillQueued"
	EventRxRouted             = "RxRouted"
	EventRxDispensed          = "RxDispensed"
	EventStatusChanged        = "StatusChanged"
)

type LabOrderedData struct {
	LabExaminationIDs []string `json:"lab_examination_ids"`
	TestCodes         []string `json:"test_codes"`
}

type ImagingOrderedData struct {
	ImagingReportID string `json:"imaging_report_id"`
	AccessionNumber string `json:"accession_number"`
	Modality        string `json:"modality"`
}

type OrderRoutedData struct {
	LabExaminationID string `json:"lab_examination_id"`
	LabID            string `json:"lab_id"`
}

type ResultsPostedData struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	ResultCount  int    `json:"result_count,omitempty"`
}

type MedicationPrescribedData struct {
	PrescriptionID string `json:"prescription_id"`
	DrugCode       string `json:"drug_code"`
	DrugDisplay    string `json:"drug_display"`
}

// RxTransactionData covers RxQueued, RxCancelled and RxRefillQueued.
type RxTransactionData struct {
	PrescriptionID string `json:"prescription_id"`
	TransactionID  string `json:"transaction_id"`
	Reason         string `json:"reason,omitempty"`
}

type RxRoutedData struct {
	PrescriptionID  string `json:"prescription_id"`
	PharmacyID      string `json:"pharmacy_id"`
	PharmacyOrderID string `json:"pharmacy_order_id"`
	FulfillmentType string `json:"fulfillment_type"`
}

type RxDispensedData struct {
	PrescriptionID  string `json:"prescription_id"`
	PharmacyOrderID string `json:"pharmacy_order_id"`
	InventoryID     string `json:"inventory_id"`
	Qty             int    `json:"qty"`
}

type StatusChangedData struct {
	From         Status  `json:"from"`
	To           Status  `json:"to"`
	ClosureNotes *string `json:"closure_notes,omitempty"`
}

func typedPayload(eventType string) interface{} {
	switch eventType {
	case EventLabOrdered:
		return &LabOrderedData{}
	case EventImagingOrdered:
		return &ImagingOrderedData{}
	case EventOrderRouted:
		return &OrderRoutedData{}
	case EventResultsPosted:
		return &ResultsPostedData{}
	case EventMedicationPrescribed:
		return &MedicationPrescribedData{}
	case EventRxQueued, EventRxCancelled, EventRxRefillQueued:
		return &RxTransactionData{}
	case EventRxRouted:
		return &RxRoutedData{}
	case EventRxDispensed:
		return &RxDispensedData{}
	case EventStatusChanged:
		return &StatusChangedData{}
	}
	return nil
}

// Data decodes the payload into the struct registered for the event type, or
// into map[string]interface{} for types without one. An empty payload yields nil.
func (e *Event) Data() (interface{}, error) {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil, nil
	}
	v := typedPayload(e.EventType)
	if v == nil {
		var m map[string]interface{}
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.EventType, err)
		}
		return m, nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return v, nil
}

// WithEvent appends a lifecycle_event outbox message to msgs when id is set.
func WithEvent(msgs []*outbox.Message, id *uuid.UUID, eventType, actor string, data interface{}) []*outbox.Message {
	if id == nil || *id == uuid.Nil {
		return msgs
	}
	return append(msgs, outbox.LifecycleEvent(id.String(), eventType, actor, data))
}
