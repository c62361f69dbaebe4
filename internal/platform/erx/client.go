// Package erx transmits prescription transactions to an external e-prescribing
// gateway.
package erx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Transmission is one ErxTransaction as sent on the wire.
type Transmission struct {
	TransactionID  string          `json:"transaction_id"`
	PrescriptionID string          `json:"prescription_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Ack is the gateway acknowledgement, stored on the transaction.
type Ack struct {
	Reference  string          `json:"reference"`
	ReceivedAt time.Time       `json:"received_at"`
	Raw        json.RawMessage `json:"-"`
}

type Gateway interface {
	Transmit(ctx context.Context, t *Transmission) (*Ack, error)
}

// GatewayError is returned for non-2xx gateway responses.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("erx gateway returned %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	http   *resty.Client
	logger zerolog.Logger
}

// NewGateway returns a resty-backed client for baseURL, or a LocalGateway
// when baseURL is empty.
func NewGateway(baseURL, apiKey string, logger zerolog.Logger) Gateway {
	if baseURL == "" {
		return LocalGateway{}
	}
	return NewClient(baseURL, apiKey, logger)
}

func NewClient(baseURL, apiKey string, logger zerolog.Logger) *Client {
	// Retries are left to the outbox ladder.
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		rc.SetHeader("X-API-Key", apiKey)
	}
	return &Client{http: rc, logger: logger.With().Str("component", "erx").Logger()}
}

func (c *Client) Transmit(ctx context.Context, t *Transmission) (*Ack, error) {
	var ack Ack
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(t).
		SetResult(&ack).
		Post("/transactions")
	if err != nil {
		return nil, fmt.Errorf("erx transmit %s: %w", t.TransactionID, err)
	}
	if resp.IsError() {
		c.logger.Warn().
			Str("transaction_id", t.TransactionID).
			Int("status_code", resp.StatusCode()).
			Msg("erx gateway rejected transaction")
		return nil, &GatewayError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	ack.Raw = json.RawMessage(resp.Body())
	if ack.ReceivedAt.IsZero() {
		ack.ReceivedAt = time.Now().UTC()
	}
	c.logger.Debug().Str("transaction_id", t.TransactionID).Str("reference", ack.Reference).Msg("erx transmitted")
	return &ack, nil
}

// LocalGateway acknowledges every transmission without a network call.
type LocalGateway struct{}

func (LocalGateway) Transmit(_ context.Context, t *Transmission) (*Ack, error) {
	raw, _ := json.Marshal(map[string]string{"reference": "local", "transaction_id": t.TransactionID})
	return &Ack{Reference: "local", ReceivedAt: time.Now().UTC(), Raw: raw}, nil
}
