package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/careflow/careflow/internal/platform/telemetry"
)

// Handler delivers one message. A returned error schedules a retry.
type Handler func(ctx context.Context, m *Message) error

// Dispatcher polls the store and hands due messages to the handler
// registered for their kind.
type Dispatcher struct {
	store   Store
	logger  zerolog.Logger
	metrics telemetry.Counter

	mu       sync.RWMutex
	handlers map[Kind]Handler

	// PollInterval controls how often due messages are claimed.
	PollInterval time.Duration
	// BatchSize is the max number of messages claimed per tick.
	BatchSize int
	// Lease is how long a claimed message stays invisible to other workers.
	Lease time.Duration
	// CleanupInterval controls how often delivered messages are purged.
	CleanupInterval time.Duration
	// Retention is how long delivered messages are kept.
	Retention time.Duration

	now func() time.Time
}

func NewDispatcher(store Store, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:           store,
		logger:          logger,
		metrics:         telemetry.Nop{},
		handlers:        make(map[Kind]Handler),
		PollInterval:    2 * time.Second,
		BatchSize:       50,
		Lease:           time.Minute,
		CleanupInterval: time.Hour,
		Retention:       7 * 24 * time.Hour,
		now:             time.Now,
	}
}

func (d *Dispatcher) SetMetrics(c telemetry.Counter) {
	if c != nil {
		d.metrics = c
	}
}

func (d *Dispatcher) Register(kind Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

func (d *Dispatcher) handler(kind Kind) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[kind]
	return h, ok
}

// Start runs the delivery and cleanup loops. It blocks until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	pollTicker := time.NewTicker(d.PollInterval)
	cleanupTicker := time.NewTicker(d.CleanupInterval)
	defer pollTicker.Stop()
	defer cleanupTicker.Stop()

	d.logger.Info().Dur("poll_interval", d.PollInterval).Int("batch_size", d.BatchSize).Msg("outbox dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("outbox dispatcher stopped")
			return
		case <-pollTicker.C:
			for {
				n, err := d.DeliverPending(ctx)
				if err != nil || n < d.BatchSize || ctx.Err() != nil {
					break
				}
			}
		case <-cleanupTicker.C:
			d.cleanup(ctx)
		}
	}
}

// DeliverPending claims one batch and delivers it. It returns the number of
// messages claimed.
func (d *Dispatcher) DeliverPending(ctx context.Context) (int, error) {
	msgs, err := d.store.ClaimPending(ctx, d.BatchSize, d.Lease)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to claim outbox messages")
		return 0, err
	}
	for _, m := range msgs {
		d.deliverOne(ctx, m)
	}
	return len(msgs), nil
}

func (d *Dispatcher) deliverOne(ctx context.Context, m *Message) {
	h, ok := d.handler(m.Kind)
	if !ok {
		d.markFailed(ctx, m, fmt.Sprintf("no handler registered for kind %q", m.Kind))
		return
	}

	if err := d.safeHandle(ctx, h, m); err != nil {
		d.markFailed(ctx, m, err.Error())
		return
	}

	now := d.now().UTC()
	m.Attempts++
	m.Status = StatusDelivered
	m.DeliveredAt = &now
	m.LastError = nil
	if err := d.store.Update(ctx, m); err != nil {
		d.logger.Error().Err(err).Str("outbox_id", m.ID.String()).Msg("failed to mark outbox message delivered")
	}
	d.metrics.Inc("outbox_delivered_total", 1, telemetry.Labels{"kind": string(m.Kind)})
}

func (d *Dispatcher) safeHandle(ctx context.Context, h Handler, m *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, m)
}

func (d *Dispatcher) markFailed(ctx context.Context, m *Message, errMsg string) {
	m.Attempts++
	m.LastError = &errMsg

	logEvt := d.logger.Warn()
	if m.Attempts >= m.MaxAttempts {
		m.Status = StatusAbandoned
		logEvt = d.logger.Error()
		d.metrics.Inc("outbox_abandoned_total", 1, telemetry.Labels{"kind": string(m.Kind)})
	} else {
		m.NextAttemptAt = d.now().Add(retryBackoff(m.Attempts))
		d.metrics.Inc("outbox_failed_total", 1, telemetry.Labels{"kind": string(m.Kind)})
	}
	logEvt.
		Str("outbox_id", m.ID.String()).
		Str("kind", string(m.Kind)).
		Int("attempts", m.Attempts).
		Str("status", m.Status).
		Str("error", errMsg).
		Msg("outbox delivery failed")

	if err := d.store.Update(ctx, m); err != nil {
		d.logger.Error().Err(err).Str("outbox_id", m.ID.String()).Msg("failed to update outbox message")
	}
}

func (d *Dispatcher) cleanup(ctx context.Context) {
	n, err := d.store.DeleteDelivered(ctx, d.now().Add(-d.Retention))
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to clean up delivered outbox messages")
		return
	}
	if n > 0 {
		d.logger.Info().Int64("count", n).Msg("cleaned up delivered outbox messages")
	}
}

func retryBackoff(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 30 * time.Second
	case 2:
		return 1 * time.Minute
	case 3:
		return 5 * time.Minute
	case 4:
		return 15 * time.Minute
	default:
		return 1 * time.Hour
	}
}
