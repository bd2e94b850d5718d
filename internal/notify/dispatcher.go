// Package notify delivers alerts to a Notifier with bounded retries and a
// dead-letter set for alerts that could not be delivered.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrClosed is returned when enqueueing on a closed dispatcher.
var ErrClosed = errors.New("dispatcher closed")

// DeadLetterStore persists undeliverable alerts.
type DeadLetterStore interface {
	SaveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id string) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithReceipts registers a callback for every delivery attempt.
func WithReceipts(fn func(domain.DeliveryReceipt)) Option {
	return func(d *Dispatcher) { d.onReceipt = fn }
}

// WithDeadLetterHook registers a callback for every dead-lettered alert.
func WithDeadLetterHook(fn func(*domain.DeadLetter)) Option {
	return func(d *Dispatcher) { d.onDead = fn }
}

// DeliveryLog remembers which alerts reached the notifier, so unresolved
// alerts still in flight at a crash can be re-enqueued on restart.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, receipt domain.DeliveryReceipt) error
}

// WithDeliveryLog records every successful delivery.
func WithDeliveryLog(log DeliveryLog) Option {
	return func(d *Dispatcher) { d.log = log }
}

// Dispatcher queues alerts and delivers them with retries. Enqueue blocks
// while the queue is full.
type Dispatcher struct {
	cfg      domain.DispatchConfig
	notifier domain.Notifier
	dead     DeadLetterStore

	onReceipt func(domain.DeliveryReceipt)
	onDead    func(*domain.DeadLetter)
	log       DeliveryLog

	mu     sync.RWMutex
	closed bool
	queue  chan *domain.Alert
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. dead may be nil, in which case
// undeliverable alerts are only logged.
func NewDispatcher(cfg domain.DispatchConfig, notifier domain.Notifier, dead DeadLetterStore, opts ...Option) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = domain.Duration(200 * time.Millisecond)
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = domain.Duration(10 * time.Second)
	}

	d := &Dispatcher{
		cfg:      cfg,
		notifier: notifier,
		dead:     dead,
		queue:    make(chan *domain.Alert, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the delivery workers. They stop once the queue is closed
// and drained.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work(ctx, i)
	}
	slog.Info("alert dispatcher started",
		"notifier", d.notifier.Name(),
		"workers", d.cfg.Workers,
		"queue_size", d.cfg.QueueSize,
	)
}

// Enqueue hands an alert to the workers.
func (d *Dispatcher) Enqueue(ctx context.Context, alert *domain.Alert) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- alert:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued alerts.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Close stops accepting alerts and waits for queued ones to be delivered
// or dead-lettered.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	defer d.wg.Done()
	for alert := range d.queue {
		if err := d.Deliver(ctx, alert); err != nil {
			slog.Error("alert delivery failed",
				"worker", id,
				"alert_id", alert.ID,
				"error", err,
			)
		}
	}
}

// Deliver attempts delivery up to MaxAttempts times and dead-letters the
// alert if every attempt fails.
func (d *Dispatcher) Deliver(ctx context.Context, alert *domain.Alert) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.cfg.RetryInitial.Std()
	policy.MaxInterval = d.cfg.RetryMax.Std()
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := d.attempt(ctx, alert)
		d.receipt(alert.ID, attempt, err)
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("alert delivery attempt failed",
			"alert_id", alert.ID,
			"attempt", attempt,
			"retry_in", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.cfg.MaxAttempts-1)), ctx), notify)
	if err == nil {
		d.recordDelivery(alert.ID, attempt)
		return nil
	}

	derr := &domain.DispatchError{AlertID: alert.ID, Attempts: attempt, Err: err}
	if dlErr := d.deadLetter(alert, attempt, err); dlErr != nil {
		return errors.Join(derr, dlErr)
	}
	return derr
}

func (d *Dispatcher) attempt(ctx context.Context, alert *domain.Alert) error {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout.Std())
		defer cancel()
	}
	return d.notifier.Notify(ctx, alert)
}

func (d *Dispatcher) deadLetter(alert *domain.Alert, attempts int, cause error) error {
	dl := &domain.DeadLetter{
		ID:        uuid.New().String(),
		Alert:     *alert,
		Attempts:  attempts,
		LastError: cause.Error(),
		FailedAt:  time.Now().UTC(),
	}
	slog.Error("alert moved to dead-letter set",
		"alert_id", alert.ID,
		"dead_letter_id", dl.ID,
		"attempts", attempts,
		"error", cause,
	)
	if d.onDead != nil {
		d.onDead(dl)
	}
	if d.dead == nil {
		return nil
	}

	// The pipeline context may already be cancelled during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.dead.SaveDeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("save dead letter for alert %s: %w", alert.ID, err)
	}
	return nil
}

func (d *Dispatcher) recordDelivery(alertID string, attempt int) {
	if d.log == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r := domain.DeliveryReceipt{AlertID: alertID, Attempt: attempt, Delivered: true, At: time.Now().UTC()}
	if err := d.log.RecordDelivery(ctx, r); err != nil {
		// At worst the alert is delivered again after a restart.
		slog.Warn("failed to record alert delivery", "alert_id", alertID, "error", err)
	}
}

func (d *Dispatcher) receipt(alertID string, attempt int, err error) {
	if d.onReceipt == nil {
		return
	}
	r := domain.DeliveryReceipt{
		AlertID:   alertID,
		Attempt:   attempt,
		Delivered: err == nil,
		At:        time.Now().UTC(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	d.onReceipt(r)
}

// Redrive re-enqueues a dead-lettered alert and removes it from the set.
func (d *Dispatcher) Redrive(ctx context.Context, deadLetterID string) (*domain.Alert, error) {
	if d.dead == nil {
		return nil, fmt.Errorf("dead letter %s: %w", deadLetterID, domain.ErrNotFound)
	}
	dl, err := d.dead.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}

	alert := dl.Alert
	if err := d.Enqueue(ctx, &alert); err != nil {
		return nil, err
	}
	if err := d.dead.DeleteDeadLetter(ctx, deadLetterID); err != nil {
		return &alert, fmt.Errorf("delete dead letter %s: %w", deadLetterID, err)
	}
	slog.Info("dead letter redriven", "dead_letter_id", deadLetterID, "alert_id", alert.ID)
	return &alert, nil
}

// DeadLetters lists dead-lettered alerts, newest first.
func (d *Dispatcher) DeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error) {
	if d.dead == nil {
		return nil, nil
	}
	return d.dead.ListDeadLetters(ctx, limit)
}
