package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"multichat/domain/persistence"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultWorkers     = 4
	defaultQueueDepth  = 256
	lookupAttempts     = 3
	eventTimeout       = 10 * time.Second
	defaultStopTimeout = 30 * time.Second
)

var (
	errNotRunning   = errors.New("ledger event processor is not running")
	errShuttingDown = errors.New("ledger event processor is shutting down")
	errQueueFull    = errors.New("ledger event queue is full")
)

// Transactor runs fn in a unit of work that repositories pick up from ctx
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventProcessor writes ledger events on a fixed pool of workers so the
// chat path never waits on the database.
type EventProcessor struct {
	exchangeRepo persistence.ExchangeRepository
	metricsRepo  persistence.MetricsRepository
	tx           Transactor

	queue       chan any
	workers     int
	retryDelay  time.Duration
	stopTimeout time.Duration

	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	processed     atomic.Int64
	failed        atomic.Int64
	lastProcessed atomic.Int64 // unix nanos
}

// NewEventProcessor sizes the pool; non-positive values fall back to defaults
func NewEventProcessor(
	exchangeRepo persistence.ExchangeRepository,
	metricsRepo persistence.MetricsRepository,
	workers int,
	queueDepth int,
) *EventProcessor {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}

	return &EventProcessor{
		exchangeRepo: exchangeRepo,
		metricsRepo:  metricsRepo,
		queue:        make(chan any, queueDepth),
		workers:      workers,
		retryDelay:   200 * time.Millisecond,
		stopTimeout:  defaultStopTimeout,
	}
}

// UseTransactions makes completion writes atomic. Call before Start.
func (ep *EventProcessor) UseTransactions(tx Transactor) {
	ep.tx = tx
}

func (ep *EventProcessor) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ep.tx == nil {
		return fn(ctx)
	}
	return ep.tx.WithTransaction(ctx, fn)
}

// Start launches the worker pool
func (ep *EventProcessor) Start(ctx context.Context) error {
	if !ep.running.CompareAndSwap(false, true) {
		return errors.New("ledger event processor already started")
	}

	ep.ctx, ep.cancel = context.WithCancel(ctx)
	ep.wg.Add(ep.workers)
	for id := 0; id < ep.workers; id++ {
		go ep.worker(id)
	}

	logrus.WithFields(logrus.Fields{
		"workers":     ep.workers,
		"queue_depth": cap(ep.queue),
	}).Info("Ledger event processor started")
	return nil
}

// Stop closes the queue and lets the workers drain what is already queued
func (ep *EventProcessor) Stop() error {
	ep.mu.Lock()
	if !ep.running.CompareAndSwap(true, false) {
		ep.mu.Unlock()
		return nil
	}
	close(ep.queue)
	ep.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(ep.stopTimeout)
	defer timer.Stop()
	select {
	case <-drained:
		logrus.WithField("processed", ep.processed.Load()).Info("Ledger event processor drained")
	case <-timer.C:
		logrus.WithField("pending", len(ep.queue)).Warn("Ledger event processor did not drain in time")
	}

	ep.cancel()
	return nil
}

// ProcessEvent enqueues event, failing fast when the queue is full
func (ep *EventProcessor) ProcessEvent(event any) error {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	if !ep.running.Load() {
		return errNotRunning
	}

	select {
	case ep.queue <- event:
		return nil
	case <-ep.ctx.Done():
		return errShuttingDown
	default:
		ep.failed.Add(1)
		logrus.WithField("event_type", fmt.Sprintf("%T", event)).Warn("Ledger event dropped")
		return errQueueFull
	}
}

// Health reports the pool state for readiness probes
func (ep *EventProcessor) Health() persistence.ProcessorHealth {
	h := persistence.ProcessorHealth{
		IsRunning:      ep.running.Load(),
		QueueSize:      len(ep.queue),
		ProcessedCount: ep.processed.Load(),
		ErrorCount:     ep.failed.Load(),
	}
	if ns := ep.lastProcessed.Load(); ns > 0 {
		at := time.Unix(0, ns).UTC()
		h.LastProcessedAt = &at
	}
	return h
}

func (ep *EventProcessor) worker(id int) {
	defer ep.wg.Done()
	log := logrus.WithField("worker_id", id)

	for {
		select {
		case <-ep.ctx.Done():
			return
		case event, ok := <-ep.queue:
			if !ok {
				return
			}
			ep.handle(log, event)
		}
	}
}

func (ep *EventProcessor) handle(log *logrus.Entry, event any) {
	ctx, cancel := context.WithTimeout(ep.ctx, eventTimeout)
	defer cancel()

	if err := ep.processEvent(ctx, event); err != nil {
		ep.failed.Add(1)
		log.WithError(err).WithField("event_type", fmt.Sprintf("%T", event)).Error("Ledger write failed")
		return
	}
	ep.lastProcessed.Store(time.Now().UnixNano())
	ep.processed.Add(1)
}

func (ep *EventProcessor) processEvent(ctx context.Context, event any) error {
	switch e := event.(type) {
	case persistence.PersistenceEvent[persistence.StartExchangeEvent]:
		return ep.handleStart(ctx, e.Data)
	case persistence.PersistenceEvent[persistence.CompleteExchangeEvent]:
		return ep.handleComplete(ctx, e.Data)
	case persistence.PersistenceEvent[persistence.FailExchangeEvent]:
		return ep.handleFail(ctx, e.Data)

	default:
		return fmt.Errorf("unknown event type: %T", event)
	}
}

func (ep *EventProcessor) handleStart(ctx context.Context, event persistence.StartExchangeEvent) error {
	record := &persistence.ExchangeRecord{
		ID:               event.ExchangeID,
		ConversationID:   event.ConversationID,
		ConversationName: event.ConversationName,
		Model:            event.Model,
		Provider:         event.Provider,
		Temperature:      event.Temperature,
		Status:           persistence.ExchangeStatusPending,
	}
	return ep.exchangeRepo.Create(ctx, record)
}

// awaitExchange waits for the pending row, which another worker may still be inserting
func (ep *EventProcessor) awaitExchange(ctx context.Context, id uuid.UUID) error {
	var err error
	for attempt := 0; attempt < lookupAttempts; attempt++ {
		if _, err = ep.exchangeRepo.FindByID(ctx, id); err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to find exchange: %w", err)
		}

		logrus.WithFields(logrus.Fields{
			"exchange_id": id,
			"attempt":     attempt + 1,
		}).Debug("Exchange not recorded yet, retrying...")

		select {
		case <-time.After(time.Duration(attempt+1) * ep.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("exchange %s not found after %d attempts: %w", id, lookupAttempts, err)
}

func (ep *EventProcessor) handleComplete(ctx context.Context, event persistence.CompleteExchangeEvent) error {
	if err := ep.awaitExchange(ctx, event.ExchangeID); err != nil {
		return err
	}

	// status and usage land together or not at all
	return ep.inTx(ctx, func(ctx context.Context) error {
		if err := ep.exchangeRepo.UpdateStatus(ctx, event.ExchangeID, persistence.ExchangeStatusCompleted, ""); err != nil {
			return err
		}
		return ep.metricsRepo.CreateOrUpdate(ctx, &persistence.ExchangeMetrics{
			ExchangeID:       event.ExchangeID,
			PromptTokens:     event.PromptTokens,
			CompletionTokens: event.CompletionTokens,
			TotalTokens:      event.TotalTokens,
			Cost:             event.Cost,
			LatencyMs:        event.LatencyMs,
		})
	})
}

func (ep *EventProcessor) handleFail(ctx context.Context, event persistence.FailExchangeEvent) error {
	if err := ep.awaitExchange(ctx, event.ExchangeID); err != nil {
		return err
	}
	return ep.exchangeRepo.UpdateStatus(ctx, event.ExchangeID, persistence.ExchangeStatusFailed, event.Error)
}

// ExchangeTracker implements persistence.ExchangeTracker using the event processor
type ExchangeTracker struct {
	processor persistence.EventProcessor
}

// NewExchangeTracker creates a new exchange tracker
func NewExchangeTracker(processor persistence.EventProcessor) persistence.ExchangeTracker {
	return &ExchangeTracker{processor: processor}
}

// StartTracking records a pending exchange
func (t *ExchangeTracker) StartTracking(ctx context.Context, event persistence.StartExchangeEvent) error {
	return t.processor.ProcessEvent(persistence.PersistenceEvent[persistence.StartExchangeEvent]{
		Type: persistence.EventTypeStartExchange,
		Data: event,
	})
}

// CompleteTracking records usage for a finished exchange
func (t *ExchangeTracker) CompleteTracking(ctx context.Context, event persistence.CompleteExchangeEvent) error {
	err := t.processor.ProcessEvent(persistence.PersistenceEvent[persistence.CompleteExchangeEvent]{
		Type: persistence.EventTypeCompleteExchange,
		Data: event,
	})
	if err != nil {
		return fmt.Errorf("failed to process complete exchange event: %w", err)
	}
	return nil
}

// FailTracking marks an exchange as failed
func (t *ExchangeTracker) FailTracking(ctx context.Context, exchangeID uuid.UUID, errMsg string) error {
	return t.processor.ProcessEvent(persistence.PersistenceEvent[persistence.FailExchangeEvent]{
		Type: persistence.EventTypeFailExchange,
		Data: persistence.FailExchangeEvent{ExchangeID: exchangeID, Error: errMsg},
	})
}
