package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Harvey-AU/blue-banded-bus/internal/bus"
	"github.com/Harvey-AU/blue-banded-bus/internal/db"
	"github.com/Harvey-AU/blue-banded-bus/internal/observability"
	"github.com/getsentry/sentry-go"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// MetricsRecorder receives dispatch telemetry. Implementations must be safe
// for concurrent use; a nil recorder disables metrics.
type MetricsRecorder interface {
	CommandStarted(domain, commandType string)
	CommandFinished(domain, commandType, outcome string, duration time.Duration)
}

// Config controls a single domain's dispatch loop
type Config struct {
	Domain            string
	Concurrency       int64
	BatchSize         int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	ShutdownTimeout   time.Duration
	// DispatchRate caps handler starts per second across the worker.
	// Zero means unlimited.
	DispatchRate  rate.Limit
	DispatchBurst int
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.DispatchBurst <= 0 {
		c.DispatchBurst = int(c.Concurrency)
	}
}

// Worker consumes one domain's command queue: it wakes on NOTIFY or the poll
// interval, reads a batch, and dispatches each message to a handler under a
// bounded semaphore. Outcomes are classified into complete, business-rule
// failure, retry with backoff, or a move to the troubleshooting queue.
type Worker struct {
	bus      *bus.Bus
	registry *Registry
	policy   *RetryPolicy
	health   *HealthTracker
	metrics  MetricsRecorder
	config   Config

	queueName string
	sem       *semaphore.Weighted
	limiter   *rate.Limiter

	stopCh   chan struct{}
	stopOnce sync.Once
	notifyCh chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates a worker for the configured domain
func NewWorker(b *bus.Bus, registry *Registry, policy *RetryPolicy, config Config) *Worker {
	if b == nil {
		panic("bus is required")
	}
	if registry == nil {
		panic("handler registry is required")
	}
	if config.Domain == "" {
		panic("domain is required")
	}
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	config.applyDefaults()

	var limiter *rate.Limiter
	if config.DispatchRate > 0 {
		limiter = rate.NewLimiter(config.DispatchRate, config.DispatchBurst)
	}

	return &Worker{
		bus:       b,
		registry:  registry,
		policy:    policy,
		health:    NewHealthTracker(config.VisibilityTimeout),
		config:    config,
		queueName: bus.CommandQueueName(config.Domain),
		sem:       semaphore.NewWeighted(config.Concurrency),
		limiter:   limiter,
		stopCh:    make(chan struct{}),
		notifyCh:  make(chan struct{}, 1),
	}
}

// SetMetrics attaches a telemetry recorder. Call before Start.
func (w *Worker) SetMetrics(m MetricsRecorder) { w.metrics = m }

// Health returns the worker's current health snapshot
func (w *Worker) Health() HealthSnapshot { return w.health.Snapshot() }

// Domain returns the domain this worker serves
func (w *Worker) Domain() string { return w.config.Domain }

// Start launches the dispatch loop and the notification listener
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(2)
	go w.run(ctx)
	go w.listen(ctx)

	log.Info().
		Str("domain", w.config.Domain).
		Int64("concurrency", w.config.Concurrency).
		Dur("visibility_timeout", w.config.VisibilityTimeout).
		Msg("Worker started")
}

// Stop signals the loops to cease and waits for in-flight work to drain, up
// to the shutdown timeout. Returns false if the drain timed out.
func (w *Worker) Stop() bool {
	w.stopOnce.Do(func() { close(w.stopCh) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Str("domain", w.config.Domain).Msg("Worker stopped")
		return true
	case <-time.After(w.config.ShutdownTimeout):
		log.Warn().Str("domain", w.config.Domain).Msg("Worker shutdown timed out with work in flight")
		return false
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		dispatched, err := w.dispatchBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.recordInfraError(err)
			log.Error().Err(err).Str("domain", w.config.Domain).Msg("Failed to read command batch")
		}

		if dispatched > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-w.notifyCh:
		case <-time.After(w.config.PollInterval):
		}
	}
}

func (w *Worker) dispatchBatch(ctx context.Context) (int, error) {
	messages, err := w.bus.Queue().Read(ctx, nil, w.queueName, w.config.VisibilityTimeout, w.config.BatchSize)
	if err != nil {
		return 0, err
	}

	// Once a message is read it must run to an outcome: a cancelled polling
	// context would otherwise abort the finish/fail transaction mid-flight
	// and leave the command IN_PROGRESS until the visibility timeout.
	taskCtx := context.WithoutCancel(ctx)

	dispatched := 0
	for _, msg := range messages {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return dispatched, nil
			}
		}
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return dispatched, nil
		}

		msg := msg
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.health.SlotStarted(msg.MsgID)
			defer w.health.SlotFinished(msg.MsgID)
			w.processMessage(taskCtx, msg)
		}()
		dispatched++
	}
	return dispatched, nil
}

// listen holds a dedicated LISTEN connection and forwards wake-ups to the
// dispatch loop
func (w *Worker) listen(ctx context.Context) {
	defer w.wg.Done()

	connString := w.bus.DB().GetConfig().ConnectionString()
	listener := pq.NewListener(connString, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Str("domain", w.config.Domain).Msg("Queue listener connection problem")
			}
		})
	defer listener.Close()

	if err := listener.Listen(w.queueName); err != nil {
		log.Error().Err(err).Str("channel", w.queueName).Msg("Failed to LISTEN; relying on polling")
		return
	}

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-listener.Notify:
			select {
			case w.notifyCh <- struct{}{}:
			default:
			}
		case <-ping.C:
			go listener.Ping()
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, msg db.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("domain", w.config.Domain).
				Int64("msg_id", msg.MsgID).
				Msg("Recovered from panic in message task")
			sentry.CurrentHub().Recover(r)
			w.health.RecordFailure()
		}
	}()

	env, err := bus.ParseEnvelope(msg.Payload)
	if err != nil {
		w.archivePoison(ctx, msg.MsgID, err)
		return
	}

	meta, err := w.receive(ctx, env, msg.MsgID)
	if err != nil {
		w.recordInfraError(err)
		log.Error().Err(err).
			Str("domain", w.config.Domain).
			Str("command_id", env.CommandID).
			Msg("Failed to receive command; visibility timeout will redeliver")
		return
	}
	if meta == nil {
		// Terminal redelivery or unknown command: already archived
		return
	}

	ctx, span := observability.StartDispatchSpan(ctx, w.config.Domain, env.CommandType, env.CommandID)
	defer span.End()

	if w.metrics != nil {
		w.metrics.CommandStarted(w.config.Domain, env.CommandType)
	}
	started := time.Now()

	result, handlerErr := w.invoke(ctx, env, meta, msg.MsgID)

	outcome := "completed"
	if handlerErr == nil {
		err = w.finishCompleted(ctx, env, meta, msg.MsgID, result)
	} else {
		cmdErr := Classify(handlerErr)
		switch cmdErr.Kind {
		case bus.ErrorKindPermanent:
			outcome = "troubleshooting"
			err = w.finishToTSQ(ctx, env, meta, msg.MsgID, cmdErr, "PERMANENT", nil)
		case bus.ErrorKindBusinessRule:
			outcome = "business_rule_failed"
			err = w.finishBusinessRule(ctx, env, meta, msg.MsgID, cmdErr)
		default:
			if w.policy.ShouldRetry(meta.Attempts, meta.MaxAttempts, bus.ErrorKindTransient) {
				outcome = "retry_scheduled"
				err = w.scheduleRetry(ctx, env, meta, msg.MsgID, cmdErr)
			} else {
				outcome = "troubleshooting"
				err = w.finishToTSQ(ctx, env, meta, msg.MsgID, cmdErr, "EXHAUSTED", &bus.AuditEvent{
					Domain:    w.config.Domain,
					CommandID: env.CommandID,
					EventType: bus.EventRetryExhausted,
					Details:   map[string]interface{}{"attempts": meta.Attempts},
				})
			}
		}
	}
	if err != nil {
		w.recordInfraError(err)
		log.Error().Err(err).
			Str("domain", w.config.Domain).
			Str("command_id", env.CommandID).
			Str("outcome", outcome).
			Msg("Failed to record command outcome; visibility timeout will redeliver")
		return
	}

	switch {
	case handlerErr == nil:
		w.health.RecordSuccess()
	case Classify(handlerErr).Kind == bus.ErrorKindBusinessRule:
		// Expected negative outcome: the pipeline itself worked
		w.health.RecordSuccess()
	default:
		w.health.RecordFailure()
	}

	if w.metrics != nil {
		w.metrics.CommandFinished(w.config.Domain, env.CommandType, outcome, time.Since(started))
	}
}

// receive runs the idempotency-guarded receive transaction. A nil return with
// nil error means the message was a redelivery of a terminal command and has
// been archived.
func (w *Worker) receive(ctx context.Context, env *bus.Envelope, msgID int64) (*bus.CommandMetadata, error) {
	var meta *bus.CommandMetadata
	err := w.bus.DB().Execute(ctx, func(tx *sql.Tx) error {
		meta = nil
		m, err := w.bus.Commands().ReceiveCommand(ctx, tx, w.config.Domain, env.CommandID, msgID)
		if err != nil {
			return err
		}
		if m == nil {
			_, err := w.bus.Queue().Archive(ctx, tx, w.queueName, msgID)
			return err
		}

		if err := w.bus.Audit().Log(ctx, tx, w.config.Domain, env.CommandID, bus.EventReceived, map[string]interface{}{
			"attempt": m.Attempts,
			"msg_id":  msgID,
		}); err != nil {
			return err
		}
		if m.BatchID != "" {
			if err := w.bus.Batches().UpdateOnReceive(ctx, tx, w.config.Domain, m.BatchID); err != nil {
				return err
			}
		}
		meta = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// invoke runs the handler outside any transaction. Panics and missing
// handlers surface as transient errors so an operator can still recover the
// command.
func (w *Worker) invoke(ctx context.Context, env *bus.Envelope, meta *bus.CommandMetadata, msgID int64) (result map[string]interface{}, err error) {
	handler := w.registry.Resolve(w.config.Domain, env.CommandType)
	if handler == nil {
		return nil, Transient("UNREGISTERED_HANDLER",
			fmt.Sprintf("no handler registered for %s/%s", w.config.Domain, env.CommandType), nil)
	}

	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			err = Transient("HANDLER_PANIC", fmt.Sprintf("handler panicked: %v", r), nil)
		}
	}()

	return handler(ctx, env, &HandlerContext{
		Attempt:     meta.Attempts,
		MaxAttempts: meta.MaxAttempts,
		MsgID:       msgID,
	})
}

func (w *Worker) finishCompleted(ctx context.Context, env *bus.Envelope, meta *bus.CommandMetadata, msgID int64, result map[string]interface{}) error {
	var batchTerminal bool
	err := w.bus.DB().Execute(ctx, func(tx *sql.Tx) error {
		batchTerminal = false
		if _, err := w.bus.Queue().Delete(ctx, tx, w.queueName, msgID); err != nil {
			return err
		}

		terminal, err := w.bus.Commands().FinishCommand(ctx, tx, w.config.Domain, env.CommandID,
			bus.StatusCompleted, bus.EventCompleted, nil,
			map[string]interface{}{"attempt": meta.Attempts}, meta.BatchID)
		if err != nil {
			return err
		}
		batchTerminal = terminal

		if meta.ReplyTo != "" {
			return w.sendReply(ctx, tx, meta, bus.Reply{
				CommandID:     env.CommandID,
				CorrelationID: meta.CorrelationID,
				Outcome:       bus.ReplySuccess,
				Result:        result,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	if batchTerminal && meta.BatchID != "" {
		w.bus.NotifyBatchTerminal(w.config.Domain, meta.BatchID)
	}
	return nil
}

func (w *Worker) finishBusinessRule(ctx context.Context, env *bus.Envelope, meta *bus.CommandMetadata, msgID int64, cmdErr *bus.CommandError) error {
	return w.bus.DB().Execute(ctx, func(tx *sql.Tx) error {
		if _, err := w.bus.Queue().Archive(ctx, tx, w.queueName, msgID); err != nil {
			return err
		}
		_, err := w.bus.Commands().FinishCommand(ctx, tx, w.config.Domain, env.CommandID,
			bus.StatusFailed, bus.EventBusinessRuleFailed, cmdErr,
			map[string]interface{}{"attempt": meta.Attempts}, meta.BatchID)
		return err
	})
}

func (w *Worker) finishToTSQ(ctx context.Context, env *bus.Envelope, meta *bus.CommandMetadata, msgID int64, cmdErr *bus.CommandError, reason string, precede *bus.AuditEvent) error {
	return w.bus.DB().Execute(ctx, func(tx *sql.Tx) error {
		if precede != nil {
			if err := w.bus.Audit().Log(ctx, tx, precede.Domain, precede.CommandID, precede.EventType, precede.Details); err != nil {
				return err
			}
		}
		if _, err := w.bus.Queue().Archive(ctx, tx, w.queueName, msgID); err != nil {
			return err
		}
		_, err := w.bus.Commands().FinishCommand(ctx, tx, w.config.Domain, env.CommandID,
			bus.StatusInTroubleshooting, bus.EventMovedToTSQ, cmdErr,
			map[string]interface{}{
				"reason":     reason,
				"attempt":    meta.Attempts,
				"error_type": string(cmdErr.Kind),
				"error_code": cmdErr.Code,
				"error_msg":  cmdErr.Message,
			}, meta.BatchID)
		return err
	})
}

// scheduleRetry stamps the transient error and defers the message's next
// delivery; the command stays IN_PROGRESS until the queue redelivers it
func (w *Worker) scheduleRetry(ctx context.Context, env *bus.Envelope, meta *bus.CommandMetadata, msgID int64, cmdErr *bus.CommandError) error {
	delay := w.policy.NextDelay(meta.Attempts)

	return w.bus.DB().Execute(ctx, func(tx *sql.Tx) error {
		if _, err := w.bus.Commands().FailCommand(ctx, tx, w.config.Domain, env.CommandID,
			cmdErr, meta.Attempts, meta.MaxAttempts, msgID); err != nil {
			return err
		}
		if _, err := w.bus.Queue().SetVisibility(ctx, tx, w.queueName, msgID, delay); err != nil {
			return err
		}
		return w.bus.Audit().LogBatch(ctx, tx, []bus.AuditEvent{
			{
				Domain:    w.config.Domain,
				CommandID: env.CommandID,
				EventType: bus.EventFailed,
				Details: map[string]interface{}{
					"attempt": meta.Attempts,
					"kind":    string(cmdErr.Kind),
					"code":    cmdErr.Code,
					"message": cmdErr.Message,
				},
			},
			{
				Domain:    w.config.Domain,
				CommandID: env.CommandID,
				EventType: bus.EventRetryScheduled,
				Details: map[string]interface{}{
					"next_attempt":  meta.Attempts + 1,
					"delay_seconds": int(delay.Seconds()),
				},
			},
		})
	})
}

func (w *Worker) sendReply(ctx context.Context, tx *sql.Tx, meta *bus.CommandMetadata, reply bus.Reply) error {
	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}
	if _, err := w.bus.Queue().Send(ctx, tx, meta.ReplyTo, payload, 0); err != nil {
		return err
	}
	return w.bus.Queue().Notify(ctx, tx, meta.ReplyTo)
}

// archivePoison disposes of a message that cannot be tied to a command
func (w *Worker) archivePoison(ctx context.Context, msgID int64, cause error) {
	log.Warn().Err(cause).
		Str("domain", w.config.Domain).
		Int64("msg_id", msgID).
		Msg("Archiving poison message")

	if _, err := w.bus.Queue().Archive(ctx, nil, w.queueName, msgID); err != nil {
		log.Error().Err(err).Int64("msg_id", msgID).Msg("Failed to archive poison message")
	}
}

func (w *Worker) recordInfraError(err error) {
	w.health.RecordFailure()
	if strings.Contains(err.Error(), "failed to begin transaction") {
		w.health.RecordPoolExhaustion()
	}
	sentry.CaptureException(err)
}
