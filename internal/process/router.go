package process

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/Harvey-AU/blue-banded-bus/internal/bus"
	"github.com/Harvey-AU/blue-banded-bus/internal/db"
	"github.com/getsentry/sentry-go"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// RouterConfig controls a domain's reply consumption loop
type RouterConfig struct {
	Domain            string
	Concurrency       int64
	BatchSize         int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	ShutdownTimeout   time.Duration
}

func (c *RouterConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
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
}

// Router consumes a domain's reply queue and resumes waiting processes. It
// has the same loop shape as the command worker: NOTIFY wake-ups between
// polls, batch reads, bounded concurrency, drain on stop.
type Router struct {
	runtime *Runtime
	config  RouterConfig

	queueName string
	sem       *semaphore.Weighted

	stopCh   chan struct{}
	stopOnce sync.Once
	notifyCh chan struct{}
	wg       sync.WaitGroup
}

// NewRouter creates a reply router for the configured domain
func NewRouter(runtime *Runtime, config RouterConfig) *Router {
	if runtime == nil {
		panic("runtime is required")
	}
	if config.Domain == "" {
		panic("domain is required")
	}
	config.applyDefaults()

	return &Router{
		runtime:   runtime,
		config:    config,
		queueName: bus.ReplyQueueName(config.Domain),
		sem:       semaphore.NewWeighted(config.Concurrency),
		stopCh:    make(chan struct{}),
		notifyCh:  make(chan struct{}, 1),
	}
}

// Start launches the reply loop and its notification listener
func (r *Router) Start(ctx context.Context) {
	r.wg.Add(2)
	go r.run(ctx)
	go r.listen(ctx)

	log.Info().
		Str("domain", r.config.Domain).
		Str("queue", r.queueName).
		Msg("Reply router started")
}

// Stop signals the loops to cease and waits for in-flight replies to drain,
// up to the shutdown timeout
func (r *Router) Stop() bool {
	r.stopOnce.Do(func() { close(r.stopCh) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Str("domain", r.config.Domain).Msg("Reply router stopped")
		return true
	case <-time.After(r.config.ShutdownTimeout):
		log.Warn().Str("domain", r.config.Domain).Msg("Reply router shutdown timed out")
		return false
	}
}

func (r *Router) run(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}

		dispatched, err := r.dispatchBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sentry.CaptureException(err)
			log.Error().Err(err).Str("domain", r.config.Domain).Msg("Failed to read reply batch")
		}

		if dispatched > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-r.notifyCh:
		case <-time.After(r.config.PollInterval):
		}
	}
}

func (r *Router) dispatchBatch(ctx context.Context) (int, error) {
	messages, err := r.runtime.bus.Queue().Read(ctx, nil, r.queueName, r.config.VisibilityTimeout, r.config.BatchSize)
	if err != nil {
		return 0, err
	}

	// A read reply must run to an outcome even if the polling context is
	// cancelled mid-flight during shutdown.
	taskCtx := context.WithoutCancel(ctx)

	dispatched := 0
	for _, msg := range messages {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return dispatched, nil
		}

		msg := msg
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.sem.Release(1)
			r.processReply(taskCtx, msg)
		}()
		dispatched++
	}
	return dispatched, nil
}

func (r *Router) listen(ctx context.Context) {
	defer r.wg.Done()

	connString := r.runtime.bus.DB().GetConfig().ConnectionString()
	listener := pq.NewListener(connString, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Str("domain", r.config.Domain).Msg("Reply listener connection problem")
			}
		})
	defer listener.Close()

	if err := listener.Listen(r.queueName); err != nil {
		log.Error().Err(err).Str("channel", r.queueName).Msg("Failed to LISTEN; relying on polling")
		return
	}

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-listener.Notify:
			select {
			case r.notifyCh <- struct{}{}:
			default:
			}
		case <-ping.C:
			go listener.Ping()
		}
	}
}

func (r *Router) processReply(ctx context.Context, msg db.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("domain", r.config.Domain).
				Int64("msg_id", msg.MsgID).
				Msg("Recovered from panic in reply task")
			sentry.CurrentHub().Recover(rec)
		}
	}()

	reply, err := bus.ParseReply(msg.Payload)
	if err != nil || reply.CorrelationID == "" {
		r.discard(ctx, msg.MsgID, "reply missing correlation id")
		return
	}

	proc, err := r.runtime.repo.Get(ctx, nil, r.config.Domain, reply.CorrelationID)
	if err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).
			Str("domain", r.config.Domain).
			Str("process_id", reply.CorrelationID).
			Msg("Failed to look up process; visibility timeout will redeliver")
		return
	}
	if proc == nil {
		r.discard(ctx, msg.MsgID, "no process for correlation id")
		return
	}

	switch proc.Status {
	case StatusCompleted, StatusFailed:
		// Late or duplicate reply for a finished process, e.g. an operator
		// completing a command after its process already failed.
		r.discard(ctx, msg.MsgID, "process already "+string(proc.Status))
		return
	case StatusPending, StatusInProgress:
		log.Warn().
			Str("domain", r.config.Domain).
			Str("process_id", proc.ProcessID).
			Str("status", string(proc.Status)).
			Msg("Reply arrived before process was waiting; visibility timeout will redeliver")
		return
	}

	manager := r.runtime.registry.Resolve(r.config.Domain, proc.ProcessType)
	if manager == nil {
		r.discard(ctx, msg.MsgID, "no manager for process type "+proc.ProcessType)
		return
	}

	if err := r.advance(ctx, manager, proc, reply, msg.MsgID); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).
			Str("domain", r.config.Domain).
			Str("process_id", proc.ProcessID).
			Str("step", proc.CurrentStep).
			Msg("Failed to advance process; visibility timeout will redeliver")
	}
}

// advance runs one process transition in a single transaction: fold the reply
// into state, pick the next step, send its command or complete the process,
// stamp the step audit, and delete the consumed reply
func (r *Router) advance(ctx context.Context, manager Manager, proc *Metadata, reply *bus.Reply, msgID int64) error {
	step := proc.CurrentStep

	state, err := manager.UpdateState(proc.State, step, reply)
	if err != nil {
		return r.failProcess(ctx, proc, reply, msgID,
			fmt.Errorf("failed to update state after step %s: %w", step, err))
	}
	next, hasNext, err := manager.NextStep(step, reply, state)
	if err != nil {
		return r.failProcess(ctx, proc, reply, msgID,
			fmt.Errorf("failed to pick step after %s: %w", step, err))
	}

	var cmd Command
	if hasNext {
		cmd, err = manager.BuildCommand(next, state)
		if err != nil {
			return r.failProcess(ctx, proc, reply, msgID,
				fmt.Errorf("failed to build command for step %s: %w", next, err))
		}
	}

	err = r.runtime.bus.DB().Execute(ctx, func(tx *sql.Tx) error {
		if err := r.runtime.repo.RecordStepReply(ctx, tx, proc.Domain, proc.ProcessID, step, string(reply.Outcome), reply.Reason, reply.Result); err != nil {
			return err
		}

		if hasNext {
			if hook, ok := manager.(BeforeSender); ok {
				if err := hook.BeforeSend(ctx, tx, next, state); err != nil {
					return fmt.Errorf("before-send hook failed: %w", err)
				}
			}

			commandID, _, err := r.runtime.bus.SendInTx(ctx, tx, bus.SendRequest{
				Domain:        proc.Domain,
				CommandType:   cmd.CommandType,
				Data:          cmd.Data,
				CorrelationID: proc.ProcessID,
				ReplyTo:       r.queueName,
				BatchID:       proc.BatchID,
			})
			if err != nil {
				return err
			}
			if err := r.runtime.repo.Advance(ctx, tx, proc.Domain, proc.ProcessID, next, state); err != nil {
				return err
			}
			if err := r.runtime.repo.RecordStepSent(ctx, tx, proc.Domain, proc.ProcessID, next, commandID, cmd.CommandType, cmd.Data); err != nil {
				return err
			}
		} else {
			if err := r.runtime.repo.Complete(ctx, tx, proc.Domain, proc.ProcessID, state); err != nil {
				return err
			}
		}

		_, err := r.runtime.bus.Queue().Delete(ctx, tx, r.queueName, msgID)
		return err
	})
	if err != nil {
		return err
	}

	if hasNext {
		log.Debug().
			Str("domain", proc.Domain).
			Str("process_id", proc.ProcessID).
			Str("next_step", next).
			Msg("Process advanced")
	} else {
		log.Info().
			Str("domain", proc.Domain).
			Str("process_id", proc.ProcessID).
			Msg("Process completed")
	}
	return nil
}

// failProcess marks the process FAILED and consumes the reply. Manager errors
// are deterministic, so a redelivery would only repeat them.
func (r *Router) failProcess(ctx context.Context, proc *Metadata, reply *bus.Reply, msgID int64, cause error) error {
	err := r.runtime.bus.DB().Execute(ctx, func(tx *sql.Tx) error {
		if err := r.runtime.repo.RecordStepReply(ctx, tx, proc.Domain, proc.ProcessID, proc.CurrentStep, string(reply.Outcome), reply.Reason, reply.Result); err != nil {
			return err
		}
		if err := r.runtime.repo.Fail(ctx, tx, proc.Domain, proc.ProcessID, cause.Error()); err != nil {
			return err
		}
		_, err := r.runtime.bus.Queue().Delete(ctx, tx, r.queueName, msgID)
		return err
	})
	if err != nil {
		return err
	}

	sentry.CaptureException(cause)
	log.Error().Err(cause).
		Str("domain", proc.Domain).
		Str("process_id", proc.ProcessID).
		Str("step", proc.CurrentStep).
		Msg("Process failed on manager error")
	return nil
}

func (r *Router) discard(ctx context.Context, msgID int64, reason string) {
	log.Warn().
		Str("domain", r.config.Domain).
		Int64("msg_id", msgID).
		Str("reason", reason).
		Msg("Discarding reply")

	if _, err := r.runtime.bus.Queue().Delete(ctx, nil, r.queueName, msgID); err != nil {
		log.Error().Err(err).Int64("msg_id", msgID).Msg("Failed to delete discarded reply")
	}
}
