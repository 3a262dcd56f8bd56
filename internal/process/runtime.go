package process

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Harvey-AU/blue-banded-bus/internal/bus"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Runtime starts process instances and owns the plumbing shared with the
// reply router
type Runtime struct {
	bus      *bus.Bus
	repo     *Repository
	registry *Registry
}

// NewRuntime creates a process runtime over the given bus
func NewRuntime(b *bus.Bus, registry *Registry) *Runtime {
	if b == nil {
		panic("bus is required")
	}
	if registry == nil {
		panic("manager registry is required")
	}
	return &Runtime{
		bus:      b,
		repo:     NewRepository(b.DB().GetDB()),
		registry: registry,
	}
}

// Repository exposes the process repository
func (rt *Runtime) Repository() *Repository { return rt.repo }

// StartRequest describes a new process instance
type StartRequest struct {
	Domain      string
	ProcessType string
	Data        map[string]interface{}
	ProcessID   string // generated when empty
	BatchID     string
}

// Start creates a process and sends its first command in one transaction.
// The command's correlation id is the process id and its reply_to is the
// domain's reply queue, so the router can resume the process when the reply
// lands.
func (rt *Runtime) Start(ctx context.Context, req StartRequest) (string, error) {
	span := sentry.StartSpan(ctx, "process.start")
	defer span.Finish()

	manager := rt.registry.Resolve(req.Domain, req.ProcessType)
	if manager == nil {
		return "", fmt.Errorf("no manager registered for %s/%s", req.Domain, req.ProcessType)
	}
	if req.ProcessID == "" {
		req.ProcessID = uuid.New().String()
	}

	state, err := manager.InitialState(req.Data)
	if err != nil {
		return "", fmt.Errorf("failed to build initial state: %w", err)
	}
	step, err := manager.FirstStep(state)
	if err != nil {
		return "", fmt.Errorf("failed to pick first step: %w", err)
	}
	cmd, err := manager.BuildCommand(step, state)
	if err != nil {
		return "", fmt.Errorf("failed to build command for step %s: %w", step, err)
	}

	err = rt.bus.DB().Execute(ctx, func(tx *sql.Tx) error {
		if err := rt.repo.Save(ctx, tx, &Metadata{
			Domain:      req.Domain,
			ProcessID:   req.ProcessID,
			ProcessType: req.ProcessType,
			Status:      StatusWaitingForReply,
			CurrentStep: step,
			State:       state,
			BatchID:     req.BatchID,
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			return err
		}

		if hook, ok := manager.(BeforeSender); ok {
			if err := hook.BeforeSend(ctx, tx, step, state); err != nil {
				return fmt.Errorf("before-send hook failed: %w", err)
			}
		}

		commandID, _, err := rt.bus.SendInTx(ctx, tx, bus.SendRequest{
			Domain:        req.Domain,
			CommandType:   cmd.CommandType,
			Data:          cmd.Data,
			CorrelationID: req.ProcessID,
			ReplyTo:       bus.ReplyQueueName(req.Domain),
			BatchID:       req.BatchID,
		})
		if err != nil {
			return err
		}

		return rt.repo.RecordStepSent(ctx, tx, req.Domain, req.ProcessID, step, commandID, cmd.CommandType, cmd.Data)
	})
	if err != nil {
		return "", err
	}

	log.Info().
		Str("domain", req.Domain).
		Str("process_id", req.ProcessID).
		Str("process_type", req.ProcessType).
		Str("first_step", step).
		Msg("Process started")

	return req.ProcessID, nil
}
