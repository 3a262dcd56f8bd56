package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Harvey-AU/blue-banded-bus/internal/db"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultMaxAttempts is used when a submission does not specify its own
const DefaultMaxAttempts = 3

// DefaultChunkSize bounds how many commands a bulk send writes per transaction
const DefaultChunkSize = 100

// BatchCompleteFunc runs after the transaction that made a batch terminal has
// committed
type BatchCompleteFunc func(domain, batchID string)

// Bus is the submission façade. It orchestrates duplicate checks, enqueues,
// metadata writes, audit events and the commit-time NOTIFY in one transaction.
type Bus struct {
	db       *db.DB
	queue    *db.Queue
	commands *CommandRepository
	batches  *BatchRepository
	audit    *AuditLogger

	defaultMaxAttempts int

	callbackMu       sync.Mutex
	batchCallbacks   map[string]BatchCompleteFunc
	terminalObserver BatchCompleteFunc
}

// NewBus creates a command bus over the given database
func NewBus(database *db.DB) *Bus {
	if database == nil {
		panic("database connection is required")
	}
	client := database.GetDB()
	return &Bus{
		db:                 database,
		queue:              db.NewQueue(client),
		commands:           NewCommandRepository(client),
		batches:            NewBatchRepository(client),
		audit:              NewAuditLogger(client),
		defaultMaxAttempts: DefaultMaxAttempts,
		batchCallbacks:     make(map[string]BatchCompleteFunc),
	}
}

// Queue exposes the underlying queue adapter
func (b *Bus) Queue() *db.Queue { return b.queue }

// Commands exposes the command repository
func (b *Bus) Commands() *CommandRepository { return b.commands }

// Batches exposes the batch repository
func (b *Bus) Batches() *BatchRepository { return b.batches }

// Audit exposes the audit logger
func (b *Bus) Audit() *AuditLogger { return b.audit }

// DB exposes the transactional executor
func (b *Bus) DB() *db.DB { return b.db }

// EnsureQueues creates the command and default reply queues for a domain
func (b *Bus) EnsureQueues(ctx context.Context, domain string) error {
	if err := b.queue.Create(ctx, nil, CommandQueueName(domain)); err != nil {
		return err
	}
	return b.queue.Create(ctx, nil, ReplyQueueName(domain))
}

// SendRequest describes a single command submission
type SendRequest struct {
	Domain        string
	CommandType   string
	CommandID     string // generated when empty
	Data          map[string]interface{}
	CorrelationID string // generated when empty
	ReplyTo       string
	MaxAttempts   int // 0 means the bus default
	BatchID       string
}

func (r *SendRequest) normalise(defaultMaxAttempts int) {
	if r.CommandID == "" {
		r.CommandID = uuid.New().String()
	}
	if r.CorrelationID == "" {
		r.CorrelationID = uuid.New().String()
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = defaultMaxAttempts
	}
}

// Send submits one command. The duplicate check, enqueue, metadata save,
// audit event and NOTIFY all share a single transaction; the unique
// constraint on (domain, command_id) breaks ties between concurrent callers.
func (b *Bus) Send(ctx context.Context, req SendRequest) (string, int64, error) {
	span := sentry.StartSpan(ctx, "bus.send")
	defer span.Finish()

	if req.Domain == "" || req.CommandType == "" {
		return "", 0, fmt.Errorf("domain and command_type are required")
	}
	req.normalise(b.defaultMaxAttempts)

	var msgID int64
	err := b.db.Execute(ctx, func(tx *sql.Tx) error {
		var err error
		msgID, err = b.sendInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return "", 0, err
	}

	log.Debug().
		Str("domain", req.Domain).
		Str("command_id", req.CommandID).
		Str("command_type", req.CommandType).
		Int64("msg_id", msgID).
		Msg("Command submitted")

	return req.CommandID, msgID, nil
}

// SendInTx submits one command inside a caller-owned transaction, for callers
// that must couple the submission with their own writes. The NOTIFY fires
// when the caller commits.
func (b *Bus) SendInTx(ctx context.Context, tx *sql.Tx, req SendRequest) (string, int64, error) {
	if req.Domain == "" || req.CommandType == "" {
		return "", 0, fmt.Errorf("domain and command_type are required")
	}
	req.normalise(b.defaultMaxAttempts)

	msgID, err := b.sendInTx(ctx, tx, req)
	if err != nil {
		return "", 0, err
	}
	return req.CommandID, msgID, nil
}

func (b *Bus) sendInTx(ctx context.Context, tx *sql.Tx, req SendRequest) (int64, error) {
	var msgID int64
	err := func() error {
		if req.BatchID != "" {
			exists, err := b.batches.Exists(ctx, tx, req.Domain, req.BatchID)
			if err != nil {
				return err
			}
			if !exists {
				return batchNotFoundError(req.Domain, req.BatchID)
			}
		}

		exists, err := b.commands.Exists(ctx, tx, req.Domain, req.CommandID)
		if err != nil {
			return err
		}
		if exists {
			return duplicateCommandError(req.Domain, req.CommandID)
		}

		queueName := CommandQueueName(req.Domain)
		payload, err := json.Marshal(Envelope{
			Domain:        req.Domain,
			CommandType:   req.CommandType,
			CommandID:     req.CommandID,
			CorrelationID: req.CorrelationID,
			Data:          req.Data,
			ReplyTo:       req.ReplyTo,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}

		msgID, err = b.queue.Send(ctx, tx, queueName, payload, 0)
		if err != nil {
			return err
		}

		if err := b.commands.Save(ctx, tx, &CommandMetadata{
			Domain:        req.Domain,
			CommandID:     req.CommandID,
			QueueName:     queueName,
			MsgID:         msgID,
			CommandType:   req.CommandType,
			Status:        StatusPending,
			MaxAttempts:   req.MaxAttempts,
			CorrelationID: req.CorrelationID,
			ReplyTo:       req.ReplyTo,
			BatchID:       req.BatchID,
			CreatedAt:     time.Now().UTC(),
		}); err != nil {
			return err
		}

		details := map[string]interface{}{"msg_id": msgID}
		if req.BatchID != "" {
			details["batch_id"] = req.BatchID
		}
		if err := b.audit.Log(ctx, tx, req.Domain, req.CommandID, EventSent, details); err != nil {
			return err
		}

		// pg_notify fires when this transaction commits
		return b.queue.Notify(ctx, tx, queueName)
	}()
	if err != nil {
		return 0, err
	}
	return msgID, nil
}

// SendBatchResult aggregates the outcome of a bulk submission
type SendBatchResult struct {
	Sent       int
	Duplicates int
}

// SendBatch submits many commands, grouped by domain and chunked. Each chunk
// runs one existence check, one batch enqueue, one batch save, one batch
// audit insert and one NOTIFY inside a single transaction.
func (b *Bus) SendBatch(ctx context.Context, requests []SendRequest, chunkSize int) (*SendBatchResult, error) {
	span := sentry.StartSpan(ctx, "bus.send_batch")
	defer span.Finish()

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	byDomain := make(map[string][]SendRequest)
	var domains []string
	for _, req := range requests {
		if req.Domain == "" || req.CommandType == "" {
			return nil, fmt.Errorf("domain and command_type are required")
		}
		req.normalise(b.defaultMaxAttempts)
		if _, seen := byDomain[req.Domain]; !seen {
			domains = append(domains, req.Domain)
		}
		byDomain[req.Domain] = append(byDomain[req.Domain], req)
	}

	result := &SendBatchResult{}
	for _, domain := range domains {
		reqs := byDomain[domain]
		for start := 0; start < len(reqs); start += chunkSize {
			end := start + chunkSize
			if end > len(reqs) {
				end = len(reqs)
			}
			sent, dup, err := b.sendChunk(ctx, domain, reqs[start:end])
			if err != nil {
				return result, err
			}
			result.Sent += sent
			result.Duplicates += dup
		}
	}

	log.Info().
		Int("sent", result.Sent).
		Int("duplicates", result.Duplicates).
		Int("domains", len(domains)).
		Msg("Bulk submission complete")

	return result, nil
}

func (b *Bus) sendChunk(ctx context.Context, domain string, reqs []SendRequest) (int, int, error) {
	queueName := CommandQueueName(domain)
	var sent, duplicates int

	err := b.db.Execute(ctx, func(tx *sql.Tx) error {
		sent, duplicates = 0, 0

		ids := make([]string, len(reqs))
		for i, req := range reqs {
			ids[i] = req.CommandID
		}
		existing, err := b.commands.ExistsBatch(ctx, tx, domain, ids)
		if err != nil {
			return err
		}

		var accepted []SendRequest
		var payloads []json.RawMessage
		for _, req := range reqs {
			if _, dup := existing[req.CommandID]; dup {
				duplicates++
				continue
			}
			payload, err := json.Marshal(Envelope{
				Domain:        domain,
				CommandType:   req.CommandType,
				CommandID:     req.CommandID,
				CorrelationID: req.CorrelationID,
				Data:          req.Data,
				ReplyTo:       req.ReplyTo,
			})
			if err != nil {
				return fmt.Errorf("failed to marshal envelope: %w", err)
			}
			accepted = append(accepted, req)
			payloads = append(payloads, payload)
		}
		if len(accepted) == 0 {
			return nil
		}

		msgIDs, err := b.queue.SendBatch(ctx, tx, queueName, payloads)
		if err != nil {
			return err
		}
		if len(msgIDs) != len(accepted) {
			return fmt.Errorf("enqueue count mismatch: sent %d, got %d ids", len(accepted), len(msgIDs))
		}

		now := time.Now().UTC()
		metas := make([]*CommandMetadata, len(accepted))
		events := make([]AuditEvent, len(accepted))
		for i, req := range accepted {
			metas[i] = &CommandMetadata{
				Domain:        domain,
				CommandID:     req.CommandID,
				QueueName:     queueName,
				MsgID:         msgIDs[i],
				CommandType:   req.CommandType,
				Status:        StatusPending,
				MaxAttempts:   req.MaxAttempts,
				CorrelationID: req.CorrelationID,
				ReplyTo:       req.ReplyTo,
				BatchID:       req.BatchID,
				CreatedAt:     now,
			}
			details := map[string]interface{}{"msg_id": msgIDs[i]}
			if req.BatchID != "" {
				details["batch_id"] = req.BatchID
			}
			events[i] = AuditEvent{
				Domain:    domain,
				CommandID: req.CommandID,
				EventType: EventSent,
				Details:   details,
			}
		}

		if err := b.commands.SaveBatch(ctx, tx, metas); err != nil {
			return err
		}
		if err := b.audit.LogBatch(ctx, tx, events); err != nil {
			return err
		}

		sent = len(accepted)
		return b.queue.Notify(ctx, tx, queueName)
	})
	if err != nil {
		return 0, 0, err
	}
	return sent, duplicates, nil
}

// CreateBatchRequest describes an atomic batch submission
type CreateBatchRequest struct {
	Domain     string
	Commands   []BatchCommand
	Name       string
	CustomData map[string]interface{}
	BatchID    string // generated when empty
	OnComplete BatchCompleteFunc
}

// BatchCommandResult pairs a submitted command with its queue message
type BatchCommandResult struct {
	CommandID string
	MsgID     int64
}

// CreateBatch atomically writes the batch row, every command's metadata and
// SENT audit event, and every queue message; a single NOTIFY follows at
// commit
func (b *Bus) CreateBatch(ctx context.Context, req CreateBatchRequest) (string, []BatchCommandResult, error) {
	span := sentry.StartSpan(ctx, "bus.create_batch")
	defer span.Finish()

	if req.Domain == "" {
		return "", nil, fmt.Errorf("domain is required")
	}
	if len(req.Commands) == 0 {
		return "", nil, fmt.Errorf("batch must contain at least one command")
	}
	if req.BatchID == "" {
		req.BatchID = uuid.New().String()
	}

	seen := make(map[string]struct{}, len(req.Commands))
	ids := make([]string, len(req.Commands))
	for i := range req.Commands {
		if req.Commands[i].CommandID == "" {
			req.Commands[i].CommandID = uuid.New().String()
		}
		id := req.Commands[i].CommandID
		if _, dup := seen[id]; dup {
			return "", nil, duplicateCommandError(req.Domain, id)
		}
		seen[id] = struct{}{}
		ids[i] = id
	}

	queueName := CommandQueueName(req.Domain)
	results := make([]BatchCommandResult, 0, len(req.Commands))

	err := b.db.Execute(ctx, func(tx *sql.Tx) error {
		results = results[:0]

		existing, err := b.commands.ExistsBatch(ctx, tx, req.Domain, ids)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			for id := range existing {
				return duplicateCommandError(req.Domain, id)
			}
		}

		now := time.Now().UTC()
		if err := b.batches.Save(ctx, tx, &BatchMetadata{
			Domain:     req.Domain,
			BatchID:    req.BatchID,
			Name:       req.Name,
			CustomData: req.CustomData,
			Status:     BatchPending,
			TotalCount: len(req.Commands),
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		payloads := make([]json.RawMessage, len(req.Commands))
		correlationIDs := make([]string, len(req.Commands))
		for i, cmd := range req.Commands {
			correlationIDs[i] = uuid.New().String()
			payload, err := json.Marshal(Envelope{
				Domain:        req.Domain,
				CommandType:   cmd.CommandType,
				CommandID:     cmd.CommandID,
				CorrelationID: correlationIDs[i],
				Data:          cmd.Data,
				ReplyTo:       cmd.ReplyTo,
			})
			if err != nil {
				return fmt.Errorf("failed to marshal envelope: %w", err)
			}
			payloads[i] = payload
		}

		msgIDs, err := b.queue.SendBatch(ctx, tx, queueName, payloads)
		if err != nil {
			return err
		}
		if len(msgIDs) != len(req.Commands) {
			return fmt.Errorf("enqueue count mismatch: sent %d, got %d ids", len(req.Commands), len(msgIDs))
		}

		metas := make([]*CommandMetadata, len(req.Commands))
		events := make([]AuditEvent, len(req.Commands))
		for i, cmd := range req.Commands {
			maxAttempts := cmd.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = b.defaultMaxAttempts
			}
			metas[i] = &CommandMetadata{
				Domain:        req.Domain,
				CommandID:     cmd.CommandID,
				QueueName:     queueName,
				MsgID:         msgIDs[i],
				CommandType:   cmd.CommandType,
				Status:        StatusPending,
				MaxAttempts:   maxAttempts,
				CorrelationID: correlationIDs[i],
				ReplyTo:       cmd.ReplyTo,
				BatchID:       req.BatchID,
				CreatedAt:     now,
			}
			events[i] = AuditEvent{
				Domain:    req.Domain,
				CommandID: cmd.CommandID,
				EventType: EventSent,
				Details: map[string]interface{}{
					"msg_id":   msgIDs[i],
					"batch_id": req.BatchID,
				},
			}
			results = append(results, BatchCommandResult{CommandID: cmd.CommandID, MsgID: msgIDs[i]})
		}

		if err := b.commands.SaveBatch(ctx, tx, metas); err != nil {
			return err
		}
		if err := b.audit.LogBatch(ctx, tx, events); err != nil {
			return err
		}

		return b.queue.Notify(ctx, tx, queueName)
	})
	if err != nil {
		return "", nil, err
	}

	if req.OnComplete != nil {
		b.RegisterBatchCallback(req.Domain, req.BatchID, req.OnComplete)
	}

	log.Info().
		Str("domain", req.Domain).
		Str("batch_id", req.BatchID).
		Int("commands", len(req.Commands)).
		Msg("Batch created")

	return req.BatchID, results, nil
}

// RegisterBatchCallback registers a callback fired once when the batch
// becomes terminal. Callbacks do not survive a restart; persist a follow-up
// command if that matters.
func (b *Bus) RegisterBatchCallback(domain, batchID string, fn BatchCompleteFunc) {
	b.callbackMu.Lock()
	defer b.callbackMu.Unlock()
	b.batchCallbacks[domain+"/"+batchID] = fn
}

// OnBatchTerminal installs an observer fired for every batch that becomes
// terminal, in addition to any per-batch callback. Call before the workers
// start.
func (b *Bus) OnBatchTerminal(fn BatchCompleteFunc) {
	b.callbackMu.Lock()
	defer b.callbackMu.Unlock()
	b.terminalObserver = fn
}

// NotifyBatchTerminal fires the terminal observer and the registered one-shot
// callback, if any. Callers invoke it after the transaction that made the
// batch terminal has committed.
func (b *Bus) NotifyBatchTerminal(domain, batchID string) {
	b.callbackMu.Lock()
	fn, ok := b.batchCallbacks[domain+"/"+batchID]
	if ok {
		delete(b.batchCallbacks, domain+"/"+batchID)
	}
	observer := b.terminalObserver
	b.callbackMu.Unlock()

	if ok {
		invokeBatchCallback(fn, domain, batchID)
	}
	if observer != nil {
		invokeBatchCallback(observer, domain, batchID)
	}
}

func invokeBatchCallback(fn BatchCompleteFunc, domain, batchID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("domain", domain).
				Str("batch_id", batchID).
				Msg("Recovered from panic in batch completion callback")
		}
	}()
	fn(domain, batchID)
}

// GetCommand returns a command's metadata
func (b *Bus) GetCommand(ctx context.Context, domain, commandID string) (*CommandMetadata, error) {
	return b.commands.Get(ctx, nil, domain, commandID)
}

// GetAuditTrail returns a command's audit events in chronological order
func (b *Bus) GetAuditTrail(ctx context.Context, domain, commandID string) ([]AuditEvent, error) {
	return b.audit.GetEvents(ctx, nil, domain, commandID)
}

// GetBatch returns a batch's metadata and counters
func (b *Bus) GetBatch(ctx context.Context, domain, batchID string) (*BatchMetadata, error) {
	return b.batches.Get(ctx, nil, domain, batchID)
}
