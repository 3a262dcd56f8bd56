package db

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

// setupSchema creates the command bus tables and stored procedures.
// Everything is idempotent so it runs on every startup.
func setupSchema(client *sql.DB) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS pgmq`,

		`CREATE TABLE IF NOT EXISTS commands (
			domain TEXT NOT NULL,
			command_id TEXT NOT NULL,
			queue_name TEXT NOT NULL,
			msg_id BIGINT,
			command_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			correlation_id TEXT,
			reply_queue TEXT,
			last_error_type TEXT,
			last_error_code TEXT,
			last_error_msg TEXT,
			batch_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (domain, command_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_domain_status ON commands (domain, status)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_batch ON commands (domain, batch_id) WHERE batch_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_commands_created_at ON commands (created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS command_audit (
			audit_id BIGSERIAL PRIMARY KEY,
			domain TEXT NOT NULL,
			command_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			details JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_command_audit_command ON command_audit (domain, command_id, audit_id)`,

		`CREATE TABLE IF NOT EXISTS batches (
			domain TEXT NOT NULL,
			batch_id TEXT NOT NULL,
			name TEXT,
			custom_data JSONB,
			status TEXT NOT NULL DEFAULT 'PENDING',
			total_count INTEGER NOT NULL,
			completed_count INTEGER NOT NULL DEFAULT 0,
			failed_count INTEGER NOT NULL DEFAULT 0,
			canceled_count INTEGER NOT NULL DEFAULT 0,
			in_troubleshooting_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			PRIMARY KEY (domain, batch_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches (domain, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS processes (
			domain TEXT NOT NULL,
			process_id TEXT NOT NULL,
			process_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			current_step TEXT,
			state JSONB,
			last_error TEXT,
			batch_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ,
			PRIMARY KEY (domain, process_id)
		)`,

		`CREATE TABLE IF NOT EXISTS process_audit (
			process_audit_id BIGSERIAL PRIMARY KEY,
			domain TEXT NOT NULL,
			process_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			command_id TEXT,
			command_type TEXT,
			command_data JSONB,
			sent_at TIMESTAMPTZ,
			reply_outcome TEXT,
			reply_reason TEXT,
			reply_data JSONB,
			received_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_process_audit_process ON process_audit (domain, process_id, process_audit_id)`,
	}

	for _, stmt := range statements {
		if _, err := client.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}

	for _, fn := range storedProcedures {
		if _, err := client.Exec(fn); err != nil {
			return fmt.Errorf("stored procedure creation failed: %w", err)
		}
	}

	log.Debug().Msg("Schema and stored procedures initialised")
	return nil
}

// storedProcedures are the fused lifecycle operations. They keep the
// receive/finish/fail transitions and the batch counter updates in a single
// database round-trip.
var storedProcedures = []string{
	// Transition a command to IN_PROGRESS and return the updated row.
	// Returns no row when the command is already terminal, which signals the
	// caller to archive the redelivered queue message.
	`CREATE OR REPLACE FUNCTION sp_receive_command(
		p_domain TEXT,
		p_command_id TEXT,
		p_target_status TEXT DEFAULT 'IN_PROGRESS',
		p_msg_id BIGINT DEFAULT NULL,
		p_max_attempts INTEGER DEFAULT NULL
	) RETURNS SETOF commands AS $$
	BEGIN
		RETURN QUERY
		UPDATE commands SET
			status = p_target_status,
			attempts = commands.attempts + 1,
			msg_id = COALESCE(p_msg_id, commands.msg_id),
			max_attempts = COALESCE(p_max_attempts, commands.max_attempts),
			updated_at = now()
		WHERE commands.domain = p_domain
		  AND commands.command_id = p_command_id
		  AND commands.status NOT IN ('COMPLETED', 'FAILED', 'CANCELED')
		RETURNING *;
	END;
	$$ LANGUAGE plpgsql`,

	// Promote a batch to IN_PROGRESS on first receive of any contained command.
	`CREATE OR REPLACE FUNCTION sp_update_batch_on_receive(
		p_domain TEXT,
		p_batch_id TEXT
	) RETURNS VOID AS $$
		UPDATE batches SET
			status = 'IN_PROGRESS',
			started_at = COALESCE(started_at, now())
		WHERE domain = p_domain AND batch_id = p_batch_id AND status = 'PENDING';
	$$ LANGUAGE sql`,

	// Terminal test: every contained command terminal and nothing left in the
	// troubleshooting queue. completed_at acts as the set-once latch.
	`CREATE OR REPLACE FUNCTION sp_check_batch_terminal(
		p_domain TEXT,
		p_batch_id TEXT
	) RETURNS BOOLEAN AS $$
	DECLARE
		v_row batches%ROWTYPE;
	BEGIN
		SELECT * INTO v_row FROM batches
		WHERE domain = p_domain AND batch_id = p_batch_id
		FOR UPDATE;
		IF NOT FOUND THEN
			RETURN FALSE;
		END IF;
		IF v_row.completed_at IS NOT NULL THEN
			RETURN FALSE;
		END IF;
		IF v_row.in_troubleshooting_count = 0
		   AND v_row.completed_count + v_row.canceled_count = v_row.total_count THEN
			UPDATE batches SET
				status = CASE WHEN v_row.canceled_count > 0
					THEN 'COMPLETED_WITH_FAILURES' ELSE 'COMPLETED' END,
				completed_at = now()
			WHERE domain = p_domain AND batch_id = p_batch_id;
			RETURN TRUE;
		END IF;
		RETURN FALSE;
	END;
	$$ LANGUAGE plpgsql`,

	`CREATE OR REPLACE FUNCTION sp_update_batch_on_complete(
		p_domain TEXT,
		p_batch_id TEXT
	) RETURNS BOOLEAN AS $$
	BEGIN
		UPDATE batches SET completed_count = completed_count + 1
		WHERE domain = p_domain AND batch_id = p_batch_id;
		RETURN sp_check_batch_terminal(p_domain, p_batch_id);
	END;
	$$ LANGUAGE plpgsql`,

	`CREATE OR REPLACE FUNCTION sp_update_batch_on_tsq_move(
		p_domain TEXT,
		p_batch_id TEXT
	) RETURNS VOID AS $$
		UPDATE batches SET in_troubleshooting_count = in_troubleshooting_count + 1
		WHERE domain = p_domain AND batch_id = p_batch_id;
	$$ LANGUAGE sql`,

	`CREATE OR REPLACE FUNCTION sp_update_batch_on_tsq_complete(
		p_domain TEXT,
		p_batch_id TEXT
	) RETURNS BOOLEAN AS $$
	BEGIN
		UPDATE batches SET
			in_troubleshooting_count = in_troubleshooting_count - 1,
			completed_count = completed_count + 1
		WHERE domain = p_domain AND batch_id = p_batch_id;
		RETURN sp_check_batch_terminal(p_domain, p_batch_id);
	END;
	$$ LANGUAGE plpgsql`,

	`CREATE OR REPLACE FUNCTION sp_update_batch_on_tsq_cancel(
		p_domain TEXT,
		p_batch_id TEXT
	) RETURNS BOOLEAN AS $$
	BEGIN
		UPDATE batches SET
			in_troubleshooting_count = in_troubleshooting_count - 1,
			canceled_count = canceled_count + 1
		WHERE domain = p_domain AND batch_id = p_batch_id;
		RETURN sp_check_batch_terminal(p_domain, p_batch_id);
	END;
	$$ LANGUAGE plpgsql`,

	`CREATE OR REPLACE FUNCTION sp_update_batch_on_tsq_retry(
		p_domain TEXT,
		p_batch_id TEXT
	) RETURNS VOID AS $$
		UPDATE batches SET in_troubleshooting_count = in_troubleshooting_count - 1
		WHERE domain = p_domain AND batch_id = p_batch_id;
	$$ LANGUAGE sql`,

	// Write the terminal row, append the audit event and update batch
	// counters in one round-trip. Returns whether the batch also became
	// terminal so the caller can fire batch-complete callbacks.
	`CREATE OR REPLACE FUNCTION sp_finish_command(
		p_domain TEXT,
		p_command_id TEXT,
		p_terminal_status TEXT,
		p_event_type TEXT,
		p_error_type TEXT DEFAULT NULL,
		p_error_code TEXT DEFAULT NULL,
		p_error_msg TEXT DEFAULT NULL,
		p_details JSONB DEFAULT NULL,
		p_batch_id TEXT DEFAULT NULL
	) RETURNS BOOLEAN AS $$
	DECLARE
		v_batch_terminal BOOLEAN := FALSE;
	BEGIN
		UPDATE commands SET
			status = p_terminal_status,
			last_error_type = p_error_type,
			last_error_code = p_error_code,
			last_error_msg = p_error_msg,
			updated_at = now()
		WHERE domain = p_domain AND command_id = p_command_id;

		INSERT INTO command_audit (domain, command_id, event_type, details)
		VALUES (p_domain, p_command_id, p_event_type, p_details);

		IF p_batch_id IS NOT NULL THEN
			CASE p_event_type
			WHEN 'COMPLETED' THEN
				v_batch_terminal := sp_update_batch_on_complete(p_domain, p_batch_id);
			WHEN 'MOVED_TO_TSQ' THEN
				PERFORM sp_update_batch_on_tsq_move(p_domain, p_batch_id);
			WHEN 'OPERATOR_COMPLETE' THEN
				v_batch_terminal := sp_update_batch_on_tsq_complete(p_domain, p_batch_id);
			WHEN 'OPERATOR_CANCEL' THEN
				v_batch_terminal := sp_update_batch_on_tsq_cancel(p_domain, p_batch_id);
			ELSE
				NULL;
			END CASE;
		END IF;

		RETURN v_batch_terminal;
	END;
	$$ LANGUAGE plpgsql`,

	// Transient-failure bookkeeping: stamp the error and the attempts value
	// without leaving IN_PROGRESS. The worker then defers redelivery via the
	// queue visibility timeout.
	`CREATE OR REPLACE FUNCTION sp_fail_command(
		p_domain TEXT,
		p_command_id TEXT,
		p_error_type TEXT,
		p_error_code TEXT,
		p_error_msg TEXT,
		p_attempts INTEGER,
		p_max_attempts INTEGER,
		p_msg_id BIGINT DEFAULT NULL
	) RETURNS BOOLEAN AS $$
	DECLARE
		v_updated INTEGER;
	BEGIN
		UPDATE commands SET
			last_error_type = p_error_type,
			last_error_code = p_error_code,
			last_error_msg = p_error_msg,
			attempts = p_attempts,
			max_attempts = p_max_attempts,
			msg_id = COALESCE(p_msg_id, msg_id),
			updated_at = now()
		WHERE domain = p_domain AND command_id = p_command_id;
		GET DIAGNOSTICS v_updated = ROW_COUNT;
		RETURN v_updated > 0;
	END;
	$$ LANGUAGE plpgsql`,
}
