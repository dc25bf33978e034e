package postgresql

// Migrations returns the full conduit schema, queue substrate included.
// Every PostgreSQL-backed component shares this set so a single
// schema_migrations table governs the database.
func Migrations() map[int]string {
	return map[int]string{
		1: `
			-- Queue substrate
			CREATE TABLE conduit_queues (
				name TEXT PRIMARY KEY,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE conduit_queue_messages (
				id BIGSERIAL PRIMARY KEY,
				queue TEXT NOT NULL REFERENCES conduit_queues (name),
				payload JSONB NOT NULL,
				enqueued TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				visible_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				attempts INTEGER NOT NULL DEFAULT 0,
				error TEXT
			);

			CREATE INDEX idx_queue_messages_dequeue
				ON conduit_queue_messages (queue, visible_at, id);
		`,
		2: `
			-- Workflow definitions
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				queue VARCHAR(255) NOT NULL,
				configuration JSONB,
				activities JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflows_queue ON workflows(queue);
			CREATE INDEX idx_workflows_deleted_at ON workflows(deleted_at);

			-- Lifecycle states and transitions
			CREATE TABLE workflow_states (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				type VARCHAR(50) NOT NULL,
				configuration JSONB,
				workflow_id VARCHAR(255),
				entry_workflow_id VARCHAR(255),
				exit_workflow_id VARCHAR(255)
			);

			CREATE TABLE workflow_state_transitions (
				from_state_id VARCHAR(255) NOT NULL REFERENCES workflow_states(id),
				to_state_id VARCHAR(255) NOT NULL REFERENCES workflow_states(id),
				description TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (from_state_id, to_state_id)
			);

			-- Traits
			CREATE TABLE traits (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				workflow_ids TEXT[] NOT NULL DEFAULT '{}',
				delete_workflow_id VARCHAR(255),
				content_types TEXT[] NOT NULL DEFAULT '{}'
			);

			-- Schedules
			CREATE TABLE workflow_schedules (
				id VARCHAR(255) PRIMARY KEY,
				metadata_id VARCHAR(255),
				collection_id VARCHAR(255),
				workflow_id VARCHAR(255) NOT NULL,
				attributes JSONB,
				configuration JSONB,
				rrule TEXT NOT NULL DEFAULT '',
				cron TEXT NOT NULL DEFAULT '',
				starts TIMESTAMP WITH TIME ZONE NOT NULL,
				ends TIMESTAMP WITH TIME ZONE,
				last_run TIMESTAMP WITH TIME ZONE,
				next_run TIMESTAMP WITH TIME ZONE,
				last_scheduled TIMESTAMP WITH TIME ZONE,
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				catchup VARCHAR(10) NOT NULL DEFAULT 'latest'
			);

			CREATE INDEX idx_schedules_due ON workflow_schedules(next_run) WHERE enabled;

			-- Entity cursors
			CREATE TABLE entity_cursors (
				kind VARCHAR(20) NOT NULL,
				id VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				active_version INTEGER NOT NULL DEFAULT 0,
				workflow_state_id VARCHAR(255) NOT NULL,
				workflow_state_pending_id VARCHAR(255),
				workflow_state_valid TIMESTAMP WITH TIME ZONE,
				delete_workflow_id VARCHAR(255),
				ready TIMESTAMP WITH TIME ZONE,
				deleted BOOLEAN NOT NULL DEFAULT FALSE,
				trait_ids TEXT[] NOT NULL DEFAULT '{}',
				PRIMARY KEY (kind, id, version)
			);

			-- Enqueue idempotency registry
			CREATE TABLE idempotency_keys (
				key VARCHAR(512) PRIMARY KEY,
				queue TEXT NOT NULL,
				message_id BIGINT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);
		`,
	}
}
