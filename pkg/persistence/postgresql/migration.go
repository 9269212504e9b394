package postgresql

// migrations returns the numbered schema migrations applied by the
// migration manager.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS automation_rules (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				trigger_type VARCHAR(50) NOT NULL,
				trigger_model VARCHAR(255) NOT NULL DEFAULT '',
				trigger_signal VARCHAR(255) NOT NULL DEFAULT '',
				trigger_conditions JSONB NOT NULL DEFAULT '[]',
				schedule_config JSONB,
				action_type VARCHAR(50) NOT NULL,
				action_config JSONB NOT NULL DEFAULT '{}',
				is_active BOOLEAN NOT NULL DEFAULT FALSE,
				total_executions BIGINT NOT NULL DEFAULT 0,
				total_success BIGINT NOT NULL DEFAULT 0,
				total_failed BIGINT NOT NULL DEFAULT 0,
				last_triggered_at TIMESTAMP WITH TIME ZONE,
				created_by VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_automation_rules_trigger
				ON automation_rules (trigger_type, trigger_model)
				WHERE deleted_at IS NULL;

			CREATE TABLE IF NOT EXISTS rule_executions (
				id UUID PRIMARY KEY,
				rule_id UUID NOT NULL,
				rule_snapshot JSONB NOT NULL DEFAULT '{}',
				status VARCHAR(20) NOT NULL,
				is_test BOOLEAN NOT NULL DEFAULT FALSE,
				trigger_data JSONB NOT NULL DEFAULT '{}',
				action_result JSONB,
				error_message TEXT NOT NULL DEFAULT '',
				dedupe_key VARCHAR(512) NOT NULL DEFAULT '',
				execution_time_ms BIGINT NOT NULL DEFAULT 0,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_rule_executions_rule_id
				ON rule_executions (rule_id, started_at DESC);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_rule_executions_dedupe_key
				ON rule_executions (dedupe_key)
				WHERE dedupe_key <> '';

			CREATE TABLE IF NOT EXISTS webhook_endpoints (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				slug VARCHAR(255) NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT FALSE,
				auth_type VARCHAR(20) NOT NULL,
				api_key VARCHAR(255) NOT NULL DEFAULT '',
				hmac_secret VARCHAR(255) NOT NULL DEFAULT '',
				target_model VARCHAR(255) NOT NULL,
				target_action VARCHAR(20) NOT NULL,
				field_mapping JSONB NOT NULL DEFAULT '{}',
				default_values JSONB NOT NULL DEFAULT '{}',
				required_fields JSONB NOT NULL DEFAULT '[]',
				dedupe_field VARCHAR(255) NOT NULL DEFAULT '',
				rate_limit_per_minute INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_webhook_endpoints_slug
				ON webhook_endpoints (slug);

			CREATE TABLE IF NOT EXISTS webhook_receipts (
				id UUID PRIMARY KEY,
				endpoint_id UUID NOT NULL,
				endpoint_slug VARCHAR(255) NOT NULL,
				status VARCHAR(20) NOT NULL,
				outcome VARCHAR(20) NOT NULL DEFAULT '',
				object_id VARCHAR(255) NOT NULL DEFAULT '',
				payload JSONB,
				error_message TEXT NOT NULL DEFAULT '',
				source_ip VARCHAR(64) NOT NULL DEFAULT '',
				latency_ms BIGINT NOT NULL DEFAULT 0,
				received_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_webhook_receipts_endpoint
				ON webhook_receipts (endpoint_id, received_at DESC);

			CREATE TABLE IF NOT EXISTS bottleneck_rules (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				entity_type VARCHAR(255) NOT NULL,
				bottleneck_type VARCHAR(50) NOT NULL,
				detection_config JSONB NOT NULL DEFAULT '{}',
				filter_conditions JSONB NOT NULL DEFAULT '[]',
				is_active BOOLEAN NOT NULL DEFAULT FALSE,
				cooldown_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
				enable_warnings BOOLEAN NOT NULL DEFAULT FALSE,
				warning_threshold_percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
				send_notification BOOLEAN NOT NULL DEFAULT FALSE,
				notification_config JSONB,
				create_task BOOLEAN NOT NULL DEFAULT FALSE,
				task_config JSONB,
				run_on_schedule BOOLEAN NOT NULL DEFAULT FALSE,
				schedule_interval_minutes INTEGER NOT NULL DEFAULT 0,
				next_run_at TIMESTAMP WITH TIME ZONE,
				last_run_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_bottleneck_rules_due
				ON bottleneck_rules (next_run_at)
				WHERE deleted_at IS NULL AND is_active AND run_on_schedule;

			CREATE TABLE IF NOT EXISTS bottleneck_detections (
				id UUID PRIMARY KEY,
				rule_id UUID NOT NULL,
				entity_type VARCHAR(255) NOT NULL,
				entity_id VARCHAR(255) NOT NULL,
				severity VARCHAR(20) NOT NULL,
				current_value DOUBLE PRECISION NOT NULL DEFAULT 0,
				threshold_value DOUBLE PRECISION NOT NULL DEFAULT 0,
				projected_breach_at TIMESTAMP WITH TIME ZONE,
				notification_sent BOOLEAN NOT NULL DEFAULT FALSE,
				task_created BOOLEAN NOT NULL DEFAULT FALSE,
				task_id VARCHAR(255) NOT NULL DEFAULT '',
				is_resolved BOOLEAN NOT NULL DEFAULT FALSE,
				resolved_at TIMESTAMP WITH TIME ZONE,
				resolved_by VARCHAR(255) NOT NULL DEFAULT '',
				detected_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			-- At most one unresolved detection per (rule, entity).
			CREATE UNIQUE INDEX IF NOT EXISTS idx_bottleneck_detections_open
				ON bottleneck_detections (rule_id, entity_id)
				WHERE NOT is_resolved;

			CREATE INDEX IF NOT EXISTS idx_bottleneck_detections_rule
				ON bottleneck_detections (rule_id, detected_at DESC);

			CREATE TABLE IF NOT EXISTS detection_runs (
				id UUID PRIMARY KEY,
				rule_id UUID NOT NULL,
				rule_snapshot JSONB,
				entities_scanned INTEGER NOT NULL DEFAULT 0,
				entities_matched INTEGER NOT NULL DEFAULT 0,
				entities_in_cooldown INTEGER NOT NULL DEFAULT 0,
				detections_created INTEGER NOT NULL DEFAULT 0,
				detections_resolved INTEGER NOT NULL DEFAULT 0,
				notifications_sent INTEGER NOT NULL DEFAULT 0,
				tasks_created INTEGER NOT NULL DEFAULT 0,
				entity_ids JSONB NOT NULL DEFAULT '[]',
				trigger VARCHAR(20) NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_detection_runs_rule
				ON detection_runs (rule_id, started_at DESC);
		`,
	}
}
