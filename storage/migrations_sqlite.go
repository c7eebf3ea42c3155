package storage

import "fmt"

// migrations are applied in order at startup; each statement is idempotent
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS metric_points (
		id TEXT PRIMARY KEY,
		metric TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		value REAL NOT NULL,
		timestamp DATETIME NOT NULL,
		bucket TEXT NOT NULL,
		dimensions TEXT NOT NULL DEFAULT '{}',
		source TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_metric_points_lookup
		ON metric_points(metric, timestamp)`,

	`CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value REAL NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS anomaly_configs (
		id TEXT PRIMARY KEY,
		metric TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		dimensions TEXT NOT NULL DEFAULT '{}',
		algorithm TEXT NOT NULL,
		sensitivity REAL NOT NULL,
		training_window_days INTEGER NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		last_trained_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS anomalies (
		id TEXT PRIMARY KEY,
		config_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL,
		observed_value REAL NOT NULL,
		expected_value REAL NOT NULL,
		deviation REAL NOT NULL,
		score REAL NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		event_ids TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_anomalies_dedup
		ON anomalies(config_id, metric, subject, timestamp)`,

	`CREATE TABLE IF NOT EXISTS alert_definitions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		metric TEXT NOT NULL,
		operator TEXT NOT NULL,
		threshold REAL NOT NULL,
		sustain_for_seconds INTEGER NOT NULL DEFAULT 0,
		severity TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		channels TEXT NOT NULL DEFAULT '[]',
		notify_users TEXT NOT NULL DEFAULT '[]',
		dimensions TEXT NOT NULL DEFAULT '{}',
		last_triggered_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS alert_history (
		id TEXT PRIMARY KEY,
		definition_id TEXT NOT NULL,
		triggered_at DATETIME NOT NULL,
		observed_value REAL NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		acknowledged_at DATETIME,
		acknowledged_by TEXT NOT NULL DEFAULT '',
		resolved_at DATETIME,
		resolved_by TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_history_dedup
		ON alert_history(definition_id, triggered_at)`,

	`CREATE TABLE IF NOT EXISTS health_checks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		target TEXT NOT NULL,
		interval_seconds INTEGER NOT NULL,
		timeout_seconds INTEGER NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		headers TEXT NOT NULL DEFAULT '{}',
		body TEXT NOT NULL DEFAULT '',
		expected_status INTEGER NOT NULL DEFAULT 0,
		driver TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		alert_threshold INTEGER NOT NULL DEFAULT 3,
		alert_severity TEXT NOT NULL DEFAULT 'high',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS health_results (
		id TEXT PRIMARY KEY,
		check_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		outcome TEXT NOT NULL,
		response_time_ms INTEGER NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		body TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_health_results_lookup
		ON health_results(check_id, timestamp DESC)`,

	`CREATE TABLE IF NOT EXISTS breach_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT 'global',
		workspace_id TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		eval_interval_seconds INTEGER NOT NULL DEFAULT 900,
		definition TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS breaches (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		detection_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		source TEXT NOT NULL DEFAULT '',
		detected_at DATETIME NOT NULL,
		first_detected_at DATETIME NOT NULL,
		evidence TEXT NOT NULL DEFAULT '{}',
		rule_id TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL DEFAULT '',
		assigned_to TEXT NOT NULL DEFAULT '',
		affected_resources TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_breaches_rule_dedup
		ON breaches(rule_id, status, detected_at)`,
	`CREATE INDEX IF NOT EXISTS idx_breaches_title_dedup
		ON breaches(title, source, status, detected_at)`,

	`CREATE TABLE IF NOT EXISTS breach_events (
		id TEXT PRIMARY KEY,
		breach_id TEXT NOT NULL REFERENCES breaches(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_breach_events_case
		ON breach_events(breach_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS indicators (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		value TEXT NOT NULL,
		severity TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE(type, value)
	)`,

	`CREATE TABLE IF NOT EXISTS indicator_links (
		id TEXT PRIMARY KEY,
		breach_id TEXT NOT NULL REFERENCES breaches(id) ON DELETE CASCADE,
		indicator_id TEXT NOT NULL REFERENCES indicators(id) ON DELETE CASCADE,
		confidence REAL NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		UNIQUE(breach_id, indicator_id)
	)`,

	`CREATE TABLE IF NOT EXISTS security_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '{}',
		timestamp DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_search
		ON security_events(event_type, severity, timestamp)`,

	`CREATE TABLE IF NOT EXISTS access_violations (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		resource TEXT NOT NULL,
		action TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_access_violations_search
		ON access_violations(subject, timestamp)`,

	`CREATE TABLE IF NOT EXISTS token_usage (
		id TEXT PRIMARY KEY,
		token_id TEXT NOT NULL,
		subject TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		request_count INTEGER NOT NULL DEFAULT 0,
		denied INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_token_usage_search
		ON token_usage(subject, timestamp)`,
}

// Migrate applies the schema
func (s *SQLite) Migrate() error {
	for i, stmt := range migrations {
		if _, err := s.WriteDB.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
