package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database migration.
type Migration struct {
	Version int
	Name    string
	Up      string
}

// migrations holds all database migrations in order. Statements stick to
// the subset of SQL shared by SQLite and PostgreSQL: timestamps are unix
// milliseconds and booleans are integers.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up: `
			-- Subjects acting on alerts
			CREATE TABLE IF NOT EXISTS subjects (
				id TEXT PRIMARY KEY,
				name TEXT UNIQUE NOT NULL,
				role TEXT NOT NULL DEFAULT 'viewer',
				created_at BIGINT NOT NULL
			);

			-- Inventory resources, keyed by entity kind and instance id
			CREATE TABLE IF NOT EXISTS resources (
				kind INTEGER NOT NULL,
				instance_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				sort_name TEXT NOT NULL,
				owner_id TEXT,
				PRIMARY KEY (kind, instance_id)
			);

			CREATE TABLE IF NOT EXISTS resource_groups (
				id INTEGER PRIMARY KEY,
				name TEXT UNIQUE NOT NULL
			);

			-- Group membership has no foreign key to resources; removing a
			-- resource deletes these rows explicitly.
			CREATE TABLE IF NOT EXISTS resource_group_members (
				group_id INTEGER NOT NULL,
				resource_kind INTEGER NOT NULL,
				resource_id INTEGER NOT NULL,
				PRIMARY KEY (group_id, resource_kind, resource_id),
				FOREIGN KEY (group_id) REFERENCES resource_groups(id) ON DELETE CASCADE
			);

			CREATE TABLE IF NOT EXISTS group_grants (
				group_id INTEGER NOT NULL,
				subject_id TEXT NOT NULL,
				operation TEXT NOT NULL,
				PRIMARY KEY (group_id, subject_id, operation),
				FOREIGN KEY (group_id) REFERENCES resource_groups(id) ON DELETE CASCADE,
				FOREIGN KEY (subject_id) REFERENCES subjects(id) ON DELETE CASCADE
			);

			CREATE TABLE IF NOT EXISTS measurements (
				id TEXT PRIMARY KEY,
				entity_kind INTEGER NOT NULL,
				entity_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				units TEXT NOT NULL DEFAULT 'none'
			);

			CREATE TABLE IF NOT EXISTS alert_definitions (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				sort_name TEXT NOT NULL,
				priority INTEGER NOT NULL DEFAULT 2,
				enabled INTEGER NOT NULL DEFAULT 1,
				will_recover INTEGER NOT NULL DEFAULT 0,
				entity_kind INTEGER NOT NULL,
				entity_id INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS alert_conditions (
				id TEXT PRIMARY KEY,
				definition_id TEXT NOT NULL,
				kind INTEGER NOT NULL,
				name TEXT NOT NULL,
				comparator TEXT NOT NULL DEFAULT '',
				threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
				option_status TEXT NOT NULL DEFAULT '',
				measurement_id TEXT,
				required INTEGER NOT NULL DEFAULT 0,
				FOREIGN KEY (definition_id) REFERENCES alert_definitions(id) ON DELETE CASCADE
			);

			CREATE TABLE IF NOT EXISTS alerts (
				id TEXT PRIMARY KEY,
				definition_id TEXT NOT NULL,
				ctime BIGINT NOT NULL,
				fixed INTEGER NOT NULL DEFAULT 0,
				FOREIGN KEY (definition_id) REFERENCES alert_definitions(id) ON DELETE CASCADE
			);

			CREATE TABLE IF NOT EXISTS alert_condition_logs (
				id TEXT PRIMARY KEY,
				alert_id TEXT NOT NULL,
				condition_id TEXT NOT NULL,
				value TEXT NOT NULL,
				seq INTEGER NOT NULL,
				FOREIGN KEY (alert_id) REFERENCES alerts(id) ON DELETE CASCADE,
				FOREIGN KEY (condition_id) REFERENCES alert_conditions(id) ON DELETE CASCADE
			);

			CREATE TABLE IF NOT EXISTS alert_action_logs (
				id TEXT PRIMARY KEY,
				alert_id TEXT NOT NULL,
				action_id TEXT NOT NULL,
				subject_id TEXT,
				detail TEXT NOT NULL,
				ctime BIGINT NOT NULL,
				FOREIGN KEY (alert_id) REFERENCES alerts(id) ON DELETE CASCADE
			);

			-- Alerts currently being escalated
			CREATE TABLE IF NOT EXISTS escalation_states (
				alert_id TEXT PRIMARY KEY,
				ctime BIGINT NOT NULL,
				FOREIGN KEY (alert_id) REFERENCES alerts(id) ON DELETE CASCADE
			);

			-- Indexes
			CREATE INDEX IF NOT EXISTS idx_members_resource ON resource_group_members(resource_kind, resource_id);
			CREATE INDEX IF NOT EXISTS idx_grants_subject ON group_grants(subject_id);
			CREATE INDEX IF NOT EXISTS idx_definitions_entity ON alert_definitions(entity_kind, entity_id);
			CREATE INDEX IF NOT EXISTS idx_conditions_definition ON alert_conditions(definition_id);
			CREATE INDEX IF NOT EXISTS idx_alerts_ctime ON alerts(ctime, id);
			CREATE INDEX IF NOT EXISTS idx_alerts_definition ON alerts(definition_id, fixed, ctime);
			CREATE INDEX IF NOT EXISTS idx_condition_logs_alert ON alert_condition_logs(alert_id, seq);
			CREATE INDEX IF NOT EXISTS idx_action_logs_alert ON alert_action_logs(alert_id);
			CREATE INDEX IF NOT EXISTS idx_action_logs_subject ON alert_action_logs(subject_id);
		`,
	},
}

// runMigrations applies all pending migrations.
func runMigrations(db *sql.DB, driver string) error {
	// Create migrations table if not exists
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	// Apply pending migrations
	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		// Run migration in transaction
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		_, err = tx.Exec(m.Up)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d (%s): %w", m.Version, m.Name, err)
		}

		_, err = tx.Exec(
			rebind(driver, "INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)"),
			m.Version, m.Name, time.Now().UnixMilli(),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
