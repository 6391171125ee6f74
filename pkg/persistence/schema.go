package persistence

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// initializeSchema ensures the database schema is at the current version.
func initializeSchema(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion < CurrentSchemaVersion {
		return migrateSchema(db, currentVersion)
	}
	return fmt.Errorf("unknown schema version %d (current is %d)", currentVersion, CurrentSchemaVersion)
}

// migrateSchema walks an older database forward to the current version.
func migrateSchema(db *sql.DB, from int) error {
	if from < 2 {
		if _, err := db.Exec(signalWatermarksTable); err != nil {
			return fmt.Errorf("failed to migrate to schema version 2: %w", err)
		}
	}
	if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

const signalWatermarksTable = `CREATE TABLE IF NOT EXISTS signal_watermarks (
	task_id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL
)`

func getSchemaVersion(db *sql.DB) (int, error) {
	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			size_estimate TEXT NOT NULL DEFAULT '',
			approved_by TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			acceptance_criteria TEXT NOT NULL DEFAULT '[]',
			completion_criteria TEXT NOT NULL DEFAULT '[]',
			dependencies TEXT NOT NULL DEFAULT '[]',
			risks TEXT NOT NULL DEFAULT '[]',
			quality_requirements TEXT NOT NULL DEFAULT '{}',
			priority INTEGER NOT NULL DEFAULT 0,
			ready INTEGER NOT NULL DEFAULT 0,
			cancelled INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			work_item_id TEXT NOT NULL REFERENCES work_items(id),
			phase TEXT NOT NULL,
			assigned_to TEXT NOT NULL,
			status TEXT NOT NULL,
			depends_on TEXT NOT NULL DEFAULT '[]',
			attempt INTEGER NOT NULL DEFAULT 1,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			assigned_at TIMESTAMP,
			completed_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS agent_signals (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			task_id TEXT NOT NULL,
			agent_role TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			validation TEXT NOT NULL DEFAULT '{}',
			next_agent TEXT NOT NULL DEFAULT '',
			completed_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS escalations (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			category TEXT NOT NULL,
			question TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '[]',
			recommendation TEXT NOT NULL DEFAULT '',
			resolution TEXT NOT NULL DEFAULT '',
			resolved INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP
		)`,

		signalWatermarksTable,

		`CREATE INDEX IF NOT EXISTS idx_tasks_item ON tasks(work_item_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_task ON agent_signals(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_escalations_subject ON escalations(subject_id, category)`,
		`CREATE INDEX IF NOT EXISTS idx_escalations_resolved ON escalations(resolved)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}
