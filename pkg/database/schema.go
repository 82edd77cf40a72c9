package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables deployment
// verification (the migrate command) without coupling to the migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"users":             "User identity mapping",
		"sessions":          "Session records",
		"session_events":    "Session event log",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go structs and database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	sessionColumns := map[string]string{
		"id":             "TEXT",
		"call_id":        "TEXT",
		"problem":        "TEXT",
		"difficulty":     "TEXT",
		"host_id":        "TEXT",
		"participant_id": "TEXT",
		"status":         "TEXT",
		"created_at":     "DATETIME",
		"ended_at":       "DATETIME",
	}
	if err := v.validateColumns("sessions", sessionColumns); err != nil {
		return fmt.Errorf("sessions table structure invalid: %w", err)
	}

	userColumns := map[string]string{
		"id":          "TEXT",
		"external_id": "TEXT",
		"name":        "TEXT",
		"email":       "TEXT",
		"avatar_url":  "TEXT",
		"created_at":  "DATETIME",
	}
	if err := v.validateColumns("users", userColumns); err != nil {
		return fmt.Errorf("users table structure invalid: %w", err)
	}

	eventColumns := map[string]string{
		"id":         "TEXT",
		"session_id": "TEXT",
		"type":       "TEXT",
		"actor_id":   "TEXT",
		"detail":     "TEXT",
		"timestamp":  "DATETIME",
	}
	if err := v.validateColumns("session_events", eventColumns); err != nil {
		return fmt.Errorf("session_events table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that all query indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_sessions_status_created":     "Active and recent session listing",
		"idx_sessions_host":               "Sessions by host",
		"idx_sessions_participant":        "Sessions by participant",
		"idx_session_events_session_time": "Event history replay",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints verifies that the data-level invariants are enforced by
// the database itself. All probes run inside a transaction that is rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin constraint probe: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insertSession := `
		INSERT INTO sessions (id, call_id, problem, difficulty, host_id, participant_id, status, created_at)
		VALUES (?, ?, 'Probe', 'easy', 'host', ?, ?, CURRENT_TIMESTAMP)
	`

	if _, err := tx.Exec(insertSession, "probe-1", "probe_call_1", nil, "active"); err != nil {
		return fmt.Errorf("failed to create probe session: %w", err)
	}

	if _, err := tx.Exec(insertSession, "probe-2", "probe_call_1", nil, "active"); err == nil {
		return fmt.Errorf("unique constraint not enforced: sessions.call_id")
	}

	if _, err := tx.Exec(insertSession, "probe-3", "probe_call_3", "host", "active"); err == nil {
		return fmt.Errorf("check constraint not enforced: host cannot be participant")
	}

	if _, err := tx.Exec(insertSession, "probe-4", "probe_call_4", nil, "paused"); err == nil {
		return fmt.Errorf("check constraint not enforced: session status")
	}

	_, err = tx.Exec(`
		INSERT INTO session_events (id, session_id, type, timestamp)
		VALUES ('probe-event', 'nonexistent', 'session_created', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: session_events.session_id")
	}

	return nil
}

// tableExists checks if a table exists in the database
func (v *SchemaValidator) tableExists(tableName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// indexExists checks if an index exists in the database
func (v *SchemaValidator) indexExists(indexName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?",
		indexName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}

		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
