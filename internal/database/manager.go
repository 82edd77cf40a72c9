package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	dbconfig "codepair/pkg/database"
	"codepair/pkg/interfaces"
	"codepair/pkg/types"
)

// retryDelay is how long the writer waits before retrying a write that hit a
// transient lock. Tests shorten it.
var retryDelay = 500 * time.Millisecond

// Manager implements the DatabaseManager interface
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
}

// writeOperation represents a database write operation
type writeOperation struct {
	ctx       context.Context
	operation func(ctx context.Context, db *sql.DB) error
	result    chan error
}

var _ interfaces.DatabaseManager = (*Manager)(nil)

// NewManager creates a new database manager
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if config == nil {
		config = dbconfig.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine serializes every
	// conditional update, which is what makes compare-and-set race free
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(op.ctx, m.db)
			// FUNCTIONAL DISCOVERY: Only lock contention is retried; constraint
			// failures and lost compare-and-sets are final answers
			if isTransient(err) {
				log.Printf("Database write hit lock contention, retrying in %s: %v", retryDelay, err)
				time.Sleep(retryDelay)
				err = op.operation(op.ctx, m.db)
				if err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(ctx context.Context, db *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("database manager is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timer.C:
		return fmt.Errorf("write operation timeout")
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return fmt.Errorf("database manager is shutting down")
	}

	// TECHNICAL DISCOVERY: Once queued the operation will run; wait for its
	// outcome so callers never see a cancelled write that actually committed
	return <-result
}

// InsertSession creates a new session in the database
func (m *Manager) InsertSession(ctx context.Context, session *types.Session) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		query := `
			INSERT INTO sessions (id, call_id, problem, difficulty, host_id, participant_id, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			session.ID,
			session.CallID,
			session.Problem,
			session.Difficulty,
			session.HostID,
			session.ParticipantID,
			string(session.Status),
			session.CreatedAt.UTC(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", interfaces.ErrDuplicateCallID, session.CallID)
			}
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

const sessionColumns = `id, call_id, problem, difficulty, host_id, participant_id, status, created_at, ended_at`

// GetSession retrieves a session by ID
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	row := m.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

// CompareAndSetParticipant occupies the participant slot if it still holds expected
func (m *Manager) CompareAndSetParticipant(ctx context.Context, sessionID, expected, participantID string) (bool, error) {
	var swapped bool
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		// FUNCTIONAL DISCOVERY: The status guard keeps a join from landing on a
		// session that was ended between the caller's read and this write
		query := `
			UPDATE sessions
			SET participant_id = ?
			WHERE id = ? AND status = 'active' AND COALESCE(participant_id, '') = ?
		`
		res, err := db.ExecContext(ctx, query, participantID, sessionID, expected)
		if err != nil {
			return fmt.Errorf("failed to set participant: %w", err)
		}
		swapped, err = rowsChanged(res)
		return err
	})
	return swapped, err
}

// CompareAndSetStatus moves a session from expected to next status
func (m *Manager) CompareAndSetStatus(ctx context.Context, sessionID string, expected, next types.Status) (bool, error) {
	var swapped bool
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		var endedAt interface{}
		if next == types.StatusCompleted {
			endedAt = time.Now().UTC()
		}
		query := `
			UPDATE sessions
			SET status = ?, ended_at = COALESCE(?, ended_at)
			WHERE id = ? AND status = ?
		`
		res, err := db.ExecContext(ctx, query, string(next), endedAt, sessionID, string(expected))
		if err != nil {
			return fmt.Errorf("failed to update session status: %w", err)
		}
		swapped, err = rowsChanged(res)
		return err
	})
	return swapped, err
}

// QueryActive returns active sessions newest first
func (m *Manager) QueryActive(ctx context.Context, limit int) ([]*types.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM sessions
		WHERE status = 'active'
		ORDER BY created_at DESC, id DESC
		LIMIT ?`
	return m.querySessions(ctx, query, limit)
}

// QueryByMember returns sessions in status where userID is host or participant
func (m *Manager) QueryByMember(ctx context.Context, userID string, status types.Status, limit int) ([]*types.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM sessions
		WHERE status = ? AND (host_id = ? OR participant_id = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?`
	return m.querySessions(ctx, query, string(status), userID, userID, limit)
}

func (m *Manager) querySessions(ctx context.Context, query string, args ...interface{}) ([]*types.Session, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]*types.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// UpsertUser inserts a user or refreshes the profile fields of an existing one
// keyed by external ID. The stored internal ID is written back into user.
func (m *Manager) UpsertUser(ctx context.Context, user *types.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		query := `
			INSERT INTO users (id, external_id, name, email, avatar_url, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(external_id) DO UPDATE SET
				name = excluded.name,
				email = excluded.email,
				avatar_url = excluded.avatar_url
		`
		if _, err := db.ExecContext(ctx, query,
			user.ID, user.ExternalID, user.Name, user.Email, user.AvatarURL, user.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}

		row := db.QueryRowContext(ctx, `SELECT id, created_at FROM users WHERE external_id = ?`, user.ExternalID)
		if err := row.Scan(&user.ID, &user.CreatedAt); err != nil {
			return fmt.Errorf("failed to read back user: %w", err)
		}
		return nil
	})
}

// GetUser retrieves a user by internal ID
func (m *Manager) GetUser(ctx context.Context, userID string) (*types.User, error) {
	row := m.db.QueryRowContext(ctx, `SELECT id, external_id, name, email, avatar_url, created_at FROM users WHERE id = ?`, userID)
	return scanUser(row)
}

// GetUserByExternalID retrieves a user by the provider-side identity
func (m *Manager) GetUserByExternalID(ctx context.Context, externalID string) (*types.User, error) {
	row := m.db.QueryRowContext(ctx, `SELECT id, external_id, name, email, avatar_url, created_at FROM users WHERE external_id = ?`, externalID)
	return scanUser(row)
}

// AppendEvent stores a session event
func (m *Manager) AppendEvent(ctx context.Context, event *types.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		// TECHNICAL DISCOVERY: JSON serialization for detail keeps the event schema stable
		detail := event.Detail
		if detail == nil {
			detail = map[string]interface{}{}
		}
		detailJSON, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("failed to marshal event detail: %w", err)
		}

		query := `
			INSERT INTO session_events (id, session_id, type, actor_id, detail, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`
		_, err = db.ExecContext(ctx, query,
			event.ID,
			event.SessionID,
			event.Type,
			event.ActorID,
			string(detailJSON),
			event.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		return nil
	})
}

// ListEvents retrieves all events for a session in chronological order
func (m *Manager) ListEvents(ctx context.Context, sessionID string) ([]*types.Event, error) {
	query := `
		SELECT id, session_id, type, actor_id, detail, timestamp
		FROM session_events
		WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC
	`
	rows, err := m.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]*types.Event, 0)
	for rows.Next() {
		var event types.Event
		var detailJSON string
		if err := rows.Scan(&event.ID, &event.SessionID, &event.Type, &event.ActorID, &detailJSON, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if err := json.Unmarshal([]byte(detailJSON), &event.Detail); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event detail: %w", err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var session types.Session
	var status string
	var participant sql.NullString
	var endedAt sql.NullTime

	if err := row.Scan(
		&session.ID,
		&session.CallID,
		&session.Problem,
		&session.Difficulty,
		&session.HostID,
		&participant,
		&status,
		&session.CreatedAt,
		&endedAt,
	); err != nil {
		return nil, err
	}

	session.Status = types.Status(status)
	if participant.Valid {
		session.ParticipantID = &participant.String
	}
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	return &session, nil
}

func scanUser(row rowScanner) (*types.User, error) {
	var user types.User
	err := row.Scan(&user.ID, &user.ExternalID, &user.Name, &user.Email, &user.AvatarURL, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func rowsChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func isTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// applySQLiteOptimizations applies performance optimizations
func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
