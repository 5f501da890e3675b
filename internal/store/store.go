// Package store implements the durable approval store and audit log
// (C4/C5): a local sqlite file holding pending_requests and audit_log,
// serialized through a single connection.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = "2006-01-02T15:04:05Z"

// Store wraps the sqlite connection backing the approval store and
// audit log.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the sqlite database at path,
// chmod'ing it 0600 on first creation, then runs pending migrations.
func Open(path string) (*Store, error) {
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// One connection per process: the gateway has a single writer, so
	// a pool capped at one connection is the direct model.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	if isNew {
		if err := os.Chmod(path, 0o600); err != nil && !os.IsPermission(err) {
			// Best-effort: platforms without POSIX permission bits
			// (and permission errors on already-locked-down paths)
			// are not fatal to store construction.
			slog.Warn("store: failed to chmod 0600 on new database file", "path", path, "error", err)
		}
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) runMigrations() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	_ = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(e.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		description := strings.TrimSuffix(parts[1], ".sql")

		content, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			version, description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", e.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", e.Name(), err)
		}
		slog.Info("store: applied migration", "version", version, "description", description)
	}
	return nil
}

// PendingRow mirrors the pending_requests table.
type PendingRow struct {
	RequestID string
	ToolName  string
	Args      json.RawMessage
	Signature string
	MessageID string
	CreatedAt time.Time
	ExpiresAt time.Time
	Result    json.RawMessage // nil until resolved
}

// AuditEntry mirrors one audit_log row.
type AuditEntry struct {
	ID              int64
	RequestID       string
	Timestamp       time.Time
	ToolName        string
	Args            json.RawMessage
	Signature       string
	Decision        string
	Resolution      string
	ResolvedBy      string
	ResolvedAt      time.Time
	ExecutionResult json.RawMessage
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

// InsertPending persists a new pending approval row.
func (s *Store) InsertPending(row PendingRow) error {
	_, err := s.db.Exec(`
		INSERT INTO pending_requests (request_id, tool_name, args, signature, message_id, created_at, expires_at, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
	`, row.RequestID, row.ToolName, string(row.Args), row.Signature, row.MessageID, formatTime(row.CreatedAt), formatTime(row.ExpiresAt))
	if err != nil {
		return fmt.Errorf("store: insert pending: %w", err)
	}
	return nil
}

// GetPending fetches one pending row by id. found is false when no
// such row exists.
func (s *Store) GetPending(requestID string) (row PendingRow, found bool, err error) {
	var args, createdAt, expiresAt string
	var result sql.NullString
	err = s.db.QueryRow(`
		SELECT request_id, tool_name, args, signature, message_id, created_at, expires_at, result
		FROM pending_requests WHERE request_id = ?
	`, requestID).Scan(&row.RequestID, &row.ToolName, &args, &row.Signature, &row.MessageID, &createdAt, &expiresAt, &result)
	if err == sql.ErrNoRows {
		return PendingRow{}, false, nil
	}
	if err != nil {
		return PendingRow{}, false, fmt.Errorf("store: get pending: %w", err)
	}
	row.Args = json.RawMessage(args)
	if row.CreatedAt, err = parseTime(createdAt); err != nil {
		return PendingRow{}, false, fmt.Errorf("store: parse created_at: %w", err)
	}
	if row.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return PendingRow{}, false, fmt.Errorf("store: parse expires_at: %w", err)
	}
	if result.Valid {
		row.Result = json.RawMessage(result.String)
	}
	return row, true, nil
}

// DeletePending removes a pending row, e.g. once its result has been
// delivered to the agent.
func (s *Store) DeletePending(requestID string) error {
	_, err := s.db.Exec("DELETE FROM pending_requests WHERE request_id = ?", requestID)
	if err != nil {
		return fmt.Errorf("store: delete pending: %w", err)
	}
	return nil
}

// UpdatePendingResult writes the terminal result for a pending row.
// This is a monotonic write: callers must never invoke it twice for
// the same request_id (the approval coordinator and gateway enforce
// this by construction — see internal/approvals).
func (s *Store) UpdatePendingResult(requestID string, result json.RawMessage) error {
	res, err := s.db.Exec(`
		UPDATE pending_requests SET result = ? WHERE request_id = ? AND result IS NULL
	`, string(result), requestID)
	if err != nil {
		return fmt.Errorf("store: update pending result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update pending result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: update pending result: request %q not found or already resolved", requestID)
	}
	return nil
}

// GetCompletedResults returns every pending row with a non-null
// result, i.e. approvals that resolved while the agent was
// disconnected.
func (s *Store) GetCompletedResults() ([]PendingRow, error) {
	rows, err := s.db.Query(`
		SELECT request_id, tool_name, args, signature, message_id, created_at, expires_at, result
		FROM pending_requests WHERE result IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("store: get completed results: %w", err)
	}
	defer rows.Close()

	var out []PendingRow
	for rows.Next() {
		var row PendingRow
		var args, createdAt, expiresAt, result string
		if err := rows.Scan(&row.RequestID, &row.ToolName, &args, &row.Signature, &row.MessageID, &createdAt, &expiresAt, &result); err != nil {
			return nil, fmt.Errorf("store: scan completed result: %w", err)
		}
		row.Args = json.RawMessage(args)
		row.Result = json.RawMessage(result)
		if row.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if row.ExpiresAt, err = parseTime(expiresAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// DeleteCompletedResults removes rows by id, acknowledging delivery to
// the client.
func (s *Store) DeleteCompletedResults(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: delete completed results: %w", err)
	}
	stmt, err := tx.Prepare("DELETE FROM pending_requests WHERE request_id = ?")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("store: delete completed results: %w", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: delete completed results: %w", err)
		}
	}
	return tx.Commit()
}

// CleanupStale deletes pending rows whose deadline has passed without
// resolution and returns the deleted request ids.
func (s *Store) CleanupStale(now time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT request_id FROM pending_requests WHERE expires_at <= ? AND result IS NULL
	`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: cleanup stale: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: cleanup stale: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.db.Exec(`DELETE FROM pending_requests WHERE expires_at <= ? AND result IS NULL`, formatTime(now)); err != nil {
		return nil, fmt.Errorf("store: cleanup stale: %w", err)
	}
	return ids, nil
}

// LogAudit inserts an audit row at request-decision time. Returns the
// assigned row id.
func (s *Store) LogAudit(entry AuditEntry) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO audit_log (request_id, timestamp, tool_name, args, signature, decision)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.RequestID, formatTime(entry.Timestamp), entry.ToolName, string(entry.Args), entry.Signature, entry.Decision)
	if err != nil {
		return 0, fmt.Errorf("store: log audit: %w", err)
	}
	return res.LastInsertId()
}

// UpdateAuditResolution fills in the terminal resolution fields for an
// ASK request's audit row, identified by request_id. executionResult
// may be nil when the resolution is not "executed".
func (s *Store) UpdateAuditResolution(requestID, resolution, resolvedBy string, resolvedAt time.Time, executionResult json.RawMessage) error {
	var execArg any
	if executionResult != nil {
		execArg = string(executionResult)
	}
	_, err := s.db.Exec(`
		UPDATE audit_log
		SET resolution = ?, resolved_by = ?, resolved_at = ?, execution_result = ?
		WHERE request_id = ? AND resolution IS NULL
	`, resolution, resolvedBy, formatTime(resolvedAt), execArg, requestID)
	if err != nil {
		return fmt.Errorf("store: update audit resolution: %w", err)
	}
	return nil
}
