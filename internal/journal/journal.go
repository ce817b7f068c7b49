// Package journal persists exit reports in SQLite so that a slot's crash
// history survives supervisor restarts.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/randomizedcoder/go-trampoline/internal/exitstatus"
	"github.com/randomizedcoder/go-trampoline/internal/supervisor"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// DefaultLimit is used by Recent when limit is not positive.
const DefaultLimit = 50

// Journal is an append-only store of exit reports.
type Journal struct {
	path   string
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the journal database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// One writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	j := &Journal{path: path, db: db, logger: logger}
	if err := j.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Debug("journal_opened", "path", path)
	return j, nil
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	var current int
	if err := j.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("checking schema version: %w", err)
	}

	migrations := []string{migrationV1}
	for i, migration := range migrations {
		version := i + 1
		if version <= current {
			continue
		}

		tx, err := j.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration v%d: %w", version, err)
		}
		for _, stmt := range splitStatements(migration) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("executing migration v%d: %w", version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			version, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration v%d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", version, err)
		}
		j.logger.Info("journal_migrated", "version", version)
	}
	return nil
}

func splitStatements(sqlText string) []string {
	var out []string
	for _, stmt := range strings.Split(sqlText, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Record appends r. Recording the same handle twice is a no-op.
func (j *Journal) Record(ctx context.Context, r supervisor.ExitReport) error {
	_, err := j.db.ExecContext(ctx, `INSERT OR IGNORE INTO exits
		(handle_id, slot, pid, generation, exit_code, signal, signaled, cause, uptime_ns, at, stderr_tail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.HandleID,
		r.Slot,
		r.PID,
		r.Generation,
		r.Status.Code,
		r.Status.Signal,
		r.Status.Signaled,
		r.Cause.String(),
		int64(r.Uptime),
		r.At.UTC().Format(time.RFC3339Nano),
		strings.Join(r.StderrTail, "\n"),
	)
	if err != nil {
		return fmt.Errorf("recording exit of %s: %w", r.HandleID, err)
	}
	return nil
}

// Recent returns up to limit reports for slot, newest first. An empty slot
// matches every slot.
func (j *Journal) Recent(ctx context.Context, slot string, limit int) ([]supervisor.ExitReport, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := j.db.QueryContext(ctx, `SELECT
		handle_id, slot, pid, generation, exit_code, signal, signaled, cause, uptime_ns, at, stderr_tail
		FROM exits
		WHERE (? = '' OR slot = ?)
		ORDER BY id DESC
		LIMIT ?`, slot, slot, limit)
	if err != nil {
		return nil, fmt.Errorf("querying exits: %w", err)
	}
	defer rows.Close()

	var out []supervisor.ExitReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating exits: %w", err)
	}
	return out, nil
}

func scanReport(rows *sql.Rows) (supervisor.ExitReport, error) {
	var (
		r        supervisor.ExitReport
		cause    string
		uptimeNs int64
		at       string
		tail     string
	)
	if err := rows.Scan(
		&r.HandleID, &r.Slot, &r.PID, &r.Generation,
		&r.Status.Code, &r.Status.Signal, &r.Status.Signaled,
		&cause, &uptimeNs, &at, &tail,
	); err != nil {
		return r, fmt.Errorf("scanning exit: %w", err)
	}

	parsed, err := exitstatus.ParseCause(cause)
	if err != nil {
		return r, fmt.Errorf("exit %s: %w", r.HandleID, err)
	}
	r.Cause = parsed
	r.Uptime = time.Duration(uptimeNs)
	if r.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
		return r, fmt.Errorf("exit %s: bad timestamp %q: %w", r.HandleID, at, err)
	}
	if tail != "" {
		r.StderrTail = strings.Split(tail, "\n")
	}
	return r, nil
}

// Counts returns the number of recorded exits per cause for slot.
func (j *Journal) Counts(ctx context.Context, slot string) (map[exitstatus.Cause]int64, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT cause, COUNT(*) FROM exits WHERE (? = '' OR slot = ?) GROUP BY cause", slot, slot)
	if err != nil {
		return nil, fmt.Errorf("counting exits: %w", err)
	}
	defer rows.Close()

	counts := make(map[exitstatus.Cause]int64)
	for rows.Next() {
		var (
			name string
			n    int64
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		cause, err := exitstatus.ParseCause(name)
		if err != nil {
			return nil, err
		}
		counts[cause] = n
	}
	return counts, rows.Err()
}
