package perf

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Execution is one persisted tool execution.
type Execution struct {
	ID        string
	ToolID    string
	ServerID  string
	Timestamp time.Time
	Duration  time.Duration
	Success   bool
	Error     string
}

// Store is an append-only SQLite log of tool executions used to reseed
// the monitor across restarts. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens the execution log at dbPath, creating the schema on
// first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open performance database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate performance schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_executions (
		id          TEXT PRIMARY KEY,
		tool_id     TEXT NOT NULL,
		server_id   TEXT NOT NULL,
		timestamp   TEXT NOT NULL,
		duration_us INTEGER NOT NULL,
		success     INTEGER NOT NULL,
		error       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_executions_tool ON tool_executions(tool_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_executions_timestamp ON tool_executions(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends e. An empty ID gets a UUIDv7 and a zero Timestamp
// becomes now.
func (s *Store) Record(ctx context.Context, e Execution) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate execution ID: %w", err)
		}
		e.ID = id.String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	var errText sql.NullString
	if e.Error != "" {
		errText = sql.NullString{String: e.Error, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_executions (id, tool_id, server_id, timestamp, duration_us, success, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.ToolID,
		e.ServerID,
		e.Timestamp.UTC().Format(timeLayout),
		e.Duration.Microseconds(),
		e.Success,
		errText,
	)
	if err != nil {
		return fmt.Errorf("insert tool execution: %w", err)
	}
	return nil
}

// Recent returns up to perTool of the newest executions of every tool,
// ordered by tool and then oldest first, ready for [Monitor.Restore].
func (s *Store) Recent(ctx context.Context, perTool int) ([]Execution, error) {
	if perTool <= 0 {
		perTool = HistorySize
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tool_id, server_id, timestamp, duration_us, success, error
		 FROM (
			SELECT *, ROW_NUMBER() OVER (
				PARTITION BY tool_id ORDER BY timestamp DESC, id DESC
			) AS rn
			FROM tool_executions
		 )
		 WHERE rn <= ?
		 ORDER BY tool_id, timestamp, id`,
		perTool,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var (
			e       Execution
			ts      string
			micros  int64
			errText sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ToolID, &e.ServerID, &ts, &micros, &e.Success, &errText); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Timestamp, err = time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse execution timestamp %q: %w", ts, err)
		}
		e.Duration = time.Duration(micros) * time.Microsecond
		e.Error = errText.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes executions older than cutoff and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_executions WHERE timestamp < ?`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune tool executions: %w", err)
	}
	return res.RowsAffected()
}
