package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/tenderflow/backend/pkg/logger"
)

type Client struct {
	db  *sql.DB
	now func() time.Time
}

func NewClient(dbPath string) (*Client, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serialises writers; the conditional task-lock UPDATEs rely on it.
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, now: time.Now}, nil
}

// Open creates the client and applies the schema.
func Open(dbPath string) (*Client, error) {
	c, err := NewClient(dbPath)
	if err != nil {
		return nil, err
	}
	if err := c.InitSchema(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// SetClock overrides the time source; tests use it to age heartbeats and expiries.
func (c *Client) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Client) Now() time.Time {
	return c.now()
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS tender_projects (
	project_id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_name TEXT NOT NULL,
	company_id INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tender_processing_tasks (
	project_id INTEGER PRIMARY KEY,
	overall_status TEXT NOT NULL DEFAULT 'pending',
	current_step TEXT NOT NULL DEFAULT 'parse',
	completed_step INTEGER NOT NULL DEFAULT 0,
	progress_percentage INTEGER NOT NULL DEFAULT 0,
	total_chunks INTEGER NOT NULL DEFAULT 0,
	valuable_chunks INTEGER NOT NULL DEFAULT 0,
	total_requirements INTEGER NOT NULL DEFAULT 0,
	filter_model TEXT,
	extract_model TEXT,
	pipeline_config TEXT,
	options TEXT,
	step_digests TEXT,
	saved_state BLOB,
	resumable INTEGER NOT NULL DEFAULT 1,
	last_error TEXT,
	last_error_time INTEGER,
	last_heartbeat INTEGER,
	started_at INTEGER,
	completed_at INTEGER,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY (project_id) REFERENCES tender_projects(project_id)
);

CREATE TABLE IF NOT EXISTS tender_processing_logs (
	log_id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	step TEXT NOT NULL,
	status TEXT NOT NULL,
	processed_items INTEGER NOT NULL DEFAULT 0,
	success_items INTEGER NOT NULL DEFAULT 0,
	failed_items INTEGER NOT NULL DEFAULT 0,
	actual_cost REAL NOT NULL DEFAULT 0,
	api_calls INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	started_at INTEGER NOT NULL,
	completed_at INTEGER,
	FOREIGN KEY (project_id) REFERENCES tender_projects(project_id)
);
CREATE INDEX IF NOT EXISTS idx_processing_logs_project ON tender_processing_logs(project_id);

CREATE TABLE IF NOT EXISTS tender_document_chunks (
	chunk_id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	chunk_index INTEGER NOT NULL CHECK (chunk_index >= 0),
	chunk_type TEXT NOT NULL,
	content TEXT NOT NULL CHECK (length(content) > 0),
	metadata TEXT,
	is_valuable INTEGER,
	filter_confidence REAL,
	filter_model TEXT,
	filtered_at INTEGER,
	extracted_at INTEGER,
	created_at INTEGER NOT NULL,
	UNIQUE (project_id, chunk_index),
	FOREIGN KEY (project_id) REFERENCES tender_projects(project_id)
);
CREATE INDEX IF NOT EXISTS idx_chunks_project_valuable ON tender_document_chunks(project_id, is_valuable);

CREATE TABLE IF NOT EXISTS tender_requirements (
	requirement_id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	chunk_id INTEGER,
	constraint_type TEXT NOT NULL CHECK (constraint_type IN ('mandatory', 'scoring', 'optional')),
	category TEXT NOT NULL,
	subcategory TEXT,
	detail TEXT NOT NULL CHECK (length(detail) > 0),
	source_location TEXT,
	priority TEXT NOT NULL CHECK (priority IN ('high', 'medium', 'low')),
	extraction_confidence REAL NOT NULL,
	extraction_model TEXT,
	is_verified INTEGER NOT NULL DEFAULT 0,
	verified_by TEXT,
	verified_at INTEGER,
	notes TEXT,
	extracted_at INTEGER NOT NULL,
	FOREIGN KEY (project_id) REFERENCES tender_projects(project_id),
	FOREIGN KEY (chunk_id) REFERENCES tender_document_chunks(chunk_id)
);
CREATE INDEX IF NOT EXISTS idx_requirements_project ON tender_requirements(project_id, constraint_type, category);
CREATE INDEX IF NOT EXISTS idx_requirements_chunk ON tender_requirements(chunk_id);

CREATE VIEW IF NOT EXISTS tender_requirement_summary AS
	SELECT project_id, constraint_type, category, COUNT(*) AS requirement_count
	FROM tender_requirements
	GROUP BY project_id, constraint_type, category;

CREATE TABLE IF NOT EXISTS agent_tasks (
	task_id TEXT PRIMARY KEY,
	project_id INTEGER,
	task_type TEXT NOT NULL,
	overall_status TEXT NOT NULL DEFAULT 'pending',
	current_phase TEXT,
	progress INTEGER NOT NULL DEFAULT 0,
	message TEXT,
	input TEXT,
	result TEXT,
	phases TEXT,
	saved_state BLOB,
	resumable INTEGER NOT NULL DEFAULT 1,
	last_error TEXT,
	last_error_time INTEGER,
	started_at INTEGER,
	last_heartbeat INTEGER,
	completed_at INTEGER,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_tasks_status ON agent_tasks(overall_status);
CREATE INDEX IF NOT EXISTS idx_agent_tasks_created ON agent_tasks(created_at);

CREATE TABLE IF NOT EXISTS agent_execution_logs (
	log_id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	phase_name TEXT NOT NULL,
	status TEXT NOT NULL,
	attempt_number INTEGER NOT NULL DEFAULT 1,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	input_summary TEXT,
	output_summary TEXT,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_task ON agent_execution_logs(task_id);

CREATE TRIGGER IF NOT EXISTS agent_execution_logs_no_update
BEFORE UPDATE ON agent_execution_logs
BEGIN
	SELECT RAISE(ABORT, 'agent_execution_logs is append-only');
END;

CREATE TABLE IF NOT EXISTS risk_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	item_index INTEGER NOT NULL,
	risk_level TEXT NOT NULL,
	source_chunk INTEGER NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (task_id) REFERENCES agent_tasks(task_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_risk_items_task ON risk_items(task_id, item_index);

CREATE TABLE IF NOT EXISTS parser_documents (
	document_id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	file_path TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS parser_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id TEXT NOT NULL,
	method TEXT NOT NULL,
	success INTEGER NOT NULL,
	chapters TEXT,
	chapter_count INTEGER NOT NULL DEFAULT 0,
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	precision_score REAL,
	recall_score REAL,
	f1_score REAL,
	created_at INTEGER NOT NULL,
	UNIQUE (document_id, method),
	FOREIGN KEY (document_id) REFERENCES parser_documents(document_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS parser_ground_truth (
	document_id TEXT PRIMARY KEY,
	chapters TEXT NOT NULL,
	annotator TEXT,
	best_method TEXT,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (document_id) REFERENCES parser_documents(document_id) ON DELETE CASCADE
);
`

// withTx runs fn in a transaction, committing on success and rolling back otherwise.
func (c *Client) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v)
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal json column: %w", err)
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJSON(col sql.NullString, v any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), v); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return nil
}
