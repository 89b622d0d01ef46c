package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/go-sql-driver/mysql" // registers the "mysql" driver used by OpenSQL
)

// DefaultTable is the table written by SQLHandler.
const DefaultTable = "build_errors"

// OpenSQL opens a MySQL-compatible database from a DSN such as
// "user:pass@tcp(localhost:3306)/textheads?parseTime=true".
func OpenSQL(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry database: %w", err)
	}
	return db, nil
}

// SQLHandler is a slog.Handler that writes error logs to a SQL database
type SQLHandler struct {
	next      slog.Handler
	db        *sql.DB
	tableName string
	attrs     []slog.Attr
}

// NewSQLHandler creates a new SQLHandler using an existing DB connection
func NewSQLHandler(next slog.Handler, db *sql.DB) (*SQLHandler, error) {
	h := &SQLHandler{
		next:      next,
		db:        db,
		tableName: DefaultTable,
	}

	if err := h.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure telemetry table: %w", err)
	}

	return h, nil
}

func (h *SQLHandler) ensureTable() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(36) PRIMARY KEY,
			timestamp TIMESTAMP,
			level VARCHAR(10),
			message TEXT,
			job_id VARCHAR(64),
			shard INT,
			source_file VARCHAR(255),
			line_number INT,
			attributes JSON
		)
	`, h.tableName)

	_, err := h.db.Exec(query)
	return err
}

// Enabled implements slog.Handler
func (h *SQLHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *SQLHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.next.Handle(ctx, r); err != nil {
		return err
	}

	if r.Level < slog.LevelError {
		return nil
	}

	rec := newRecord(ctx, r, h.attrs)
	query := fmt.Sprintf(`
		INSERT INTO %s (id, timestamp, level, message, job_id, shard, source_file, line_number, attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.tableName)

	_, err := h.db.ExecContext(context.WithoutCancel(ctx), query,
		rec.ID,
		rec.Timestamp,
		rec.Level,
		rec.Message,
		rec.JobID,
		rec.Shard,
		rec.SourceFile,
		rec.LineNumber,
		rec.Attributes,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write log to SQL: %v\n", err)
	}

	// Database errors never block the logging chain
	return nil
}

// WithAttrs implements slog.Handler
func (h *SQLHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SQLHandler{
		next:      h.next.WithAttrs(attrs),
		db:        h.db,
		tableName: h.tableName,
		attrs:     append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

// WithGroup implements slog.Handler
func (h *SQLHandler) WithGroup(name string) slog.Handler {
	return &SQLHandler{
		next:      h.next.WithGroup(name),
		db:        h.db,
		tableName: h.tableName,
		attrs:     h.attrs,
	}
}
