// Package telemetry records error-level log records from build jobs to
// parquet files or a SQL table, next to the normal log output.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/soundprediction/textheads/pkg/types"
)

// DefaultBatchSize is the number of records buffered before a parquet file is written.
const DefaultBatchSize = 100

// LogRecord represents a single log entry for Parquet storage
type LogRecord struct {
	ID         string    `parquet:"id"`
	Timestamp  time.Time `parquet:"timestamp"`
	Level      string    `parquet:"level"`
	Message    string    `parquet:"message"`
	JobID      string    `parquet:"job_id"`
	Shard      int       `parquet:"shard"`
	SourceFile string    `parquet:"source_file"`
	LineNumber int       `parquet:"line_number"`
	Attributes string    `parquet:"attributes"` // JSON string
}

// newRecord builds a LogRecord from r and the job values on ctx. Shard is
// -1 when the record was not logged while processing a shard.
func newRecord(ctx context.Context, r slog.Record, attrs []slog.Attr) LogRecord {
	jobID, _ := ctx.Value(types.ContextKeyJobID).(string)
	shard := -1
	if v, ok := ctx.Value(types.ContextKeyShard).(int); ok {
		shard = v
	}

	fields := make(map[string]any, len(attrs)+r.NumAttrs())
	for _, a := range attrs {
		fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		if err, ok := a.Value.Any().(error); ok {
			fields[a.Key] = err.Error()
		} else {
			fields[a.Key] = a.Value.Any()
		}
		return true
	})
	attrsJSON, _ := json.Marshal(fields)

	fs := runtime.CallersFrames([]uintptr{r.PC})
	f, _ := fs.Next()

	return LogRecord{
		ID:         uuid.New().String(),
		Timestamp:  r.Time.UTC(),
		Level:      r.Level.String(),
		Message:    r.Message,
		JobID:      jobID,
		Shard:      shard,
		SourceFile: f.File,
		LineNumber: f.Line,
		Attributes: string(attrsJSON),
	}
}

// parquetBuffer is shared by a handler and the handlers derived from it.
type parquetBuffer struct {
	mu        sync.Mutex
	outputDir string
	records   []LogRecord
	batchSize int
	files     int
}

// ParquetHandler is a slog.Handler that writes error logs to Parquet files
type ParquetHandler struct {
	next  slog.Handler
	buf   *parquetBuffer
	attrs []slog.Attr
}

// NewParquetHandler creates a new ParquetHandler
func NewParquetHandler(next slog.Handler, outputDir string) (*ParquetHandler, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}

	return &ParquetHandler{
		next: next,
		buf: &parquetBuffer{
			outputDir: outputDir,
			batchSize: DefaultBatchSize,
			records:   make([]LogRecord, 0, DefaultBatchSize),
		},
	}, nil
}

// Enabled implements slog.Handler
func (h *ParquetHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *ParquetHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.next.Handle(ctx, r); err != nil {
		return err
	}

	if r.Level < slog.LevelError {
		return nil
	}

	record := newRecord(ctx, r, h.attrs)

	h.buf.mu.Lock()
	defer h.buf.mu.Unlock()

	h.buf.records = append(h.buf.records, record)
	if len(h.buf.records) >= h.buf.batchSize {
		return h.buf.flush()
	}
	return nil
}

// Close writes any buffered records.
func (h *ParquetHandler) Close() error {
	h.buf.mu.Lock()
	defer h.buf.mu.Unlock()
	return h.buf.flush()
}

// flush writes the buffer to a new Parquet file. Caller must hold the lock.
func (b *parquetBuffer) flush() error {
	if len(b.records) == 0 {
		return nil
	}

	now := time.Now()
	filename := fmt.Sprintf("build_errors_%s_%d_%03d.parquet", now.Format("20060102_150405"), now.UnixNano(), b.files)
	if err := parquet.WriteFile(filepath.Join(b.outputDir, filename), b.records); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write telemetry parquet file: %v\n", err)
		return err
	}

	b.files++
	b.records = b.records[:0]
	return nil
}

// WithAttrs implements slog.Handler
func (h *ParquetHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ParquetHandler{
		next:  h.next.WithAttrs(attrs),
		buf:   h.buf,
		attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

// WithGroup implements slog.Handler
func (h *ParquetHandler) WithGroup(name string) slog.Handler {
	return &ParquetHandler{
		next:  h.next.WithGroup(name),
		buf:   h.buf,
		attrs: h.attrs,
	}
}
