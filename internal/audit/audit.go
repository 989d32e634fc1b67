// Package audit writes an append-only JSON log of security relevant tool
// activity: approval decisions, execution outcomes and breaker trips.
package audit

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

// Event types written to the audit log.
const (
	TypeApproval  = "approval"
	TypeExecution = "execution"
	TypeCircuit   = "circuit"
)

// Config controls the audit log.
type Config struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// Event is one audit log line.
type Event struct {
	Type      string            `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor,omitempty"`
	Action    string            `json:"action"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
}

// Logger records audit events.
type Logger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	file   *os.File
}

// Open appends to the audit log at path, creating it and its directory.
func Open(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	l := New(file)
	l.file = file
	return l, nil
}

// New writes audit events to w.
func New(w io.Writer) *Logger {
	return &Logger{logger: zerolog.New(w)}
}

// Record writes event. When ctx carries a recording span the event is also
// added to it and the trace id is copied onto the line.
func (l *Logger) Record(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if sc := span.SpanContext(); sc.IsValid() {
		event.TraceID = sc.TraceID().String()
		span.AddEvent("audit."+event.Type, trace.WithAttributes(
			attribute.String("audit.action", event.Action),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.logger.Log().
		Str("event_type", event.Type).
		Time("timestamp", event.Timestamp).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.Actor != "" {
		entry.Str("actor", event.Actor)
	}
	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}
	if len(event.Metadata) > 0 {
		entry.Interface("metadata", event.Metadata)
	}
	entry.Send()
}

// Attach records terminal execution events and circuit changes from bus.
// The returned func detaches.
func (l *Logger) Attach(bus *toolexecutor.EventBus) func() {
	return bus.SubscribeFunc(l.handleEvent,
		toolexecutor.EventExecutionCompleted,
		toolexecutor.EventExecutionFailed,
		toolexecutor.EventExecutionCancelled,
		toolexecutor.EventCircuitStateChanged,
	)
}

func (l *Logger) handleEvent(event toolexecutor.Event) {
	audit := Event{
		Type:      TypeExecution,
		Timestamp: event.Timestamp,
		Action:    "execute:" + event.ToolID,
		Metadata:  map[string]string{"domain": event.Domain},
	}

	switch event.Type {
	case toolexecutor.EventExecutionCompleted:
		audit.Status = "success"
	case toolexecutor.EventExecutionFailed:
		audit.Status = "failure"
	case toolexecutor.EventExecutionCancelled:
		audit.Status = "cancelled"
	case toolexecutor.EventCircuitStateChanged:
		audit.Type = TypeCircuit
		audit.Action = "circuit:" + event.Domain
		audit.Status = event.Data["to"]
		audit.Metadata["from"] = event.Data["from"]
	default:
		return
	}

	if event.ExecutionID != "" {
		audit.Metadata["execution_id"] = event.ExecutionID
	}
	if event.Error != "" {
		audit.Metadata["error"] = event.Error
	}
	if event.Duration > 0 {
		audit.Metadata["duration"] = event.Duration.String()
	}
	l.Record(context.Background(), audit)
}

// Close closes the underlying file when the logger was opened with Open.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
