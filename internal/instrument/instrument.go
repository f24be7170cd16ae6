package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Context keys
type ctxKey int

const (
	traceIDKey ctxKey = iota
	parentSpanIDKey
	instrumenterKey
)

// Instrumenter interface defines the tracing API.
type Instrumenter interface {
	StartSpan(ctx context.Context, source, component, action string) (context.Context, Span)
	EmitBusinessEvent(ctx context.Context, action, table, recordID string, metadata map[string]any)
}

// Span interface represents a timed operation span.
type Span interface {
	End()
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetTable(table, recordID string)
	TraceID() string
	SpanID() string
}

// newUUID generates a new UUID v4 string.
func newUUID() string {
	return uuid.New().String()
}

// WithTraceID sets the trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

func withParentSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, parentSpanIDKey, spanID)
}

func getParentSpanID(ctx context.Context) string {
	if v, ok := ctx.Value(parentSpanIDKey).(string); ok {
		return v
	}
	return ""
}

// WithInstrumenter sets the instrumenter in the context.
func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return context.WithValue(ctx, instrumenterKey, inst)
}

// GetInstrumenter returns the instrumenter from the context,
// or a NoopInstrumenter if none is set.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if v, ok := ctx.Value(instrumenterKey).(Instrumenter); ok {
		return v
	}
	return &NoopInstrumenter{}
}

// LogInstrumenter writes finished spans and business events to a zap logger.
// Spans are logged at debug level, business events at info.
type LogInstrumenter struct {
	logger *zap.SugaredLogger
}

func NewLogInstrumenter(logger *zap.SugaredLogger) *LogInstrumenter {
	return &LogInstrumenter{logger: logger}
}

// StartSpan creates a new span and returns the updated context.
func (i *LogInstrumenter) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	span := &LogSpan{
		traceID:      GetTraceID(ctx),
		spanID:       newUUID(),
		parentSpanID: getParentSpanID(ctx),
		source:       source,
		component:    component,
		action:       action,
		startTime:    time.Now(),
		logger:       i.logger,
	}

	// Child spans reference this span as parent
	return withParentSpanID(ctx, span.spanID), span
}

// EmitBusinessEvent logs a one-shot business event (no duration tracking).
func (i *LogInstrumenter) EmitBusinessEvent(ctx context.Context, action, table, recordID string, metadata map[string]any) {
	fields := []any{
		"trace_id", GetTraceID(ctx),
		"action", action,
		"table", table,
	}
	if recordID != "" {
		fields = append(fields, "record_id", recordID)
	}
	if parent := getParentSpanID(ctx); parent != "" {
		fields = append(fields, "parent_span_id", parent)
	}
	for k, v := range metadata {
		fields = append(fields, k, v)
	}
	i.logger.Infow("business event", fields...)
}

// LogSpan implements Span with timing and metadata.
type LogSpan struct {
	traceID      string
	spanID       string
	parentSpanID string
	source       string
	component    string
	action       string
	table        string
	recordID     string
	status       string
	startTime    time.Time
	metadata     map[string]any
	logger       *zap.SugaredLogger
	mu           sync.Mutex
	ended        bool
}

func (s *LogSpan) TraceID() string { return s.traceID }
func (s *LogSpan) SpanID() string  { return s.spanID }

func (s *LogSpan) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *LogSpan) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
}

func (s *LogSpan) SetTable(table, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = table
	if recordID != "" {
		s.recordID = recordID
	}
}

// End logs the span once; later calls are ignored.
func (s *LogSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true

	durationMs := float64(time.Since(s.startTime).Microseconds()) / 1000.0
	fields := []any{
		"trace_id", s.traceID,
		"span_id", s.spanID,
		"source", s.source,
		"component", s.component,
		"action", s.action,
		"duration_ms", durationMs,
	}
	if s.parentSpanID != "" {
		fields = append(fields, "parent_span_id", s.parentSpanID)
	}
	if s.table != "" {
		fields = append(fields, "table", s.table)
	}
	if s.recordID != "" {
		fields = append(fields, "record_id", s.recordID)
	}
	if s.status != "" {
		fields = append(fields, "status", s.status)
	}
	for k, v := range s.metadata {
		fields = append(fields, k, v)
	}
	s.logger.Debugw("span", fields...)
}
