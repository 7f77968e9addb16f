package telemetry

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

var (
	outputMu sync.RWMutex
	output   io.Writer = os.Stdout
)

// SetOutput redirects loggers created afterwards. The CLI uses it to send
// human-readable console output to stderr.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	output = w
}

// ConfigureLevel sets the global log level from its name, defaulting to info
func ConfigureLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a new logger with OTEL hooks
func NewLogger(component string) *Logger {
	outputMu.RLock()
	w := output
	outputMu.RUnlock()

	return NewLoggerWithWriter(component, w)
}

// NewLoggerWithWriter creates a logger writing to w
func NewLoggerWithWriter(component string, w io.Writer) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("service", "churn").
		Str("component", component).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// LogSpanStart logs the start of a span with attributes
func (l *Logger) LogSpanStart(ctx context.Context, spanName string, attrs ...attribute.KeyValue) {
	event := l.WithContext(ctx).Debug().Str("span_name", spanName)
	for _, attr := range attrs {
		event = addAttributeToEvent(event, attr)
	}
	event.Msg("span started")
}

// LogSpanEnd logs the end of a span with results
func (l *Logger) LogSpanEnd(ctx context.Context, spanName string, err error) {
	logger := l.WithContext(ctx)

	if err != nil {
		logger.Error().
			Err(err).
			Str("span_name", spanName).
			Msg("span failed")
		return
	}
	logger.Debug().
		Str("span_name", spanName).
		Msg("span completed")
}

func addAttributeToEvent(event *zerolog.Event, attr attribute.KeyValue) *zerolog.Event {
	key := string(attr.Key)

	switch attr.Value.Type() {
	case attribute.STRING:
		return event.Str(key, attr.Value.AsString())
	case attribute.INT64:
		return event.Int64(key, attr.Value.AsInt64())
	case attribute.FLOAT64:
		return event.Float64(key, attr.Value.AsFloat64())
	case attribute.BOOL:
		return event.Bool(key, attr.Value.AsBool())
	default:
		return event.Str(key, attr.Value.Emit())
	}
}

// Convenience methods for the aggregation pipeline

func (l *Logger) LogFetchRetry(ctx context.Context, scope, window string, attempt int, delay time.Duration, err error) {
	l.WithContext(ctx).Warn().
		Err(err).
		Str("scope", scope).
		Str("window", window).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("fetch failed, retrying")
}

func (l *Logger) LogFetchComplete(ctx context.Context, scope, window string, events, pages int) {
	l.WithContext(ctx).Debug().
		Str("scope", scope).
		Str("window", window).
		Int("events", events).
		Int("pages", pages).
		Msg("fetch completed")
}

func (l *Logger) LogMalformedEvent(ctx context.Context, scope string, missing []string, operation string) {
	l.WithContext(ctx).Warn().
		Str("scope", scope).
		Strs("missing_fields", missing).
		Str("operation", operation).
		Msg("malformed change event")
}

func (l *Logger) LogAmbiguousOperation(ctx context.Context, scope, operation string, rules []string) {
	l.WithContext(ctx).Warn().
		Str("scope", scope).
		Str("operation", operation).
		Strs("matched_rules", rules).
		Msg("operation matches both delete and create rules")
}

func (l *Logger) LogScopeFailure(ctx context.Context, scope string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("scope", scope).
		Msg("scope pipeline failed")
}
