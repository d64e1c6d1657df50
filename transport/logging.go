package transport

// Logger provides structured debug logging hooks for the transport.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to spans/events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap a connection's activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records connection lifecycle, events, and errors for tracing
// systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func logEvent(logger Logger, structured StructuredLogger, event string, fields ...logField) {
	if structured != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, f := range fields {
			kv = append(kv, f.key, f.value)
		}
		structured.Debugw("ucxparcel transport", kv...)
		return
	}
	if logger == nil {
		return
	}
	args := make([]any, 0, len(fields)*2)
	format := event
	for _, f := range fields {
		format += " %s=%v"
		args = append(args, f.key, f.value)
	}
	logger.Debugf(format, args...)
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, TraceAttribute{Key: f.key, Value: f.value})
	}
	span.AddEvent(name, attrs...)
}
