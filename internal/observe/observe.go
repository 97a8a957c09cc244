package observe

import (
	"context"
	"io"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("testvault")

// Observer handles logging and tracing
type Observer struct {
	log *bolt.Logger
}

// New creates a new Observer with console output.
// If verbose is false, only warnings and errors are shown.
func New(out io.Writer, verbose bool) *Observer {
	return FromLogger(withLevel(bolt.New(bolt.NewConsoleHandler(out)), verbose))
}

// NewJSON creates a new Observer with JSON output.
// If verbose is false, only warnings and errors are shown.
func NewJSON(out io.Writer, verbose bool) *Observer {
	return FromLogger(withLevel(bolt.New(bolt.NewJSONHandler(out)), verbose))
}

// Discard returns an Observer that drops every record.
func Discard() *Observer {
	return NewJSON(io.Discard, false)
}

// FromLogger wraps a caller-supplied logger.
func FromLogger(l *bolt.Logger) *Observer {
	if l == nil {
		return Discard()
	}
	return &Observer{log: l}
}

func withLevel(l *bolt.Logger, verbose bool) *bolt.Logger {
	if !verbose {
		l.SetLevel(bolt.WARN)
	}
	return l
}

// Log returns the underlying logger
func (o *Observer) Log() *bolt.Logger {
	return o.log
}

// StartSpan starts a new OTel span
func (o *Observer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// EndSpan records err on the span, if any, and ends it.
func (o *Observer) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Close is a no-op. Log records are written unbuffered and spans go to the
// global tracer provider, which the embedding program owns.
func (o *Observer) Close() error {
	return nil
}
